package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

// requireAdmin guards the management API with a bearer token. With no token
// configured the API stays off entirely.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.Error(w, "admin api disabled", http.StatusServiceUnavailable)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// adminChannelRequest registers or updates a tracked channel. Channel is a
// Twitch login or a YouTube channel id / @handle; it is resolved to the
// provider's stable id before anything is stored.
type adminChannelRequest struct {
	Provider     string                   `json:"provider"`
	Channel      string                   `json:"channel"`
	Guild        *store.GuildAlertConfig  `json:"guild,omitempty"`
	TitleTargets []store.TitleAlertTarget `json:"title_targets,omitempty"`
}

// adminChannelView is a callback row with secrets redacted.
type adminChannelView struct {
	Provider    string                   `json:"provider"`
	ChannelID   string                   `json:"channel_id"`
	Login       string                   `json:"login"`
	DisplayName string                   `json:"display_name"`
	LeaseExpiry *time.Time               `json:"lease_expiry,omitempty"`
	Guilds      []store.GuildAlertConfig `json:"guilds"`
}

func viewOf(cb *store.Callback) adminChannelView {
	v := adminChannelView{
		Provider:    string(cb.Provider),
		ChannelID:   cb.ChannelID,
		Login:       cb.Login,
		DisplayName: cb.DisplayName,
		Guilds:      cb.Guilds,
	}
	if !cb.LeaseExpiry.IsZero() {
		t := cb.LeaseExpiry
		v.LeaseExpiry = &t
	}
	return v
}

func (s *Server) handleAdminUpsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "admin"))

	var req adminChannelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	provider := event.Provider(req.Provider)
	var (
		channelID, login, displayName string
		err                           error
	)
	switch provider {
	case event.ProviderTwitch:
		if s.tw == nil {
			http.Error(w, "twitch adapter not configured", http.StatusServiceUnavailable)
			return
		}
		channelID, displayName, err = s.tw.ResolveUser(ctx, req.Channel)
		login = strings.ToLower(req.Channel)
	case event.ProviderYouTube:
		if s.yt == nil {
			http.Error(w, "youtube adapter not configured", http.StatusServiceUnavailable)
			return
		}
		channelID, displayName, err = s.yt.ResolveChannel(ctx, req.Channel)
		login = req.Channel
	default:
		http.Error(w, "provider must be twitch or youtube", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Warn("resolve channel failed", slog.String("channel", req.Channel), slog.Any("err", err))
		http.Error(w, "channel not found at provider", http.StatusNotFound)
		return
	}

	cb, err := s.st.GetCallback(ctx, provider, channelID)
	if errors.Is(err, store.ErrNotFound) {
		cb = &store.Callback{Provider: provider, ChannelID: channelID, Login: login, DisplayName: displayName}
	} else if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if displayName != "" {
		cb.DisplayName = displayName
	}
	if req.Guild != nil {
		cb.Guilds = mergeGuild(cb.Guilds, *req.Guild)
	}
	if err := s.st.UpsertCallback(ctx, cb); err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	withTitle := false
	if len(req.TitleTargets) > 0 {
		tc := &store.TitleCallback{Provider: provider, ChannelID: channelID}
		if prev, err := s.st.GetTitleCallback(ctx, provider, channelID); err == nil {
			tc = prev
		}
		tc.Targets = mergeTargets(tc.Targets, req.TitleTargets)
		if err := s.st.UpsertTitleCallback(ctx, tc); err != nil {
			http.Error(w, "store unavailable", http.StatusInternalServerError)
			return
		}
		withTitle = true
	} else if tc, err := s.st.GetTitleCallback(ctx, provider, channelID); err == nil && len(tc.Targets) > 0 {
		withTitle = true
	}

	switch provider {
	case event.ProviderTwitch:
		err = s.tw.Subscribe(ctx, cb, withTitle)
	case event.ProviderYouTube:
		err = s.yt.Subscribe(ctx, cb)
	}
	if err != nil {
		log.Error("provider subscription failed",
			slog.String("channel_id", channelID), slog.Any("err", err))
		http.Error(w, "subscription failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	log.Info("channel registered",
		slog.String("provider", string(provider)),
		slog.String("channel_id", channelID),
		slog.String("login", cb.Login))
	writeJSON(w, http.StatusOK, viewOf(cb))
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providers := []event.Provider{event.ProviderTwitch, event.ProviderYouTube}
	if p := r.URL.Query().Get("provider"); p != "" {
		providers = []event.Provider{event.Provider(p)}
	}
	out := []adminChannelView{}
	for _, provider := range providers {
		cbs, err := s.st.ListCallbacks(ctx, provider)
		if err != nil {
			http.Error(w, "store unavailable", http.StatusInternalServerError)
			return
		}
		for _, cb := range cbs {
			out = append(out, viewOf(cb))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "admin"))
	provider := event.Provider(r.PathValue("provider"))
	channelID := r.PathValue("channel")
	guildID := r.URL.Query().Get("guild_id")

	cb, err := s.st.GetCallback(ctx, provider, channelID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	if guildID != "" {
		cb.Guilds = removeGuild(cb.Guilds, guildID)
		s.removeTitleTargets(ctx, provider, channelID, guildID)
		if len(cb.Guilds) > 0 {
			if err := s.st.UpsertCallback(ctx, cb); err != nil {
				http.Error(w, "store unavailable", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, viewOf(cb))
			return
		}
	}

	// Last guild gone (or full removal requested): tear everything down so
	// the provider stops delivering for a channel nobody wants.
	s.unsubscribeProvider(ctx, cb, log)
	for _, del := range []func(context.Context, event.Provider, string) error{
		s.st.DeleteChannelState, s.st.DeleteTitleState, s.st.DeleteTitleCallback, s.st.DeleteCallback,
	} {
		if err := del(ctx, provider, channelID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("purge step failed", slog.String("channel_id", channelID), slog.Any("err", err))
		}
	}
	log.Info("channel removed",
		slog.String("provider", string(provider)), slog.String("channel_id", channelID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unsubscribeProvider(ctx context.Context, cb *store.Callback, log *slog.Logger) {
	var err error
	switch cb.Provider {
	case event.ProviderTwitch:
		if s.tw != nil {
			err = s.tw.Unsubscribe(ctx, cb)
		}
	case event.ProviderYouTube:
		if s.yt != nil {
			err = s.yt.Unsubscribe(ctx, cb)
		}
	}
	if err != nil {
		// Leases lapse and revoked subs 404 on delete, so a failed
		// unsubscribe self-heals; the purge continues regardless.
		log.Warn("provider unsubscribe failed", slog.String("channel_id", cb.ChannelID), slog.Any("err", err))
	}
}

func (s *Server) removeTitleTargets(ctx context.Context, provider event.Provider, channelID, guildID string) {
	tc, err := s.st.GetTitleCallback(ctx, provider, channelID)
	if err != nil {
		return
	}
	kept := tc.Targets[:0]
	for _, t := range tc.Targets {
		if t.GuildID != guildID {
			kept = append(kept, t)
		}
	}
	tc.Targets = kept
	if len(tc.Targets) == 0 {
		s.st.DeleteTitleCallback(ctx, provider, channelID)
		return
	}
	s.st.UpsertTitleCallback(ctx, tc)
}

func mergeGuild(guilds []store.GuildAlertConfig, g store.GuildAlertConfig) []store.GuildAlertConfig {
	for i := range guilds {
		if guilds[i].GuildID == g.GuildID {
			guilds[i] = g
			return guilds
		}
	}
	return append(guilds, g)
}

func removeGuild(guilds []store.GuildAlertConfig, guildID string) []store.GuildAlertConfig {
	kept := guilds[:0]
	for _, g := range guilds {
		if g.GuildID != guildID {
			kept = append(kept, g)
		}
	}
	return kept
}

func mergeTargets(have, add []store.TitleAlertTarget) []store.TitleAlertTarget {
	for _, t := range add {
		found := false
		for i := range have {
			if have[i].GuildID == t.GuildID {
				have[i] = t
				found = true
				break
			}
		}
		if !found {
			have = append(have, t)
		}
	}
	return have
}

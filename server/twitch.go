package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitch"
	"github.com/onnwee/stream-herald/verify"
)

// handleTwitchWebhook serves both /status/{channel} and
// /titlecallback/{channel}; the envelope's subscription type decides what
// event comes out, so the two routes share one handler.
func (s *Server) handleTwitchWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "server"))
	channelID := r.PathValue("channel")

	cb, err := s.st.GetCallback(ctx, event.ProviderTwitch, channelID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	switch s.ver.Verify(r.Header, body, cb.Secret) {
	case verify.Rejected:
		telemetry.WebhooksRejected.Inc()
		log.Warn("rejected twitch delivery",
			slog.String("channel_id", channelID),
			slog.String("msg_id", r.Header.Get(verify.HeaderMessageID)))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	case verify.DuplicateIgnore:
		telemetry.DuplicatesIgnored.Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.mirrorDedup(ctx)

	switch r.Header.Get(verify.HeaderType) {
	case twitch.MessageTypeVerification:
		env, err := twitch.ParseEnvelope(body)
		if err != nil {
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}
		if s.tw != nil {
			s.tw.ConfirmSubscription(env.Subscription.ID)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(env.Challenge))
		return

	case twitch.MessageTypeRevocation, twitch.MessageTypeAuthRevoked:
		env, _ := twitch.ParseEnvelope(body)
		status := ""
		if env != nil {
			status = env.Subscription.Status
		}
		log.Warn("twitch subscription revoked",
			slog.String("channel_id", channelID),
			slog.String("status", status))
		w.WriteHeader(http.StatusAccepted)
		return

	default:
		env, err := twitch.ParseEnvelope(body)
		if err != nil {
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}
		ev, err := twitch.Translate(env)
		if err != nil {
			// Acknowledge so Twitch stops retrying; nothing downstream can
			// use an event kind we do not understand.
			log.Warn("untranslatable twitch notification",
				slog.String("type", env.Subscription.Type), slog.Any("err", err))
			w.WriteHeader(http.StatusAccepted)
			return
		}
		telemetry.EventsReceived.WithLabelValues(string(event.ProviderTwitch), ev.Origin.String()).Inc()
		s.q.Push(ev)
		telemetry.SetQueueDepth(s.q.Len())
		w.WriteHeader(http.StatusAccepted)
	}
}

// mirrorDedup copies the verifier's seen-id FIFO into the kv table so a
// restart does not re-apply the most recent deliveries.
func (s *Server) mirrorDedup(ctx context.Context) {
	ids := s.ver.Snapshot()
	if err := s.st.SetKV(ctx, "webhook_dedup", strings.Join(ids, ",")); err != nil {
		slog.Warn("mirror dedup state failed", slog.Any("err", err), slog.String("component", "server"))
	}
}

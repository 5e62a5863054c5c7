package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

// handleYouTubeVerify answers the hub's subscribe/unsubscribe verification
// GET. A wrong verify token gets a 404, which the hub treats as denial.
func (s *Server) handleYouTubeVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "server"))
	channelID := r.PathValue("channel")

	cb, err := s.st.GetCallback(ctx, event.ProviderYouTube, channelID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	mode := q.Get("hub.mode")
	challenge := q.Get("hub.challenge")
	if challenge == "" || (cb.VerifyToken != "" && q.Get("hub.verify_token") != cb.VerifyToken) {
		telemetry.WebhooksRejected.Inc()
		log.Warn("rejected hub verification", slog.String("channel_id", channelID), slog.String("mode", mode))
		http.NotFound(w, r)
		return
	}

	switch mode {
	case "subscribe":
		if secs, err := strconv.Atoi(q.Get("hub.lease_seconds")); err == nil && secs > 0 {
			cb.LeaseExpiry = time.Now().Add(time.Duration(secs) * time.Second)
			if err := s.st.UpsertCallback(ctx, cb); err != nil {
				log.Error("persist lease expiry failed", slog.Any("err", err))
			}
		}
		log.Info("hub subscription verified", slog.String("channel_id", channelID))
	case "unsubscribe":
		log.Info("hub unsubscription verified", slog.String("channel_id", channelID))
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// handleYouTubeNotify ingests a PubSubHubbub content push. The hub retries
// aggressively on non-2xx, so everything past authentication responds 2xx
// even when the body is useless.
func (s *Server) handleYouTubeNotify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "server"))
	channelID := r.PathValue("channel")

	cb, err := s.st.GetCallback(ctx, event.ProviderYouTube, channelID)
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

	if cb.Secret != "" && !validHubSignature(r.Header.Get("X-Hub-Signature"), body, cb.Secret) {
		telemetry.WebhooksRejected.Inc()
		log.Warn("bad hub signature, ignoring notification", slog.String("channel_id", channelID))
		w.WriteHeader(http.StatusOK)
		return
	}

	if s.yt == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.yt.HandleNotification(ctx, channelID, body); err != nil {
		// The catch-up poll covers anything we fail to apply here.
		log.Error("apply youtube notification failed",
			slog.String("channel_id", channelID), slog.Any("err", err))
	}
	w.WriteHeader(http.StatusAccepted)
}

// validHubSignature checks the hub's sha1 HMAC over the raw body.
func validHubSignature(header string, body []byte, secret string) bool {
	sig, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(want))
}

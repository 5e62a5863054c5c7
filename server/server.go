// Package server exposes the webhook callback endpoints the providers
// deliver to, the admin API for managing tracked channels, and the usual
// health/metrics surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/queue"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/verify"
)

// maxBodyBytes bounds webhook payloads. Provider notifications are small.
const maxBodyBytes = 1 << 20

// TwitchGateway is the slice of the Twitch adapter the HTTP layer needs.
type TwitchGateway interface {
	ConfirmSubscription(subID string)
	ResolveUser(ctx context.Context, login string) (id, displayName string, err error)
	Subscribe(ctx context.Context, cb *store.Callback, withTitle bool) error
	Unsubscribe(ctx context.Context, cb *store.Callback) error
}

// YouTubeGateway is the slice of the YouTube service the HTTP layer needs.
type YouTubeGateway interface {
	HandleNotification(ctx context.Context, channelID string, body []byte) error
	ResolveChannel(ctx context.Context, idOrHandle string) (id, title string, err error)
	Subscribe(ctx context.Context, cb *store.Callback) error
	Unsubscribe(ctx context.Context, cb *store.Callback) error
}

type Server struct {
	addr       string
	adminToken string
	st         store.Store
	q          *queue.Queue
	ver        *verify.Verifier
	tw         TwitchGateway
	yt         YouTubeGateway
	srv        *http.Server
}

func New(cfg *config.Config, st store.Store, q *queue.Queue, ver *verify.Verifier, tw TwitchGateway, yt YouTubeGateway) *Server {
	return &Server{
		addr:       cfg.HTTPAddr,
		adminToken: cfg.AdminToken,
		st:         st,
		q:          q,
		ver:        ver,
		tw:         tw,
		yt:         yt,
	}
}

// Handler builds the route table. Split from Start so tests can drive the
// mux directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /status/{channel}", s.handleTwitchWebhook)
	mux.HandleFunc("POST /titlecallback/{channel}", s.handleTwitchWebhook)
	mux.HandleFunc("GET /youtube/{channel}", s.handleYouTubeVerify)
	mux.HandleFunc("POST /youtube/{channel}", s.handleYouTubeNotify)

	mux.HandleFunc("POST /admin/channels", s.requireAdmin(s.handleAdminUpsert))
	mux.HandleFunc("GET /admin/channels", s.requireAdmin(s.handleAdminList))
	mux.HandleFunc("DELETE /admin/channels/{provider}/{channel}", s.requireAdmin(s.handleAdminDelete))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withMiddleware(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", s.addr), slog.String("component", "server"))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// statusRecorder captures the response code for access logs and spans.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		ctx, span := telemetry.StartSpan(ctx, "server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method), telemetry.HTTPRouteAttr(r.URL.Path))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Correlation-ID", corr)
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.status)
		if !strings.HasPrefix(r.URL.Path, "/healthz") && !strings.HasPrefix(r.URL.Path, "/metrics") {
			slog.Info("http request",
				slog.String("component", "server"),
				slog.String("corr", corr),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", time.Since(start)))
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// A kv read exercises the storage path end to end.
	if _, err := s.st.GetKV(r.Context(), "readyz"); err != nil && !errors.Is(err, store.ErrNotFound) {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// statusPayload is the operator-facing snapshot served at /status.
type statusPayload struct {
	QueueDepth   int               `json:"queue_depth"`
	LiveChannels []liveChannel     `json:"live_channels"`
	Jobs         map[string]string `json:"jobs"`
}

type liveChannel struct {
	Provider  string `json:"provider"`
	ChannelID string `json:"channel_id"`
	Login     string `json:"login"`
	StreamID  string `json:"stream_id,omitempty"`
}

var jobNames = []string{"twitch-catchup", "youtube-catchup", "maintenance"}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload := statusPayload{
		QueueDepth:   s.q.Len(),
		LiveChannels: []liveChannel{},
		Jobs:         map[string]string{},
	}
	for _, provider := range []event.Provider{event.ProviderTwitch, event.ProviderYouTube} {
		cbs, err := s.st.ListCallbacks(ctx, provider)
		if err != nil {
			continue
		}
		for _, cb := range cbs {
			state, err := s.st.GetChannelState(ctx, provider, cb.ChannelID)
			if err != nil || !state.IsLive {
				continue
			}
			payload.LiveChannels = append(payload.LiveChannels, liveChannel{
				Provider: string(provider), ChannelID: cb.ChannelID, Login: cb.Login, StreamID: state.StreamID,
			})
		}
	}
	for _, name := range jobNames {
		if v, err := s.st.GetKV(ctx, "job:"+name+":last_run"); err == nil && v != "" {
			payload.Jobs[name] = v
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", slog.Any("err", err), slog.String("component", "server"))
	}
}

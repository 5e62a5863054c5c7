package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/queue"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

func init() { telemetry.Init() }

// rewriteTransport points every outgoing request (Helix and the OAuth token
// endpoint alike) at the test server.
type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(t.host, "http://")
	return http.DefaultTransport.RoundTrip(req)
}

type fakeTokens struct {
	mu      sync.Mutex
	access  string
	expiry  time.Time
	upserts int
}

func (f *fakeTokens) UpsertOAuthToken(_ context.Context, _ string, access string, _ string, expiry time.Time, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access, f.expiry, f.upserts = access, expiry, f.upserts+1
	return nil
}

func (f *fakeTokens) GetOAuthToken(_ context.Context, _ string) (string, string, time.Time, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access, "", f.expiry, "", nil
}

func newTestAdapter(t *testing.T, handler http.Handler) (*Adapter, *store.Memory, *queue.Queue, *fakeTokens) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	st := store.NewMemory()
	q := queue.New()
	tokens := &fakeTokens{access: "seed-token", expiry: time.Now().Add(time.Hour)}

	a, err := New(Options{
		ClientID:        "test-client-id",
		ClientSecret:    "test-secret",
		CallbackBaseURL: "https://herald.example.com",
		APIBaseURL:      server.URL,
		HTTPClient:      &http.Client{Transport: &rewriteTransport{host: server.URL}},
	}, st, q, tokens)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.EnsureAppToken(context.Background()); err != nil {
		t.Fatalf("EnsureAppToken() error = %v", err)
	}
	return a, st, q, tokens
}

func TestSubscribeConfirmsViaChallenge(t *testing.T) {
	var (
		mu      sync.Mutex
		created []string
		deleted []string
	)
	var adapter *Adapter

	mux := http.NewServeMux()
	mux.HandleFunc("/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			mu.Lock()
			deleted = append(deleted, r.URL.Query().Get("id"))
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		var body struct {
			Type      string `json:"type"`
			Transport struct {
				Callback string `json:"callback"`
				Secret   string `json:"secret"`
			} `json:"transport"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := "sub-" + body.Type
		mu.Lock()
		created = append(created, id)
		mu.Unlock()
		if body.Transport.Secret == "" {
			t.Errorf("create %s: empty webhook secret", body.Type)
		}
		if !strings.HasPrefix(body.Transport.Callback, "https://herald.example.com/") {
			t.Errorf("create %s: callback = %q", body.Type, body.Transport.Callback)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": id, "type": body.Type, "status": "webhook_callback_verification_pending"}},
		})
		// Simulate Twitch delivering the verification challenge.
		go func() { adapter.ConfirmSubscription(id) }()
	})

	a, st, _, _ := newTestAdapter(t, mux)
	adapter = a

	cb := &store.Callback{Provider: event.ProviderTwitch, ChannelID: "123", Login: "streamer"}
	if err := a.Subscribe(context.Background(), cb, true); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if cb.OnlineSubID != "sub-stream.online" || cb.OfflineSubID != "sub-stream.offline" || cb.TitleSubID != "sub-channel.update" {
		t.Fatalf("subscription ids = %q / %q / %q", cb.OnlineSubID, cb.OfflineSubID, cb.TitleSubID)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(created) != 3 {
		t.Fatalf("expected 3 creates, got %d", len(created))
	}
	if len(deleted) != 0 {
		t.Fatalf("unexpected rollback deletes: %v", deleted)
	}

	stored, err := st.GetCallback(context.Background(), event.ProviderTwitch, "123")
	if err != nil {
		t.Fatalf("GetCallback() error = %v", err)
	}
	if stored.OnlineSubID != "sub-stream.online" {
		t.Fatalf("persisted online sub id = %q", stored.OnlineSubID)
	}
}

func TestSubscribeTimeoutDeletesHalfCreatedSubscription(t *testing.T) {
	old := challengeTimeout
	challengeTimeout = 50 * time.Millisecond
	t.Cleanup(func() { challengeTimeout = old })

	var (
		mu      sync.Mutex
		deleted []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			mu.Lock()
			deleted = append(deleted, r.URL.Query().Get("id"))
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		// Never confirm: the challenge round-trip is simulated as lost.
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "sub-lost", "status": "webhook_callback_verification_pending"}},
		})
	})

	a, _, _, _ := newTestAdapter(t, mux)
	cb := &store.Callback{Provider: event.ProviderTwitch, ChannelID: "123", Login: "streamer"}
	err := a.Subscribe(context.Background(), cb, false)
	if err == nil {
		t.Fatal("Subscribe() expected timeout error")
	}
	var subErr *SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("Subscribe() error = %T, want *SubscriptionError", err)
	}
	if cb.OnlineSubID != "" {
		t.Fatalf("online sub id = %q, want empty after rollback", cb.OnlineSubID)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "sub-lost" {
		t.Fatalf("rollback deletes = %v, want [sub-lost]", deleted)
	}
}

func TestConfirmBeforeWaitDoesNotBlock(t *testing.T) {
	a, _, _, _ := newTestAdapter(t, http.NewServeMux())
	a.ConfirmSubscription("early-sub")
	if err := a.awaitConfirmation(context.Background(), "early-sub"); err != nil {
		t.Fatalf("awaitConfirmation() error = %v", err)
	}
}

func TestCatchUpEmitsOnlineAndOffline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/streams", func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["user_id"]
		if len(ids) != 2 {
			t.Errorf("user_id params = %v, want both channels in one batch", ids)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"id":         "stream-9",
				"user_id":    "111",
				"user_login": "alice",
				"game_name":  "Chess",
				"title":      "opening prep",
				"started_at": "2026-08-30T14:30:00Z",
			}},
		})
	})

	a, st, q, _ := newTestAdapter(t, mux)
	ctx := context.Background()
	for _, cb := range []*store.Callback{
		{Provider: event.ProviderTwitch, ChannelID: "111", Login: "alice"},
		{Provider: event.ProviderTwitch, ChannelID: "222", Login: "bob"},
	} {
		if err := st.UpsertCallback(ctx, cb); err != nil {
			t.Fatalf("UpsertCallback() error = %v", err)
		}
	}

	if err := a.CatchUp(ctx); err != nil {
		t.Fatalf("CatchUp() error = %v", err)
	}

	popCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got := map[string]event.Event{}
	for i := 0; i < 2; i++ {
		ev, ok := q.Pop(popCtx)
		if !ok {
			t.Fatal("queue drained early")
		}
		got[ev.ChannelID] = ev
	}

	on := got["111"]
	if on.Kind != event.KindStreamOnline || on.Title != "opening prep" || on.Game != "Chess" || on.StreamID != "stream-9" {
		t.Fatalf("online event = %+v", on)
	}
	if on.Origin != event.OriginCatchup {
		t.Fatalf("online origin = %v, want catchup", on.Origin)
	}
	off := got["222"]
	if off.Kind != event.KindStreamOffline || off.Login != "bob" {
		t.Fatalf("offline event = %+v", off)
	}
}

func TestLookupRefreshesTokenOn401(t *testing.T) {
	var (
		mu            sync.Mutex
		streamCalls   int
		tokenRequests int
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokenRequests++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-token", "expires_in": 3600, "token_type": "bearer"})
	})
	mux.HandleFunc("/streams", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		streamCalls++
		n := streamCalls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "Unauthorized", "status": 401})
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			t.Errorf("retry auth header = %q, want fresh token", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "s-1", "user_id": "111", "title": "back live", "game_name": ""}},
		})
	})

	a, _, _, tokens := newTestAdapter(t, mux)
	title, game, streamID, live, err := a.Lookup(context.Background(), "111")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !live || streamID != "s-1" || title != "back live" {
		t.Fatalf("Lookup() = %q %q %q live=%v", title, game, streamID, live)
	}
	if game != event.NoGame {
		t.Fatalf("game = %q, want sentinel for empty category", game)
	}
	mu.Lock()
	defer mu.Unlock()
	if tokenRequests != 1 {
		t.Fatalf("token requests = %d, want exactly one refresh", tokenRequests)
	}
	if streamCalls != 2 {
		t.Fatalf("stream calls = %d, want original + one retry", streamCalls)
	}
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if tokens.access != "fresh-token" {
		t.Fatalf("persisted token = %q, want refreshed token", tokens.access)
	}
}

func TestUnsubscribeToleratesAlreadyRevoked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	a, _, _, _ := newTestAdapter(t, mux)
	cb := &store.Callback{Provider: event.ProviderTwitch, ChannelID: "123", OnlineSubID: "gone-1", OfflineSubID: "gone-2"}
	if err := a.Unsubscribe(context.Background(), cb); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if cb.OnlineSubID != "" || cb.OfflineSubID != "" {
		t.Fatalf("sub ids not cleared: %q %q", cb.OnlineSubID, cb.OfflineSubID)
	}
}

package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/queue"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/verify"
)

func init() {
	telemetry.Init()
}

type fakeTwitchGW struct {
	confirmed    []string
	resolveID    string
	resolveName  string
	resolveErr   error
	subscribed   []string
	withTitle    []bool
	unsubscribed []string
	subErr       error
}

func (f *fakeTwitchGW) ConfirmSubscription(id string) { f.confirmed = append(f.confirmed, id) }
func (f *fakeTwitchGW) ResolveUser(context.Context, string) (string, string, error) {
	return f.resolveID, f.resolveName, f.resolveErr
}
func (f *fakeTwitchGW) Subscribe(_ context.Context, cb *store.Callback, withTitle bool) error {
	f.subscribed = append(f.subscribed, cb.ChannelID)
	f.withTitle = append(f.withTitle, withTitle)
	return f.subErr
}
func (f *fakeTwitchGW) Unsubscribe(_ context.Context, cb *store.Callback) error {
	f.unsubscribed = append(f.unsubscribed, cb.ChannelID)
	return nil
}

type fakeYouTubeGW struct {
	notified     [][]byte
	resolveID    string
	resolveName  string
	resolveErr   error
	subscribed   []string
	unsubscribed []string
}

func (f *fakeYouTubeGW) HandleNotification(_ context.Context, _ string, body []byte) error {
	f.notified = append(f.notified, body)
	return nil
}
func (f *fakeYouTubeGW) ResolveChannel(context.Context, string) (string, string, error) {
	return f.resolveID, f.resolveName, f.resolveErr
}
func (f *fakeYouTubeGW) Subscribe(_ context.Context, cb *store.Callback) error {
	f.subscribed = append(f.subscribed, cb.ChannelID)
	return nil
}
func (f *fakeYouTubeGW) Unsubscribe(_ context.Context, cb *store.Callback) error {
	f.unsubscribed = append(f.unsubscribed, cb.ChannelID)
	return nil
}

type testEnv struct {
	st store.Store
	q  *queue.Queue
	tw *fakeTwitchGW
	yt *fakeYouTubeGW
	h  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		st: store.NewMemory(),
		q:  queue.New(),
		tw: &fakeTwitchGW{resolveID: "111", resolveName: "Alice"},
		yt: &fakeYouTubeGW{resolveID: "UCabc", resolveName: "Alice Streams"},
	}
	cfg := &config.Config{HTTPAddr: ":0", AdminToken: "sesame"}
	srv := New(cfg, env.st, env.q, verify.New(), env.tw, env.yt)
	env.h = srv.Handler()
	return env
}

func (e *testEnv) seedTwitch(t *testing.T, secret string) *store.Callback {
	t.Helper()
	cb := &store.Callback{
		Provider: event.ProviderTwitch, ChannelID: "111", Login: "alice",
		DisplayName: "Alice", Secret: secret,
		Guilds: []store.GuildAlertConfig{{GuildID: "g1", Mode: store.ModeNotifyOnly, NotifChannelID: "n1"}},
	}
	if err := e.st.UpsertCallback(context.Background(), cb); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return cb
}

func (e *testEnv) seedYouTube(t *testing.T, secret string) *store.Callback {
	t.Helper()
	cb := &store.Callback{
		Provider: event.ProviderYouTube, ChannelID: "UCabc", Login: "alice",
		Secret: secret, VerifyToken: "vtok",
		Guilds: []store.GuildAlertConfig{{GuildID: "g1", Mode: store.ModeNotifyOnly, NotifChannelID: "n1"}},
	}
	if err := e.st.UpsertCallback(context.Background(), cb); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return cb
}

// signedTwitchRequest builds a POST with valid EventSub signature headers.
func signedTwitchRequest(path, msgID, msgType, secret string, body []byte) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	ts := time.Now().UTC().Format(time.RFC3339)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msgID + ts))
	mac.Write(body)
	r.Header.Set(verify.HeaderMessageID, msgID)
	r.Header.Set(verify.HeaderTimestamp, ts)
	r.Header.Set(verify.HeaderSignature, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	r.Header.Set(verify.HeaderType, msgType)
	return r
}

func TestTwitchWebhookUnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, signedTwitchRequest("/status/999", "m1", "notification", "s", []byte("{}")))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestTwitchWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "topsecret")
	r := signedTwitchRequest("/status/111", "m1", "notification", "wrongsecret", []byte("{}"))
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.q.Len() != 0 {
		t.Fatal("rejected delivery must not enqueue")
	}
}

func onlineEnvelope() []byte {
	return []byte(`{
		"subscription": {"id": "sub-1", "type": "stream.online", "status": "enabled"},
		"event": {
			"id": "stream-9",
			"broadcaster_user_id": "111",
			"broadcaster_user_login": "alice",
			"started_at": "2025-06-01T12:00:00Z"
		}
	}`)
}

func TestTwitchWebhookNotificationEnqueues(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "topsecret")
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, signedTwitchRequest("/status/111", "m1", "notification", "topsecret", onlineEnvelope()))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if env.q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", env.q.Len())
	}
	ev, _ := env.q.Pop(context.Background())
	if ev.Kind != event.KindStreamOnline || ev.ChannelID != "111" || ev.StreamID != "stream-9" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestTwitchWebhookDuplicateIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "topsecret")

	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, signedTwitchRequest("/status/111", "m1", "notification", "topsecret", onlineEnvelope()))
	if w.Code != http.StatusAccepted {
		t.Fatalf("first delivery status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	env.h.ServeHTTP(w, signedTwitchRequest("/status/111", "m1", "notification", "topsecret", onlineEnvelope()))
	if w.Code != http.StatusAccepted {
		t.Fatalf("duplicate status = %d, want 202", w.Code)
	}
	if env.q.Len() != 1 {
		t.Fatalf("queue len = %d, duplicate must not enqueue", env.q.Len())
	}
}

func TestTwitchWebhookVerificationEchoesChallenge(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "topsecret")
	body := []byte(`{"subscription":{"id":"sub-7","type":"stream.online","status":"webhook_callback_verification_pending"},"challenge":"ping-me-back"}`)
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, signedTwitchRequest("/status/111", "m2", "webhook_callback_verification", "topsecret", body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if got := w.Body.String(); got != "ping-me-back" {
		t.Fatalf("body = %q, want raw challenge", got)
	}
	if len(env.tw.confirmed) != 1 || env.tw.confirmed[0] != "sub-7" {
		t.Fatalf("confirmed = %v", env.tw.confirmed)
	}
}

func TestTwitchWebhookRevocationAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "topsecret")
	body := []byte(`{"subscription":{"id":"sub-7","type":"stream.online","status":"authorization_revoked"}}`)
	for i, msgType := range []string{"revocation", "authorization_revoked"} {
		w := httptest.NewRecorder()
		env.h.ServeHTTP(w, signedTwitchRequest("/status/111", fmt.Sprintf("m3-%d", i), msgType, "topsecret", body))
		if w.Code != http.StatusAccepted {
			t.Fatalf("%s status = %d, want 202", msgType, w.Code)
		}
		if env.q.Len() != 0 {
			t.Fatalf("%s must not enqueue", msgType)
		}
	}
}

func TestTwitchTitleCallbackRoute(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "topsecret")
	body := []byte(`{
		"subscription": {"id": "sub-t", "type": "channel.update", "status": "enabled"},
		"event": {"broadcaster_user_id": "111", "broadcaster_user_login": "alice", "title": "New Title", "category_name": "Chess"}
	}`)
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, signedTwitchRequest("/titlecallback/111", "m4", "notification", "topsecret", body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	ev, _ := env.q.Pop(context.Background())
	if ev.Kind != event.KindTitleChanged || ev.Title != "New Title" || ev.Game != "Chess" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestYouTubeVerifyEchoesChallengeAndUpdatesLease(t *testing.T) {
	env := newTestEnv(t)
	env.seedYouTube(t, "hubsecret")
	url := "/youtube/UCabc?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=vtok&hub.lease_seconds=828000"
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	if w.Code != http.StatusOK || w.Body.String() != "abc123" {
		t.Fatalf("status = %d body = %q", w.Code, w.Body.String())
	}
	cb, _ := env.st.GetCallback(context.Background(), event.ProviderYouTube, "UCabc")
	until := time.Until(cb.LeaseExpiry)
	if until < 827000*time.Second || until > 829000*time.Second {
		t.Fatalf("lease expiry not updated: %v", cb.LeaseExpiry)
	}
}

func TestYouTubeVerifyWrongTokenDenied(t *testing.T) {
	env := newTestEnv(t)
	env.seedYouTube(t, "hubsecret")
	url := "/youtube/UCabc?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=stolen"
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func hubSigned(path string, body []byte, secret string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	r.Header.Set("X-Hub-Signature", "sha1="+hex.EncodeToString(mac.Sum(nil)))
	return r
}

func TestYouTubeNotifyDispatches(t *testing.T) {
	env := newTestEnv(t)
	env.seedYouTube(t, "hubsecret")
	body := []byte(`<feed><entry><videoId>vid-1</videoId></entry></feed>`)
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, hubSigned("/youtube/UCabc", body, "hubsecret"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(env.yt.notified) != 1 || !bytes.Equal(env.yt.notified[0], body) {
		t.Fatalf("notified = %v", env.yt.notified)
	}
}

func TestYouTubeNotifyBadSignatureIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.seedYouTube(t, "hubsecret")
	body := []byte(`<feed/>`)
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, hubSigned("/youtube/UCabc", body, "wrong"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(env.yt.notified) != 0 {
		t.Fatal("forged notification must not be applied")
	}
}

func adminReq(method, path, token string, body any) *http.Request {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, rd)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, adminReq(http.MethodGet, "/admin/channels", "wrong", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	env.h.ServeHTTP(w, adminReq(http.MethodGet, "/admin/channels", "", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAdminDisabledWithoutConfiguredToken(t *testing.T) {
	st := store.NewMemory()
	srv := New(&config.Config{HTTPAddr: ":0"}, st, queue.New(), verify.New(), nil, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, adminReq(http.MethodGet, "/admin/channels", "anything", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestAdminUpsertRegistersTwitchChannel(t *testing.T) {
	env := newTestEnv(t)
	req := adminChannelRequest{
		Provider: "twitch",
		Channel:  "Alice",
		Guild: &store.GuildAlertConfig{
			GuildID: "g1", Mode: store.ModeEphemeralChannel, NotifChannelID: "n1",
		},
		TitleTargets: []store.TitleAlertTarget{{GuildID: "g1", ChannelID: "updates"}},
	}
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, adminReq(http.MethodPost, "/admin/channels", "sesame", req))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}

	cb, err := env.st.GetCallback(context.Background(), event.ProviderTwitch, "111")
	if err != nil {
		t.Fatalf("callback not stored: %v", err)
	}
	if cb.Login != "alice" || cb.DisplayName != "Alice" || len(cb.Guilds) != 1 {
		t.Fatalf("callback = %+v", cb)
	}
	if len(env.tw.subscribed) != 1 || env.tw.subscribed[0] != "111" || !env.tw.withTitle[0] {
		t.Fatalf("subscribe = %v withTitle %v", env.tw.subscribed, env.tw.withTitle)
	}
	tc, err := env.st.GetTitleCallback(context.Background(), event.ProviderTwitch, "111")
	if err != nil || len(tc.Targets) != 1 {
		t.Fatalf("title callback = %+v err %v", tc, err)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Fatal("response must not leak secrets")
	}
}

func TestAdminUpsertSecondGuildMerges(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "s")
	req := adminChannelRequest{
		Provider: "twitch", Channel: "alice",
		Guild: &store.GuildAlertConfig{GuildID: "g2", Mode: store.ModeNotifyOnly, NotifChannelID: "n2"},
	}
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, adminReq(http.MethodPost, "/admin/channels", "sesame", req))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	cb, _ := env.st.GetCallback(context.Background(), event.ProviderTwitch, "111")
	if len(cb.Guilds) != 2 {
		t.Fatalf("guilds = %+v", cb.Guilds)
	}
}

func TestAdminDeleteGuildKeepsOthers(t *testing.T) {
	env := newTestEnv(t)
	cb := env.seedTwitch(t, "s")
	cb.Guilds = append(cb.Guilds, store.GuildAlertConfig{GuildID: "g2", Mode: store.ModeNotifyOnly, NotifChannelID: "n2"})
	env.st.UpsertCallback(context.Background(), cb)

	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, adminReq(http.MethodDelete, "/admin/channels/twitch/111?guild_id=g1", "sesame", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got, _ := env.st.GetCallback(context.Background(), event.ProviderTwitch, "111")
	if len(got.Guilds) != 1 || got.Guilds[0].GuildID != "g2" {
		t.Fatalf("guilds = %+v", got.Guilds)
	}
	if len(env.tw.unsubscribed) != 0 {
		t.Fatal("must not unsubscribe while other guilds remain")
	}
}

func TestAdminDeleteLastGuildPurgesEverything(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "s")
	ctx := context.Background()
	env.st.PutChannelState(ctx, event.ProviderTwitch, "111", &store.ChannelState{IsLive: true})
	env.st.PutTitleState(ctx, event.ProviderTwitch, "111", &store.TitleState{Title: "T"})
	env.st.UpsertTitleCallback(ctx, &store.TitleCallback{
		Provider: event.ProviderTwitch, ChannelID: "111",
		Targets: []store.TitleAlertTarget{{GuildID: "g1", ChannelID: "u"}},
	})

	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, adminReq(http.MethodDelete, "/admin/channels/twitch/111?guild_id=g1", "sesame", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(env.tw.unsubscribed) != 1 {
		t.Fatalf("unsubscribed = %v", env.tw.unsubscribed)
	}
	if _, err := env.st.GetCallback(ctx, event.ProviderTwitch, "111"); err == nil {
		t.Fatal("callback should be deleted")
	}
	if _, err := env.st.GetChannelState(ctx, event.ProviderTwitch, "111"); err == nil {
		t.Fatal("channel state should be deleted")
	}
	if _, err := env.st.GetTitleCallback(ctx, event.ProviderTwitch, "111"); err == nil {
		t.Fatal("title callback should be deleted")
	}
}

func TestStatusEndpointReportsLiveChannels(t *testing.T) {
	env := newTestEnv(t)
	env.seedTwitch(t, "s")
	ctx := context.Background()
	env.st.PutChannelState(ctx, event.ProviderTwitch, "111", &store.ChannelState{IsLive: true, StreamID: "stream-9"})
	env.st.SetKV(ctx, "job:twitch-catchup:last_run", "2025-06-01T12:00:00Z")

	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var payload statusPayload
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.LiveChannels) != 1 || payload.LiveChannels[0].StreamID != "stream-9" {
		t.Fatalf("live channels = %+v", payload.LiveChannels)
	}
	if payload.Jobs["twitch-catchup"] != "2025-06-01T12:00:00Z" {
		t.Fatalf("jobs = %v", payload.Jobs)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

// Package twitch translates Twitch EventSub webhook payloads into canonical
// events and manages the EventSub subscription lifecycle for tracked
// channels, including the challenge round-trip, catch-up polling via the
// Helix streams endpoint, and app access token refresh.
package twitch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/queue"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

// challengeTimeout bounds the wait for the webhook_callback_verification
// round-trip. A subscription not confirmed within it is deleted so no
// orphan is left on the Twitch side.
var challengeTimeout = 8 * time.Second

const (
	// streamsBatchSize is the Helix GET /streams user_id limit per request.
	streamsBatchSize = 100

	provider = "twitch"
)

// TokenStore persists the app access token so restarts reuse it. Matches
// the oauth_tokens table helpers.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// SubscriptionError reports a failed create/delete of an EventSub
// subscription. Recoverable; callers decide whether to retry.
type SubscriptionError struct {
	Type      string
	ChannelID string
	Err       error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("twitch subscription %s for channel %s: %v", e.Type, e.ChannelID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Options configures the adapter.
type Options struct {
	ClientID     string
	ClientSecret string
	// CallbackBaseURL is the public base providers deliver webhooks to.
	CallbackBaseURL string
	// APIBaseURL overrides the Helix API base (tests).
	APIBaseURL string
	HTTPClient *http.Client
}

// Adapter owns the Twitch side: subscription lifecycle, payload
// translation, and catch-up polling. It only reads the store; live-state
// writes belong to the reconciler.
type Adapter struct {
	client       *helix.Client
	st           store.Store
	q            *queue.Queue
	tokens       TokenStore
	callbackBase string

	mu        sync.Mutex
	pending   map[string]chan struct{}
	confirmed map[string]bool
}

// New builds an adapter. tokens may be nil; the app token is then held only
// in memory.
func New(opts Options, st store.Store, q *queue.Queue, tokens TokenStore) (*Adapter, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("twitch: missing client id/secret")
	}
	client, err := helix.NewClient(&helix.Options{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		APIBaseURL:   opts.APIBaseURL,
		HTTPClient:   opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create helix client: %w", err)
	}
	return &Adapter{
		client:       client,
		st:           st,
		q:            q,
		tokens:       tokens,
		callbackBase: opts.CallbackBaseURL,
		pending:      make(map[string]chan struct{}),
		confirmed:    make(map[string]bool),
	}, nil
}

// EnsureAppToken loads a persisted app access token if one is still valid,
// otherwise exchanges client credentials for a fresh one and persists it.
func (a *Adapter) EnsureAppToken(ctx context.Context) error {
	if a.tokens != nil {
		access, _, expiry, _, err := a.tokens.GetOAuthToken(ctx, provider)
		if err != nil {
			slog.Warn("load persisted twitch token failed", slog.Any("err", err), slog.String("component", "twitch"))
		} else if access != "" && time.Until(expiry) > time.Minute {
			a.client.SetAppAccessToken(access)
			return nil
		}
	}
	return a.refreshAppToken(ctx)
}

// refreshAppToken unconditionally requests a new client-credentials token.
func (a *Adapter) refreshAppToken(ctx context.Context) error {
	resp, err := a.client.RequestAppAccessToken(nil)
	if err != nil {
		return fmt.Errorf("request app access token: %w", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Data.AccessToken == "" {
		return fmt.Errorf("request app access token: %s: %s", resp.Error, resp.ErrorMessage)
	}
	a.client.SetAppAccessToken(resp.Data.AccessToken)
	if a.tokens != nil {
		expiry := time.Now().Add(time.Duration(resp.Data.ExpiresIn) * time.Second)
		if err := a.tokens.UpsertOAuthToken(ctx, provider, resp.Data.AccessToken, "", expiry, ""); err != nil {
			slog.Warn("persist twitch token failed", slog.Any("err", err), slog.String("component", "twitch"))
		}
	}
	return nil
}

// withAuthRetry runs call once; on a 401 it refreshes the app token and
// retries exactly once.
func (a *Adapter) withAuthRetry(ctx context.Context, call func() (int, error)) error {
	status, err := call()
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}
	if err := a.refreshAppToken(ctx); err != nil {
		return fmt.Errorf("refresh app token after 401: %w", err)
	}
	status, err = call()
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return errors.New("still unauthorized after token refresh")
	}
	return nil
}

// ResolveUser looks up a channel by login.
func (a *Adapter) ResolveUser(ctx context.Context, login string) (id, displayName string, err error) {
	return a.lookupUser(ctx, &helix.UsersParams{Logins: []string{login}})
}

// ResolveUserID looks up a channel by its stable user id, used to refresh
// display names on go-live.
func (a *Adapter) ResolveUserID(ctx context.Context, userID string) (id, displayName string, err error) {
	return a.lookupUser(ctx, &helix.UsersParams{IDs: []string{userID}})
}

func (a *Adapter) lookupUser(ctx context.Context, params *helix.UsersParams) (string, string, error) {
	var resp *helix.UsersResponse
	err := a.withAuthRetry(ctx, func() (int, error) {
		var err error
		resp, err = a.client.GetUsers(params)
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("get users: %w", err)
	}
	if len(resp.Data.Users) == 0 {
		return "", "", fmt.Errorf("twitch user not found")
	}
	u := resp.Data.Users[0]
	return u.ID, u.DisplayName, nil
}

// NewSecret returns a fresh webhook HMAC secret.
func NewSecret() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates the EventSub subscriptions a callback record needs:
// stream.online and stream.offline always, channel.update when withTitle
// is set. Each id is persisted onto cb as soon as its challenge round-trip
// completes, so a later failure leaves the earlier subscriptions recorded.
func (a *Adapter) Subscribe(ctx context.Context, cb *store.Callback, withTitle bool) error {
	if cb.Secret == "" {
		cb.Secret = NewSecret()
		// The webhook handler verifies the challenge against the stored
		// secret, so the row must be persisted before the first create
		// blocks on its challenge round-trip.
		if err := a.st.UpsertCallback(ctx, cb); err != nil {
			return fmt.Errorf("persist callback secret: %w", err)
		}
	}
	statusURL := a.callbackBase + "/status/" + cb.ChannelID
	titleURL := a.callbackBase + "/titlecallback/" + cb.ChannelID

	if cb.OnlineSubID == "" {
		id, err := a.createSubscription(ctx, helix.EventSubTypeStreamOnline, cb, statusURL)
		if err != nil {
			return err
		}
		cb.OnlineSubID = id
		if err := a.st.UpsertCallback(ctx, cb); err != nil {
			return fmt.Errorf("persist callback after online sub: %w", err)
		}
	}
	if cb.OfflineSubID == "" {
		id, err := a.createSubscription(ctx, helix.EventSubTypeStreamOffline, cb, statusURL)
		if err != nil {
			return err
		}
		cb.OfflineSubID = id
		if err := a.st.UpsertCallback(ctx, cb); err != nil {
			return fmt.Errorf("persist callback after offline sub: %w", err)
		}
	}
	if withTitle && cb.TitleSubID == "" {
		id, err := a.createSubscription(ctx, helix.EventSubTypeChannelUpdate, cb, titleURL)
		if err != nil {
			return err
		}
		cb.TitleSubID = id
		if err := a.st.UpsertCallback(ctx, cb); err != nil {
			return fmt.Errorf("persist callback after title sub: %w", err)
		}
	}
	return nil
}

// createSubscription creates one EventSub subscription and blocks until the
// webhook challenge round-trip confirms it or the timeout lapses. On
// timeout the half-created subscription is deleted.
func (a *Adapter) createSubscription(ctx context.Context, subType string, cb *store.Callback, callbackURL string) (string, error) {
	var resp *helix.EventSubSubscriptionsResponse
	err := a.withAuthRetry(ctx, func() (int, error) {
		var err error
		resp, err = a.client.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:    subType,
			Version: "1",
			Condition: helix.EventSubCondition{
				BroadcasterUserID: cb.ChannelID,
			},
			Transport: helix.EventSubTransport{
				Method:   "webhook",
				Callback: callbackURL,
				Secret:   cb.Secret,
			},
		})
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return "", &SubscriptionError{Type: subType, ChannelID: cb.ChannelID, Err: err}
	}
	if resp.StatusCode != http.StatusAccepted || len(resp.Data.EventSubSubscriptions) == 0 {
		return "", &SubscriptionError{Type: subType, ChannelID: cb.ChannelID,
			Err: fmt.Errorf("create returned %d: %s: %s", resp.StatusCode, resp.Error, resp.ErrorMessage)}
	}
	subID := resp.Data.EventSubSubscriptions[0].ID

	if err := a.awaitConfirmation(ctx, subID); err != nil {
		if delErr := a.deleteSubscription(ctx, subID); delErr != nil {
			slog.Warn("rollback of unconfirmed subscription failed",
				slog.String("sub_id", subID), slog.Any("err", delErr), slog.String("component", "twitch"))
		}
		return "", &SubscriptionError{Type: subType, ChannelID: cb.ChannelID, Err: err}
	}
	slog.Info("eventsub subscription confirmed",
		slog.String("type", subType), slog.String("channel_id", cb.ChannelID),
		slog.String("sub_id", subID), slog.String("component", "twitch"))
	return subID, nil
}

// ConfirmSubscription is called by the webhook handler when the
// verification challenge for subID arrives. Safe to call before the
// corresponding Subscribe has started waiting.
func (a *Adapter) ConfirmSubscription(subID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmed[subID] = true
	if ch, ok := a.pending[subID]; ok {
		close(ch)
		delete(a.pending, subID)
	}
}

func (a *Adapter) awaitConfirmation(ctx context.Context, subID string) error {
	a.mu.Lock()
	if a.confirmed[subID] {
		delete(a.confirmed, subID)
		a.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	a.pending[subID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, subID)
		delete(a.confirmed, subID)
		a.mu.Unlock()
	}()

	select {
	case <-ch:
		return nil
	case <-time.After(challengeTimeout):
		return fmt.Errorf("challenge not received within %s", challengeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe removes all EventSub subscriptions recorded on cb. Missing
// subscriptions (already revoked) are not errors.
func (a *Adapter) Unsubscribe(ctx context.Context, cb *store.Callback) error {
	var firstErr error
	for _, id := range []string{cb.OnlineSubID, cb.OfflineSubID, cb.TitleSubID} {
		if id == "" {
			continue
		}
		if err := a.deleteSubscription(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return &SubscriptionError{Type: "delete", ChannelID: cb.ChannelID, Err: firstErr}
	}
	cb.OnlineSubID, cb.OfflineSubID, cb.TitleSubID = "", "", ""
	return nil
}

func (a *Adapter) deleteSubscription(ctx context.Context, subID string) error {
	return a.withAuthRetry(ctx, func() (int, error) {
		resp, err := a.client.RemoveEventSubSubscription(subID)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound &&
			resp.StatusCode != http.StatusUnauthorized {
			return resp.StatusCode, fmt.Errorf("delete subscription %s returned %d", subID, resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
}

// CatchUp polls the Helix streams endpoint for every tracked channel in
// batches of 100 and pushes the resulting online/offline events. A failed
// batch is logged and skipped; remaining batches still run.
func (a *Adapter) CatchUp(ctx context.Context) error {
	cbs, err := a.st.ListCallbacks(ctx, event.ProviderTwitch)
	if err != nil {
		return fmt.Errorf("list callbacks: %w", err)
	}
	if len(cbs) == 0 {
		return nil
	}
	telemetry.CatchupCycles.WithLabelValues(provider).Inc()

	byID := make(map[string]*store.Callback, len(cbs))
	ids := make([]string, 0, len(cbs))
	for _, cb := range cbs {
		byID[cb.ChannelID] = cb
		ids = append(ids, cb.ChannelID)
	}

	live := make(map[string]helix.Stream)
	for start := 0; start < len(ids); start += streamsBatchSize {
		end := start + streamsBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		var resp *helix.StreamsResponse
		err := a.withAuthRetry(ctx, func() (int, error) {
			var err error
			resp, err = a.client.GetStreams(&helix.StreamsParams{UserIDs: batch, First: streamsBatchSize})
			if err != nil {
				return 0, err
			}
			return resp.StatusCode, nil
		})
		if err != nil {
			slog.Error("streams batch failed", slog.Int("batch_start", start), slog.Any("err", err), slog.String("component", "twitch"))
			for _, id := range batch {
				delete(byID, id)
			}
			continue
		}
		for _, s := range resp.Data.Streams {
			live[s.UserID] = s
		}
	}

	for id, cb := range byID {
		if s, ok := live[id]; ok {
			a.q.Push(event.Event{
				Kind:      event.KindStreamOnline,
				Provider:  event.ProviderTwitch,
				ChannelID: id,
				Login:     cb.Login,
				Title:     event.NormalizeTitle(s.Title),
				Game:      event.NormalizeGame(s.GameName),
				StreamID:  s.ID,
				StartedAt: s.StartedAt,
				Origin:    event.OriginCatchup,
			})
		} else {
			a.q.Push(event.Event{
				Kind:      event.KindStreamOffline,
				Provider:  event.ProviderTwitch,
				ChannelID: id,
				Login:     cb.Login,
				Origin:    event.OriginCatchup,
			})
		}
		telemetry.EventsReceived.WithLabelValues(provider, event.OriginCatchup.String()).Inc()
	}
	return nil
}

// Lookup returns current stream metadata for one channel, used by the
// reconciler to fetch fresh title/game on go-live.
func (a *Adapter) Lookup(ctx context.Context, channelID string) (title, game, streamID string, liveNow bool, err error) {
	var resp *helix.StreamsResponse
	err = a.withAuthRetry(ctx, func() (int, error) {
		var err error
		resp, err = a.client.GetStreams(&helix.StreamsParams{UserIDs: []string{channelID}, First: 1})
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return "", "", "", false, fmt.Errorf("get streams: %w", err)
	}
	if len(resp.Data.Streams) == 0 {
		return "", "", "", false, nil
	}
	s := resp.Data.Streams[0]
	return event.NormalizeTitle(s.Title), event.NormalizeGame(s.GameName), s.ID, true, nil
}

// Maintain recreates EventSub subscriptions that Twitch no longer reports
// as enabled (revocations, failed deliveries) and updates the active
// subscription gauge. Run daily alongside the YouTube lease renewal.
func (a *Adapter) Maintain(ctx context.Context) error {
	remote := make(map[string]bool)
	params := &helix.EventSubSubscriptionsParams{Status: helix.EventSubStatusEnabled}
	for {
		var resp *helix.EventSubSubscriptionsResponse
		err := a.withAuthRetry(ctx, func() (int, error) {
			var err error
			resp, err = a.client.GetEventSubSubscriptions(params)
			if err != nil {
				return 0, err
			}
			return resp.StatusCode, nil
		})
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		for _, s := range resp.Data.EventSubSubscriptions {
			remote[s.ID] = true
		}
		if resp.Data.Pagination.Cursor == "" {
			break
		}
		params.After = resp.Data.Pagination.Cursor
	}
	telemetry.ActiveSubsGauge.WithLabelValues(provider).Set(float64(len(remote)))

	cbs, err := a.st.ListCallbacks(ctx, event.ProviderTwitch)
	if err != nil {
		return fmt.Errorf("list callbacks: %w", err)
	}
	for _, cb := range cbs {
		changed := false
		if cb.OnlineSubID != "" && !remote[cb.OnlineSubID] {
			cb.OnlineSubID = ""
			changed = true
		}
		if cb.OfflineSubID != "" && !remote[cb.OfflineSubID] {
			cb.OfflineSubID = ""
			changed = true
		}
		if cb.TitleSubID != "" && !remote[cb.TitleSubID] {
			cb.TitleSubID = ""
			changed = true
		}
		if !changed {
			continue
		}
		withTitle := false
		if tc, err := a.st.GetTitleCallback(ctx, event.ProviderTwitch, cb.ChannelID); err == nil && tc != nil && len(tc.Targets) > 0 {
			withTitle = true
		}
		if err := a.Subscribe(ctx, cb, withTitle); err != nil {
			slog.Error("recreate subscriptions failed",
				slog.String("channel_id", cb.ChannelID), slog.Any("err", err), slog.String("component", "twitch"))
			continue
		}
		slog.Info("recreated missing eventsub subscriptions",
			slog.String("channel_id", cb.ChannelID), slog.String("component", "twitch"))
	}
	return nil
}

package youtube

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

const (
	// defaultLeaseSeconds is the hub lease we ask for (~9.6 days).
	defaultLeaseSeconds = 828000

	// renewWindow is one day plus a small buffer. A lease whose remaining
	// time drops below it gets resubscribed by the daily maintenance run,
	// so a missed run still leaves a day of slack.
	renewWindow = 86500 * time.Second
)

// TopicURL returns the Atom topic the hub watches for a channel.
func (s *Service) TopicURL(channelID string) string {
	return s.opts.FeedBaseURL + "/xml/feeds/videos.xml?channel_id=" + channelID
}

// CallbackURL returns the public endpoint the hub delivers to.
func (s *Service) CallbackURL(channelID string) string {
	return s.opts.CallbackBaseURL + "/youtube/" + channelID
}

// Subscribe issues a hub.mode=subscribe request for cb's channel. The hub
// verifies asynchronously via a GET round-trip against the callback URL
// carrying cb.VerifyToken; the webhook handler finalizes the lease expiry
// from the hub.lease_seconds it echoes.
func (s *Service) Subscribe(ctx context.Context, cb *store.Callback) error {
	if cb.VerifyToken == "" {
		cb.VerifyToken = uuid.NewString()
	}
	if cb.Secret == "" {
		cb.Secret = uuid.NewString()
	}
	if err := s.hubRequest(ctx, "subscribe", cb); err != nil {
		return err
	}
	// Optimistic expiry; corrected when the hub's verification GET lands.
	cb.LeaseExpiry = time.Now().Add(time.Duration(s.opts.LeaseSeconds) * time.Second)
	if err := s.st.UpsertCallback(ctx, cb); err != nil {
		return fmt.Errorf("persist callback after hub subscribe: %w", err)
	}
	return nil
}

// Unsubscribe issues a hub.mode=unsubscribe request.
func (s *Service) Unsubscribe(ctx context.Context, cb *store.Callback) error {
	if err := s.hubRequest(ctx, "unsubscribe", cb); err != nil {
		return err
	}
	cb.LeaseExpiry = time.Time{}
	return nil
}

func (s *Service) hubRequest(ctx context.Context, mode string, cb *store.Callback) error {
	form := url.Values{}
	form.Set("hub.mode", mode)
	form.Set("hub.topic", s.TopicURL(cb.ChannelID))
	form.Set("hub.callback", s.CallbackURL(cb.ChannelID))
	form.Set("hub.verify", "async")
	form.Set("hub.verify_token", cb.VerifyToken)
	form.Set("hub.secret", cb.Secret)
	form.Set("hub.lease_seconds", strconv.Itoa(s.opts.LeaseSeconds))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.HubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("hub %s request: %w", mode, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hub %s for channel %s: %s: %s", mode, cb.ChannelID, resp.Status, string(b))
	}
	return nil
}

// LeaseDue reports whether cb's hub lease needs renewing now.
func LeaseDue(cb *store.Callback, now time.Time) bool {
	if cb.LeaseExpiry.IsZero() {
		return true
	}
	return cb.LeaseExpiry.Sub(now) < renewWindow
}

// MaintainLeases resubscribes every callback whose lease is due. One
// channel's failure never blocks the rest.
func (s *Service) MaintainLeases(ctx context.Context) error {
	cbs, err := s.st.ListCallbacks(ctx, event.ProviderYouTube)
	if err != nil {
		return fmt.Errorf("list callbacks: %w", err)
	}
	now := time.Now()
	renewed := 0
	for _, cb := range cbs {
		if !LeaseDue(cb, now) {
			continue
		}
		if err := s.Subscribe(ctx, cb); err != nil {
			slog.Error("hub lease renewal failed",
				slog.String("channel_id", cb.ChannelID), slog.Any("err", err), slog.String("component", "youtube"))
			continue
		}
		renewed++
	}
	telemetry.ActiveSubsGauge.WithLabelValues(provider).Set(float64(len(cbs)))
	if renewed > 0 {
		slog.Info("renewed hub leases", slog.Int("count", renewed), slog.String("component", "youtube"))
	}
	return nil
}

package youtube

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/telemetry"
)

// recentFeedVideos pulls the channel's public Atom feed, which costs no API
// quota, and returns the video ids it lists.
func (s *Service) recentFeedVideos(ctx context.Context, channelID string) ([]string, error) {
	feedURL := s.opts.FeedBaseURL + "/feeds/videos.xml?channel_id=" + channelID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	ids := make([]string, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		if e.VideoID != "" {
			ids = append(ids, e.VideoID)
		}
	}
	return ids, nil
}

// CatchUp reconstructs live state for every tracked channel: recent video
// ids come from the RSS feed (supplemented by the uploads playlist when the
// API allows), then one classification pass detects new lives and ended
// sessions. Push delivery is unreliable enough that this runs every few
// minutes. One channel's failure never blocks the rest.
func (s *Service) CatchUp(ctx context.Context) error {
	cbs, err := s.st.ListCallbacks(ctx, event.ProviderYouTube)
	if err != nil {
		return fmt.Errorf("list callbacks: %w", err)
	}
	if len(cbs) == 0 {
		return nil
	}
	telemetry.CatchupCycles.WithLabelValues(provider).Inc()

	for _, cb := range cbs {
		if err := s.catchUpChannel(ctx, cb.ChannelID, cb.Login); err != nil {
			slog.Error("youtube catch-up failed for channel",
				slog.String("channel_id", cb.ChannelID), slog.Any("err", err), slog.String("component", "youtube"))
		}
	}
	return nil
}

func (s *Service) catchUpChannel(ctx context.Context, channelID, login string) error {
	ids, err := s.recentFeedVideos(ctx, channelID)
	if err != nil {
		slog.Warn("feed fetch failed, falling back to uploads playlist",
			slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "youtube"))
	}
	if len(ids) == 0 {
		if ids, err = s.uploadsPlaylistVideos(ctx, channelID, 15); err != nil {
			return err
		}
	}

	state, stateErr := s.st.GetChannelState(ctx, event.ProviderYouTube, channelID)
	liveVideoID := ""
	if stateErr == nil && state != nil && state.IsLive {
		liveVideoID = state.StreamID
	}
	// The cached live video must be re-checked even when the feed no longer
	// lists it, otherwise an ended or deleted stream is never noticed.
	if liveVideoID != "" && !contains(ids, liveVideoID) {
		ids = append(ids, liveVideoID)
	}
	if len(ids) == 0 {
		return nil
	}

	lookups, err := s.ClassifyVideos(ctx, ids)
	if err != nil {
		return err
	}

	liveFound := false
	for _, id := range ids {
		lk := lookups[id]
		if lk.Kind != LookupLive {
			continue
		}
		liveFound = true
		s.q.Push(event.Event{
			Kind:      event.KindStreamOnline,
			Provider:  event.ProviderYouTube,
			ChannelID: channelID,
			Login:     login,
			Title:     event.NormalizeTitle(lk.Title),
			Game:      event.NoGame,
			StreamID:  id,
			StartedAt: lk.StartedAt,
			Origin:    event.OriginCatchup,
		})
		telemetry.EventsReceived.WithLabelValues(provider, event.OriginCatchup.String()).Inc()
	}

	if liveVideoID != "" && !liveFound {
		lk := lookups[liveVideoID]
		if lk.Kind == LookupEnded || lk.Kind == LookupNotFound {
			s.q.Push(event.Event{
				Kind:      event.KindStreamOffline,
				Provider:  event.ProviderYouTube,
				ChannelID: channelID,
				Login:     login,
				StreamID:  liveVideoID,
				Origin:    event.OriginCatchup,
			})
			telemetry.EventsReceived.WithLabelValues(provider, event.OriginCatchup.String()).Inc()
		}
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

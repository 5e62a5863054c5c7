package youtube

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/telemetry"
)

// Notice is one entry from a hub notification: either a video
// publish/update or a deletion tombstone.
type Notice struct {
	VideoID   string
	ChannelID string
	Title     string
	Deleted   bool
}

type atomFeed struct {
	Entries []struct {
		VideoID   string `xml:"videoId"`
		ChannelID string `xml:"channelId"`
		Title     string `xml:"title"`
	} `xml:"entry"`
	Deleted []struct {
		Ref string `xml:"ref,attr"`
	} `xml:"deleted-entry"`
}

// ParseNotification decodes a hub Atom payload. Deletion notices carry the
// video id in a "yt:video:<id>" ref instead of an entry body.
func ParseNotification(body []byte) ([]Notice, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decode atom feed: %w", err)
	}
	notices := make([]Notice, 0, len(feed.Entries)+len(feed.Deleted))
	for _, e := range feed.Entries {
		if e.VideoID == "" {
			continue
		}
		notices = append(notices, Notice{VideoID: e.VideoID, ChannelID: e.ChannelID, Title: e.Title})
	}
	for _, d := range feed.Deleted {
		if !strings.HasPrefix(d.Ref, "yt:video:") {
			continue
		}
		id := strings.TrimPrefix(d.Ref, "yt:video:")
		if id == "" {
			continue
		}
		notices = append(notices, Notice{VideoID: id, Deleted: true})
	}
	return notices, nil
}

// HandleNotification classifies a hub notification for channelID and pushes
// the canonical events it implies. Deletions end the live session only when
// the deleted id matches the cached live video id; unrelated deletions are
// ignored.
func (s *Service) HandleNotification(ctx context.Context, channelID string, body []byte) error {
	notices, err := ParseNotification(body)
	if err != nil {
		return err
	}
	if len(notices) == 0 {
		return nil
	}

	state, stateErr := s.st.GetChannelState(ctx, event.ProviderYouTube, channelID)
	liveVideoID := ""
	if stateErr == nil && state != nil && state.IsLive {
		liveVideoID = state.StreamID
	}

	var lookupIDs []string
	for _, n := range notices {
		if n.Deleted {
			if n.VideoID == liveVideoID && liveVideoID != "" {
				s.q.Push(event.Event{
					Kind:      event.KindStreamOffline,
					Provider:  event.ProviderYouTube,
					ChannelID: channelID,
					StreamID:  n.VideoID,
					Origin:    event.OriginCallback,
				})
				telemetry.EventsReceived.WithLabelValues(provider, event.OriginCallback.String()).Inc()
			}
			continue
		}
		lookupIDs = append(lookupIDs, n.VideoID)
	}
	if len(lookupIDs) == 0 {
		return nil
	}

	lookups, err := s.ClassifyVideos(ctx, lookupIDs)
	if err != nil {
		return fmt.Errorf("classify notification videos: %w", err)
	}
	for _, id := range lookupIDs {
		lk := lookups[id]
		switch lk.Kind {
		case LookupLive:
			s.q.Push(event.Event{
				Kind:      event.KindStreamOnline,
				Provider:  event.ProviderYouTube,
				ChannelID: channelID,
				Title:     event.NormalizeTitle(lk.Title),
				Game:      event.NoGame,
				StreamID:  id,
				StartedAt: lk.StartedAt,
				Origin:    event.OriginCallback,
			})
			telemetry.EventsReceived.WithLabelValues(provider, event.OriginCallback.String()).Inc()
		case LookupEnded:
			if id == liveVideoID {
				s.q.Push(event.Event{
					Kind:      event.KindStreamOffline,
					Provider:  event.ProviderYouTube,
					ChannelID: channelID,
					StreamID:  id,
					Origin:    event.OriginCallback,
				})
				telemetry.EventsReceived.WithLabelValues(provider, event.OriginCallback.String()).Inc()
			}
		default:
			slog.Debug("notification video not a live stream",
				slog.String("video_id", id), slog.String("kind", lk.Kind.String()), slog.String("component", "youtube"))
		}
	}
	return nil
}

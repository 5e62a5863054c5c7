package twitch

import (
	"encoding/json"
	"fmt"

	"github.com/nicklaw5/helix/v2"

	"github.com/onnwee/stream-herald/event"
)

// EventSub message type header values. Revocations have been observed under
// both names, so handlers accept either.
const (
	MessageTypeNotification = "notification"
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeRevocation   = "revocation"
	MessageTypeAuthRevoked  = "authorization_revoked"
)

// Envelope is the outer EventSub webhook payload. Event stays raw until the
// subscription type selects a concrete shape.
type Envelope struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

// ParseEnvelope decodes the webhook body.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode eventsub envelope: %w", err)
	}
	return &env, nil
}

// Translate maps a notification envelope to a canonical event. Online
// events carry sentinel title/game; the reconciler fetches fresh metadata
// itself so a stale payload never wins over the live API.
func Translate(env *Envelope) (event.Event, error) {
	switch env.Subscription.Type {
	case helix.EventSubTypeStreamOnline:
		var e helix.EventSubStreamOnlineEvent
		if err := json.Unmarshal(env.Event, &e); err != nil {
			return event.Event{}, fmt.Errorf("decode stream.online event: %w", err)
		}
		return event.Event{
			Kind:      event.KindStreamOnline,
			Provider:  event.ProviderTwitch,
			ChannelID: e.BroadcasterUserID,
			Login:     e.BroadcasterUserLogin,
			Title:     event.NoTitle,
			Game:      event.NoGame,
			StreamID:  e.ID,
			StartedAt: e.StartedAt.Time,
			Origin:    event.OriginCallback,
		}, nil
	case helix.EventSubTypeStreamOffline:
		var e helix.EventSubStreamOfflineEvent
		if err := json.Unmarshal(env.Event, &e); err != nil {
			return event.Event{}, fmt.Errorf("decode stream.offline event: %w", err)
		}
		return event.Event{
			Kind:      event.KindStreamOffline,
			Provider:  event.ProviderTwitch,
			ChannelID: e.BroadcasterUserID,
			Login:     e.BroadcasterUserLogin,
			Origin:    event.OriginCallback,
		}, nil
	case helix.EventSubTypeChannelUpdate:
		var e helix.EventSubChannelUpdateEvent
		if err := json.Unmarshal(env.Event, &e); err != nil {
			return event.Event{}, fmt.Errorf("decode channel.update event: %w", err)
		}
		return event.Event{
			Kind:      event.KindTitleChanged,
			Provider:  event.ProviderTwitch,
			ChannelID: e.BroadcasterUserID,
			Login:     e.BroadcasterUserLogin,
			Title:     event.NormalizeTitle(e.Title),
			Game:      event.NormalizeGame(e.CategoryName),
			Origin:    event.OriginCallback,
		}, nil
	default:
		return event.Event{Kind: event.KindUnknown, Provider: event.ProviderTwitch},
			fmt.Errorf("unhandled subscription type %q", env.Subscription.Type)
	}
}

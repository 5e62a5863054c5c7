// Package event defines the provider-agnostic stream events consumed by the
// reconciler. Both webhook callbacks and catch-up polls translate into these
// before anything downstream sees them.
package event

import "time"

// Provider identifies the upstream platform an event came from.
type Provider string

const (
	ProviderTwitch  Provider = "twitch"
	ProviderYouTube Provider = "youtube"
)

// Kind is the canonical event type.
type Kind int

const (
	KindUnknown Kind = iota
	KindStreamOnline
	KindStreamOffline
	KindTitleChanged
)

func (k Kind) String() string {
	switch k {
	case KindStreamOnline:
		return "stream_online"
	case KindStreamOffline:
		return "stream_offline"
	case KindTitleChanged:
		return "title_changed"
	default:
		return "unknown"
	}
}

// Origin records which path produced an event. The reconciler logs duplicate
// online events from the callback path but stays silent for catch-up polls,
// which legitimately re-observe the same live session every cycle.
type Origin int

const (
	OriginCallback Origin = iota
	OriginCatchup
)

func (o Origin) String() string {
	if o == OriginCatchup {
		return "catchup"
	}
	return "callback"
}

// Sentinels substituted for empty title/game strings so the cache and the
// notification text never carry empty keys.
const (
	NoTitle = "<no title>"
	NoGame  = "<no game>"
)

// NormalizeTitle returns the sentinel for empty titles.
func NormalizeTitle(s string) string {
	if s == "" {
		return NoTitle
	}
	return s
}

// NormalizeGame returns the sentinel for empty game/category names.
func NormalizeGame(s string) string {
	if s == "" {
		return NoGame
	}
	return s
}

// Event is a canonical stream-state notification for a single channel.
// ChannelID is the provider's stable external id; Login is the mutable
// login/handle and may be empty on events that don't carry it.
type Event struct {
	Kind      Kind
	Provider  Provider
	ChannelID string
	Login     string
	Title     string
	Game      string
	// StreamID is the Twitch stream id or YouTube video id of the session
	// the event refers to. Empty for events that don't name one.
	StreamID  string
	StartedAt time.Time
	Origin    Origin
}

// Package store persists callback registrations, per-channel live-state
// caches, title caches, and guild settings. The reconciler is the only
// writer of live-state and title caches; adapters read them at most.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/stream-herald/event"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// GuildMode selects how a guild wants go-live alerts delivered.
type GuildMode int

const (
	// ModeEphemeralChannel creates a temporary text channel per live session
	// and deletes it when the stream ends.
	ModeEphemeralChannel GuildMode = 0
	// ModeNotifyOnly posts only the notification message.
	ModeNotifyOnly GuildMode = 1
	// ModePersistentChannel renames a pre-configured channel to a
	// live/offline marker; it never creates or deletes channels.
	ModePersistentChannel GuildMode = 2
)

// RoleEveryone in GuildAlertConfig.AlertRole mentions @everyone.
const RoleEveryone = "everyone"

// GuildAlertConfig is one guild's delivery settings for a tracked channel.
type GuildAlertConfig struct {
	GuildID        string    `json:"guild_id"`
	Mode           GuildMode `json:"mode"`
	NotifChannelID string    `json:"notif_channel_id,omitempty"`
	// AlertRole is nil for no mention, RoleEveryone, or a role id.
	AlertRole *string `json:"alert_role,omitempty"`
	// StatusChannelID is the renamed channel for ModePersistentChannel.
	StatusChannelID string `json:"status_channel_id,omitempty"`
	CustomMessage   string `json:"custom_message,omitempty"`
}

// Callback is the per-channel subscription record. One row per tracked
// channel regardless of how many guilds subscribe to it.
type Callback struct {
	Provider     event.Provider
	ChannelID    string // provider's stable external id
	Login        string // mutable login/handle
	DisplayName  string
	Secret       string // webhook HMAC secret, encrypted at rest
	OnlineSubID  string
	OfflineSubID string
	TitleSubID   string
	// VerifyToken is echoed by the PubSubHubbub hub during the subscribe
	// round-trip. Unused for Twitch.
	VerifyToken string
	// LeaseExpiry is when the hub lease lapses. Zero for Twitch.
	LeaseExpiry time.Time
	Guilds      []GuildAlertConfig
}

// TitleAlertTarget is a guild channel that receives title/game-update
// embeds for a channel that is not currently live.
type TitleAlertTarget struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// TitleCallback records which guilds subscribed to title-change alerts.
type TitleCallback struct {
	Provider  event.Provider
	ChannelID string
	Targets   []TitleAlertTarget
}

// AlertRef points at a notification message we sent and may later edit.
type AlertRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// ChannelState is the live-state cache for one channel. Created on the
// first online transition and cleared, not deleted, on offline so the next
// session within the cooldown window can reuse the previous messages.
type ChannelState struct {
	IsLive   bool   `json:"is_live"`
	StreamID string `json:"stream_id,omitempty"`
	// AlertCooldown is when fresh alerts were last sent. A new live
	// transition within the cooldown window reuses messages instead.
	AlertCooldown time.Time `json:"alert_cooldown"`
	// LiveChannelIDs are Discord channels created for the current session.
	// Populated only while live; fully drained on the offline transition.
	LiveChannelIDs []string   `json:"live_channel_ids,omitempty"`
	LiveAlertRefs  []AlertRef `json:"live_alert_refs,omitempty"`
	// ReusableAlertRefs are messages left over from the previous session,
	// available for in-place editing during the cooldown window.
	ReusableAlertRefs []AlertRef `json:"reusable_alert_refs,omitempty"`
	// GameHistory accumulates seconds streamed per game for the current
	// session, keyed by game name.
	GameHistory map[string]float64 `json:"game_history,omitempty"`
	// LastUpdate is when GameHistory last rolled over (online transition or
	// game change). Zero while offline.
	LastUpdate time.Time `json:"last_update,omitempty"`
}

// TitleState is the last title/game seen for a channel, used only to
// detect deltas. Overwritten unconditionally on each title event.
type TitleState struct {
	Title string `json:"title"`
	Game  string `json:"game"`
}

// Store is the durable owner of all notifier state. In-memory copies are
// always treated as possibly stale and re-fetched.
type Store interface {
	GetCallback(ctx context.Context, provider event.Provider, channelID string) (*Callback, error)
	UpsertCallback(ctx context.Context, cb *Callback) error
	DeleteCallback(ctx context.Context, provider event.Provider, channelID string) error
	ListCallbacks(ctx context.Context, provider event.Provider) ([]*Callback, error)

	GetTitleCallback(ctx context.Context, provider event.Provider, channelID string) (*TitleCallback, error)
	UpsertTitleCallback(ctx context.Context, tc *TitleCallback) error
	DeleteTitleCallback(ctx context.Context, provider event.Provider, channelID string) error

	GetChannelState(ctx context.Context, provider event.Provider, channelID string) (*ChannelState, error)
	PutChannelState(ctx context.Context, provider event.Provider, channelID string, st *ChannelState) error
	DeleteChannelState(ctx context.Context, provider event.Provider, channelID string) error

	GetTitleState(ctx context.Context, provider event.Provider, channelID string) (*TitleState, error)
	PutTitleState(ctx context.Context, provider event.Provider, channelID string, ts *TitleState) error
	DeleteTitleState(ctx context.Context, provider event.Provider, channelID string) error

	GetManagerRole(ctx context.Context, guildID string) (string, error)
	SetManagerRole(ctx context.Context, guildID, roleID string) error

	// GetKV/SetKV back job bookkeeping (last catch-up stamps, the dedup
	// mirror) the same way the kv table does for other workers.
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// Package notify fans stream events out to Discord: per-guild channel
// creation/renaming, notification messages, in-place edits, and the
// offline summary. Every Discord call is isolated per guild so one guild's
// missing permissions never block the rest.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

// Channel names used by the persistent mode and ephemeral creations.
const (
	persistentLiveName    = "stream-live"
	persistentOfflineName = "stream-offline"
)

// DiscordAPI is the slice of discordgo.Session the dispatcher needs.
// Satisfied by *discordgo.Session; tests substitute a fake.
type DiscordAPI interface {
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// StreamInfo carries the metadata a notification needs.
type StreamInfo struct {
	DisplayName string
	Title       string
	Game        string
	URL         string
}

// Dispatcher performs the Discord side effects the reconciler decides on.
// It mutates the passed ChannelState in place (appending created channels
// and sent messages, consuming reusable refs); persisting the state stays
// with the reconciler.
type Dispatcher struct {
	dc DiscordAPI
}

func New(dc DiscordAPI) *Dispatcher {
	return &Dispatcher{dc: dc}
}

func isNotFound(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}

func isForbidden(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusForbidden
}

// mention renders the configured alert role.
func mention(role *string) string {
	switch {
	case role == nil:
		return ""
	case *role == store.RoleEveryone:
		return "@everyone"
	default:
		return "<@&" + *role + ">"
	}
}

// onlineContent renders the go-live message, honoring a guild's custom
// template when set.
func onlineContent(cfg store.GuildAlertConfig, info StreamInfo) string {
	if cfg.CustomMessage != "" {
		r := strings.NewReplacer(
			"{{name}}", info.DisplayName,
			"{{title}}", info.Title,
			"{{game}}", info.Game,
			"{{url}}", info.URL,
		)
		body := r.Replace(cfg.CustomMessage)
		if m := mention(cfg.AlertRole); m != "" {
			return m + " " + body
		}
		return body
	}
	var b strings.Builder
	if m := mention(cfg.AlertRole); m != "" {
		b.WriteString(m)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "**%s** is now live: %s (playing %s)\n%s", info.DisplayName, info.Title, info.Game, info.URL)
	return b.String()
}

// offlineContent renders the past-tense edit applied when a stream ends.
// summary comes from the reconciler's game history.
func offlineContent(displayName, summary string) string {
	if summary == "" {
		return fmt.Sprintf("**%s** is no longer live.", displayName)
	}
	return fmt.Sprintf("**%s** is no longer live. %s", displayName, summary)
}

// ephemeralOverwrites restricts a created channel to the alert role when
// one is configured; without one the channel stays open to the guild.
func ephemeralOverwrites(guildID string, role *string) []*discordgo.PermissionOverwrite {
	if role == nil || *role == store.RoleEveryone {
		return nil
	}
	// The @everyone role id equals the guild id.
	return []*discordgo.PermissionOverwrite{
		{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
		{ID: *role, Type: discordgo.PermissionOverwriteTypeRole, Allow: discordgo.PermissionViewChannel},
	}
}

// HandleOnline runs the per-guild fan-out for a go-live transition. When
// onCooldown, no new messages or ephemeral channels are created; instead
// the reusable refs from the previous session are edited in place, exactly
// once for the whole event rather than once per guild.
func (d *Dispatcher) HandleOnline(ctx context.Context, cb *store.Callback, state *store.ChannelState, info StreamInfo, onCooldown bool) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "notify"), slog.String("channel", cb.ChannelID))

	if onCooldown {
		d.reuseRefs(state, info, log)
	}

	for _, cfg := range cb.Guilds {
		if err := d.handleOnlineGuild(cfg, cb, state, info, onCooldown); err != nil {
			telemetry.NotificationErrors.Inc()
			log.Error("go-live fan-out failed for guild",
				slog.String("guild", cfg.GuildID), slog.Any("err", err))
		}
	}
}

func (d *Dispatcher) handleOnlineGuild(cfg store.GuildAlertConfig, cb *store.Callback, state *store.ChannelState, info StreamInfo, onCooldown bool) error {
	switch cfg.Mode {
	case store.ModeEphemeralChannel:
		if !onCooldown {
			ch, err := d.dc.GuildChannelCreateComplex(cfg.GuildID, discordgo.GuildChannelCreateData{
				Name:                 strings.ToLower(cb.Login) + "-live",
				Type:                 discordgo.ChannelTypeGuildText,
				PermissionOverwrites: ephemeralOverwrites(cfg.GuildID, cfg.AlertRole),
			})
			if err != nil {
				return fmt.Errorf("create live channel: %w", err)
			}
			state.LiveChannelIDs = append(state.LiveChannelIDs, ch.ID)
			if _, err := d.dc.ChannelMessageSendComplex(ch.ID, &discordgo.MessageSend{
				Content: fmt.Sprintf("**%s** is now live: %s", info.DisplayName, info.URL),
			}); err != nil {
				return fmt.Errorf("post in live channel: %w", err)
			}
			telemetry.NotificationsSent.Inc()
		}
	case store.ModePersistentChannel:
		// Persistent channels are re-marked live even on cooldown.
		if cfg.StatusChannelID != "" {
			if _, err := d.dc.ChannelEdit(cfg.StatusChannelID, &discordgo.ChannelEdit{Name: persistentLiveName}); err != nil {
				return fmt.Errorf("rename status channel: %w", err)
			}
		}
	case store.ModeNotifyOnly:
		// Only the notification message below.
	}

	if onCooldown || cfg.NotifChannelID == "" {
		return nil
	}
	msg, err := d.dc.ChannelMessageSendComplex(cfg.NotifChannelID, &discordgo.MessageSend{
		Content: onlineContent(cfg, info),
	})
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	state.LiveAlertRefs = append(state.LiveAlertRefs, store.AlertRef{ChannelID: cfg.NotifChannelID, MessageID: msg.ID})
	telemetry.NotificationsSent.Inc()
	return nil
}

// reuseRefs edits the previous session's messages back to live phrasing. A
// 404 drops the ref rather than erroring; it is not re-added.
func (d *Dispatcher) reuseRefs(state *store.ChannelState, info StreamInfo, log *slog.Logger) {
	content := onlineContent(store.GuildAlertConfig{}, info)
	for _, ref := range state.ReusableAlertRefs {
		_, err := d.dc.ChannelMessageEditComplex(&discordgo.MessageEdit{
			Channel: ref.ChannelID,
			ID:      ref.MessageID,
			Content: &content,
		})
		if err != nil {
			if isNotFound(err) {
				log.Debug("reusable alert message gone, dropping ref",
					slog.String("message", ref.MessageID))
				continue
			}
			telemetry.NotificationErrors.Inc()
			log.Error("reuse of alert message failed",
				slog.String("message", ref.MessageID), slog.Any("err", err))
			continue
		}
		state.LiveAlertRefs = append(state.LiveAlertRefs, ref)
		telemetry.NotificationsSent.Inc()
	}
	state.ReusableAlertRefs = nil
}

// HandleOffline resolves every live artifact: ephemeral channels are
// deleted, persistent channels renamed, and the live messages edited to
// past tense with the reconciler's streaming summary. Surviving refs are
// moved to ReusableAlertRefs on the passed state.
func (d *Dispatcher) HandleOffline(ctx context.Context, cb *store.Callback, state *store.ChannelState, summary string) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "notify"), slog.String("channel", cb.ChannelID))

	for _, id := range state.LiveChannelIDs {
		if _, err := d.dc.ChannelDelete(id); err != nil && !isNotFound(err) {
			telemetry.NotificationErrors.Inc()
			log.Error("delete live channel failed", slog.String("discord_channel", id), slog.Any("err", err))
		}
	}
	state.LiveChannelIDs = nil

	for _, cfg := range cb.Guilds {
		if cfg.Mode != store.ModePersistentChannel || cfg.StatusChannelID == "" {
			continue
		}
		if _, err := d.dc.ChannelEdit(cfg.StatusChannelID, &discordgo.ChannelEdit{Name: persistentOfflineName}); err != nil {
			telemetry.NotificationErrors.Inc()
			log.Error("rename status channel failed",
				slog.String("guild", cfg.GuildID), slog.Any("err", err))
		}
	}

	content := offlineContent(displayName(cb), summary)
	var kept []store.AlertRef
	for _, ref := range state.LiveAlertRefs {
		_, err := d.dc.ChannelMessageEditComplex(&discordgo.MessageEdit{
			Channel: ref.ChannelID,
			ID:      ref.MessageID,
			Content: &content,
		})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			telemetry.NotificationErrors.Inc()
			log.Error("offline edit failed", slog.String("message", ref.MessageID), slog.Any("err", err))
			if isForbidden(err) {
				continue
			}
			// Transport failures keep the ref; the message may still exist.
			kept = append(kept, ref)
			continue
		}
		kept = append(kept, ref)
		telemetry.NotificationsSent.Inc()
	}
	state.LiveAlertRefs = nil
	state.ReusableAlertRefs = kept
}

func displayName(cb *store.Callback) string {
	if cb.DisplayName != "" {
		return cb.DisplayName
	}
	return cb.Login
}

// EditLiveMessages rewrites the current live messages in place, used when
// title or game changes mid-stream. A 404 drops the ref.
func (d *Dispatcher) EditLiveMessages(ctx context.Context, state *store.ChannelState, info StreamInfo) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "notify"))
	content := onlineContent(store.GuildAlertConfig{}, info)
	var kept []store.AlertRef
	for _, ref := range state.LiveAlertRefs {
		_, err := d.dc.ChannelMessageEditComplex(&discordgo.MessageEdit{
			Channel: ref.ChannelID,
			ID:      ref.MessageID,
			Content: &content,
		})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			telemetry.NotificationErrors.Inc()
			log.Error("live message edit failed", slog.String("message", ref.MessageID), slog.Any("err", err))
			kept = append(kept, ref)
			continue
		}
		kept = append(kept, ref)
		telemetry.NotificationsSent.Inc()
	}
	state.LiveAlertRefs = kept
}

// BroadcastTitleUpdate posts a title/game-update embed to every configured
// title-alert target, used when the channel is not live.
func (d *Dispatcher) BroadcastTitleUpdate(ctx context.Context, tc *store.TitleCallback, info StreamInfo) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "notify"), slog.String("channel", tc.ChannelID))
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s updated their stream info", info.DisplayName),
		Description: fmt.Sprintf("Title: %s\nGame: %s", info.Title, info.Game),
		URL:         info.URL,
	}
	for _, target := range tc.Targets {
		if _, err := d.dc.ChannelMessageSendComplex(target.ChannelID, &discordgo.MessageSend{Embed: embed}); err != nil {
			telemetry.NotificationErrors.Inc()
			log.Error("title update broadcast failed",
				slog.String("guild", target.GuildID), slog.Any("err", err))
			continue
		}
		telemetry.NotificationsSent.Inc()
	}
}

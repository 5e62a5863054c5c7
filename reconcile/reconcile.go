// Package reconcile is the single consumer of the event queue. It owns all
// writes to the live-state and title caches, decides which transitions are
// real, and drives the notification dispatcher. Correctness rests on there
// being exactly one consumer: events for the same channel are processed
// strictly in dequeue order, so no per-channel locking is needed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/queue"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

// CooldownWindow is the minimum interval between fresh go-live alerts for
// the same channel. Transitions inside it reuse the previous session's
// messages instead of sending new ones.
const CooldownWindow = 600 * time.Second

// Notifier is the dispatcher surface the reconciler drives.
type Notifier interface {
	HandleOnline(ctx context.Context, cb *store.Callback, state *store.ChannelState, info notify.StreamInfo, onCooldown bool)
	HandleOffline(ctx context.Context, cb *store.Callback, state *store.ChannelState, summary string)
	EditLiveMessages(ctx context.Context, state *store.ChannelState, info notify.StreamInfo)
	BroadcastTitleUpdate(ctx context.Context, tc *store.TitleCallback, info notify.StreamInfo)
}

// MetadataSource fetches fresh stream metadata on go-live, so a stale
// webhook payload never wins over the provider's live API.
type MetadataSource interface {
	Lookup(ctx context.Context, channelID string) (title, game, streamID string, live bool, err error)
}

// NameResolver refreshes a channel's display name on go-live.
type NameResolver interface {
	ResolveUserID(ctx context.Context, userID string) (id, displayName string, err error)
}

// Options wires the optional provider hooks.
type Options struct {
	Meta  map[event.Provider]MetadataSource
	Names map[event.Provider]NameResolver
	// IgnoreCooldown disables cooldown suppression (debugging knob).
	IgnoreCooldown bool
}

// Reconciler consumes canonical events and applies the per-channel state
// machine.
type Reconciler struct {
	st    store.Store
	disp  Notifier
	q     *queue.Queue
	clock clockwork.Clock
	opts  Options
}

func New(st store.Store, disp Notifier, q *queue.Queue, clock clockwork.Clock, opts Options) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{st: st, disp: disp, q: q, clock: clock, opts: opts}
}

// Run consumes the queue until ctx is cancelled. A panic in event handling
// is logged and the consumer restarts rather than stopping notification
// processing.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		r.consume(ctx)
	}
}

func (r *Reconciler) consume(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("reconciler panicked, restarting consumer",
				slog.Any("panic", p), slog.String("component", "reconcile"))
		}
	}()
	for {
		ev, ok := r.q.Pop(ctx)
		if !ok {
			return
		}
		telemetry.SetQueueDepth(r.q.Len())
		telemetry.TimeFunc(telemetry.ReconcileDuration, func() {
			r.Handle(ctx, ev)
		})
	}
}

// Handle applies one event. Exported for tests; Run is the production path.
func (r *Reconciler) Handle(ctx context.Context, ev event.Event) {
	switch ev.Kind {
	case event.KindStreamOnline:
		r.handleOnline(ctx, ev)
	case event.KindStreamOffline:
		r.handleOffline(ctx, ev)
	case event.KindTitleChanged:
		r.handleTitle(ctx, ev)
	default:
		telemetry.EventsDropped.Inc()
		slog.Warn("dropping unknown event",
			slog.String("provider", string(ev.Provider)),
			slog.String("channel_id", ev.ChannelID),
			slog.String("component", "reconcile"))
	}
}

func streamURL(ev event.Event, login string) string {
	if ev.Provider == event.ProviderYouTube {
		if ev.StreamID != "" {
			return "https://www.youtube.com/watch?v=" + ev.StreamID
		}
		return "https://www.youtube.com/channel/" + ev.ChannelID
	}
	return "https://twitch.tv/" + login
}

func (r *Reconciler) loadState(ctx context.Context, ev event.Event) (*store.ChannelState, error) {
	state, err := r.st.GetChannelState(ctx, ev.Provider, ev.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.ChannelState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (r *Reconciler) handleOnline(ctx context.Context, ev event.Event) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "reconcile"),
		slog.String("provider", string(ev.Provider)),
		slog.String("channel_id", ev.ChannelID))

	cb, err := r.st.GetCallback(ctx, ev.Provider, ev.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("online event for untracked channel, dropping")
		telemetry.EventsDropped.Inc()
		return
	}
	if err != nil {
		log.Error("load callback failed", slog.Any("err", err))
		return
	}
	state, err := r.loadState(ctx, ev)
	if err != nil {
		log.Error("load channel state failed", slog.Any("err", err))
		return
	}

	if state.IsLive {
		// Same session re-announced. A changed title piggybacked on the
		// re-notification (YouTube reuses the video id) becomes a title
		// refresh; everything else is a duplicate.
		if ev.StreamID == "" || ev.StreamID == state.StreamID {
			if r.titleDiffers(ctx, ev) {
				r.handleTitle(ctx, event.Event{
					Kind: event.KindTitleChanged, Provider: ev.Provider, ChannelID: ev.ChannelID,
					Login: ev.Login, Title: ev.Title, Game: ev.Game, Origin: ev.Origin,
				})
				return
			}
		}
		if ev.Origin == event.OriginCallback {
			log.Info("ignoring duplicate online notification", slog.String("stream_id", ev.StreamID))
		}
		return
	}

	title, game, streamID := ev.Title, ev.Game, ev.StreamID
	if src, ok := r.opts.Meta[ev.Provider]; ok {
		t, g, id, live, err := src.Lookup(ctx, ev.ChannelID)
		if err != nil {
			log.Warn("metadata lookup failed, using event payload", slog.Any("err", err))
		} else if live {
			title, game, streamID = t, g, id
		}
	}
	title = event.NormalizeTitle(titleOrEmpty(title))
	game = event.NormalizeGame(titleOrEmpty(game))

	r.refreshDisplayName(ctx, cb, log)

	now := r.clock.Now()
	onCooldown := !r.opts.IgnoreCooldown &&
		!state.AlertCooldown.IsZero() && now.Sub(state.AlertCooldown) < CooldownWindow

	state.IsLive = true
	state.StreamID = streamID
	state.GameHistory = map[string]float64{game: 0}
	state.LastUpdate = now
	if !onCooldown {
		// Preserving the old timestamp on cooldown re-lives is what stops a
		// flapping stream from extending its own cooldown forever.
		state.AlertCooldown = now
	}

	info := notify.StreamInfo{
		DisplayName: displayNameOf(cb),
		Title:       title,
		Game:        game,
		URL:         streamURL(ev, cb.Login),
	}
	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		r.disp.HandleOnline(ctx, cb, state, info, onCooldown)
	})

	if err := r.st.PutChannelState(ctx, ev.Provider, ev.ChannelID, state); err != nil {
		log.Error("persist channel state failed", slog.Any("err", err))
	}
	if err := r.st.PutTitleState(ctx, ev.Provider, ev.ChannelID, &store.TitleState{Title: title, Game: game}); err != nil {
		log.Error("persist title state failed", slog.Any("err", err))
	}
	telemetry.Transitions.WithLabelValues("online").Inc()
	telemetry.LiveChannelsGauge.Inc()
	log.Info("channel went live",
		slog.String("stream_id", streamID),
		slog.String("title", title),
		slog.Bool("on_cooldown", onCooldown),
		slog.String("origin", ev.Origin.String()))
}

// titleDiffers reports whether the event carries a real title/game that
// deviates from the title cache.
func (r *Reconciler) titleDiffers(ctx context.Context, ev event.Event) bool {
	if (ev.Title == "" || ev.Title == event.NoTitle) && (ev.Game == "" || ev.Game == event.NoGame) {
		return false
	}
	ts, err := r.st.GetTitleState(ctx, ev.Provider, ev.ChannelID)
	if err != nil {
		return false
	}
	return ev.Title != ts.Title || (ev.Game != event.NoGame && ev.Game != ts.Game)
}

func (r *Reconciler) refreshDisplayName(ctx context.Context, cb *store.Callback, log *slog.Logger) {
	res, ok := r.opts.Names[cb.Provider]
	if !ok {
		return
	}
	_, name, err := res.ResolveUserID(ctx, cb.ChannelID)
	if err != nil {
		log.Warn("display name refresh failed", slog.Any("err", err))
		return
	}
	if name == "" || name == cb.DisplayName {
		return
	}
	cb.DisplayName = name
	if err := r.st.UpsertCallback(ctx, cb); err != nil {
		log.Error("persist display name failed", slog.Any("err", err))
	}
}

func (r *Reconciler) handleOffline(ctx context.Context, ev event.Event) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "reconcile"),
		slog.String("provider", string(ev.Provider)),
		slog.String("channel_id", ev.ChannelID))

	state, err := r.loadState(ctx, ev)
	if err != nil {
		log.Error("load channel state failed", slog.Any("err", err))
		return
	}
	if !state.IsLive {
		// Already offline; late or duplicate notifications are expected.
		return
	}
	cb, err := r.st.GetCallback(ctx, ev.Provider, ev.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		cb = &store.Callback{Provider: ev.Provider, ChannelID: ev.ChannelID, Login: ev.Login}
	} else if err != nil {
		log.Error("load callback failed", slog.Any("err", err))
		return
	}

	now := r.clock.Now()
	// Close out the running game before summarizing.
	if !state.LastUpdate.IsZero() {
		if current := r.currentGame(ctx, ev); current != "" {
			if state.GameHistory == nil {
				state.GameHistory = map[string]float64{}
			}
			state.GameHistory[current] += now.Sub(state.LastUpdate).Seconds()
		}
	}
	summary := summarizeHistory(state.GameHistory)

	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		r.disp.HandleOffline(ctx, cb, state, summary)
	})

	state.IsLive = false
	state.StreamID = ""
	state.GameHistory = nil
	state.LastUpdate = time.Time{}
	if err := r.st.PutChannelState(ctx, ev.Provider, ev.ChannelID, state); err != nil {
		log.Error("persist channel state failed", slog.Any("err", err))
	}
	telemetry.Transitions.WithLabelValues("offline").Inc()
	telemetry.LiveChannelsGauge.Dec()
	log.Info("channel went offline", slog.String("origin", ev.Origin.String()))
}

func (r *Reconciler) currentGame(ctx context.Context, ev event.Event) string {
	ts, err := r.st.GetTitleState(ctx, ev.Provider, ev.ChannelID)
	if err != nil {
		return ""
	}
	return ts.Game
}

func (r *Reconciler) handleTitle(ctx context.Context, ev event.Event) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "reconcile"),
		slog.String("provider", string(ev.Provider)),
		slog.String("channel_id", ev.ChannelID))

	prev, err := r.st.GetTitleState(ctx, ev.Provider, ev.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		prev = &store.TitleState{}
	} else if err != nil {
		log.Error("load title state failed", slog.Any("err", err))
		return
	}
	if ev.Title == prev.Title && ev.Game == prev.Game {
		// No delta, no dispatcher action.
		return
	}
	if err := r.st.PutTitleState(ctx, ev.Provider, ev.ChannelID, &store.TitleState{Title: ev.Title, Game: ev.Game}); err != nil {
		log.Error("persist title state failed", slog.Any("err", err))
	}

	state, err := r.loadState(ctx, ev)
	if err != nil {
		log.Error("load channel state failed", slog.Any("err", err))
		return
	}
	cb, cbErr := r.st.GetCallback(ctx, ev.Provider, ev.ChannelID)

	if state.IsLive {
		now := r.clock.Now()
		if ev.Game != prev.Game {
			if state.GameHistory == nil {
				state.GameHistory = map[string]float64{}
			}
			if prev.Game != "" && !state.LastUpdate.IsZero() {
				state.GameHistory[prev.Game] += now.Sub(state.LastUpdate).Seconds()
			}
			state.GameHistory[ev.Game] += 0
			state.LastUpdate = now
		}
		login := ev.Login
		name := login
		if cbErr == nil {
			login = cb.Login
			name = displayNameOf(cb)
		}
		info := notify.StreamInfo{
			DisplayName: name,
			Title:       ev.Title,
			Game:        ev.Game,
			URL:         streamURL(event.Event{Provider: ev.Provider, ChannelID: ev.ChannelID, StreamID: state.StreamID}, login),
		}
		telemetry.TimeFunc(telemetry.DispatchDuration, func() {
			r.disp.EditLiveMessages(ctx, state, info)
		})
		if err := r.st.PutChannelState(ctx, ev.Provider, ev.ChannelID, state); err != nil {
			log.Error("persist channel state failed", slog.Any("err", err))
		}
		log.Info("updated live messages for title change",
			slog.String("title", ev.Title), slog.String("game", ev.Game))
		return
	}

	// Not live: title webhooks still fire for VOD edits. Broadcast only
	// when a title-change subscription exists.
	tc, err := r.st.GetTitleCallback(ctx, ev.Provider, ev.ChannelID)
	if err != nil || len(tc.Targets) == 0 {
		return
	}
	name := ev.Login
	login := ev.Login
	if cbErr == nil {
		name = displayNameOf(cb)
		login = cb.Login
	}
	info := notify.StreamInfo{
		DisplayName: name,
		Title:       ev.Title,
		Game:        ev.Game,
		URL:         streamURL(ev, login),
	}
	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		r.disp.BroadcastTitleUpdate(ctx, tc, info)
	})
	log.Info("broadcast offline title update", slog.String("title", ev.Title))
}

func displayNameOf(cb *store.Callback) string {
	if cb.DisplayName != "" {
		return cb.DisplayName
	}
	return cb.Login
}

func titleOrEmpty(s string) string {
	if s == event.NoTitle || s == event.NoGame {
		return ""
	}
	return s
}

// summarizeHistory renders the "was streaming" line from accumulated
// per-game seconds, shortest first. Zero-duration entries from a stream
// that ended immediately still get listed.
func summarizeHistory(hist map[string]float64) string {
	if len(hist) == 0 {
		return ""
	}
	type slot struct {
		game string
		secs float64
	}
	slots := make([]slot, 0, len(hist))
	for g, s := range hist {
		slots = append(slots, slot{game: g, secs: s})
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].secs != slots[j].secs {
			return slots[i].secs < slots[j].secs
		}
		return slots[i].game < slots[j].game
	})
	parts := make([]string, 0, len(slots))
	for _, s := range slots {
		parts = append(parts, fmt.Sprintf("%s for %s", s.game, humanDuration(s.secs)))
	}
	return "Was streaming: " + strings.Join(parts, ", ")
}

func humanDuration(secs float64) string {
	if secs < 90 {
		return "less than a minute"
	}
	m := int(math.Round(secs / 60))
	if m == 1 {
		return "~1 minute"
	}
	return fmt.Sprintf("~%d minutes", m)
}

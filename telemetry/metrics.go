// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived     *prometheus.CounterVec // provider, origin
	EventsDropped      prometheus.Counter     // malformed/unknown kinds
	DuplicatesIgnored  prometheus.Counter
	WebhooksRejected   prometheus.Counter
	NotificationsSent  prometheus.Counter
	NotificationErrors prometheus.Counter
	CatchupCycles      *prometheus.CounterVec // provider
	Transitions        *prometheus.CounterVec // direction: online|offline|title

	// Histograms (seconds)
	ReconcileDuration prometheus.Observer
	DispatchDuration  prometheus.Observer

	// Gauges
	QueueDepthGauge   prometheus.Gauge
	LiveChannelsGauge prometheus.Gauge
	ActiveSubsGauge   *prometheus.GaugeVec // provider
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_events_received_total", Help: "Canonical events produced by adapters"}, []string{"provider", "origin"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_events_dropped_total", Help: "Malformed or unknown events dropped by the reconciler"})
		DuplicatesIgnored = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_webhook_duplicates_total", Help: "Webhook deliveries ignored as duplicates"})
		WebhooksRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_webhook_rejected_total", Help: "Webhook deliveries rejected for bad signatures or headers"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_sent_total", Help: "Discord messages sent or edited"})
		NotificationErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notification_failures_total", Help: "Discord actions that failed (per guild, non-fatal)"})
		CatchupCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_catchup_cycles_total", Help: "Catch-up poll cycles run"}, []string{"provider"})
		Transitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_transitions_total", Help: "Applied state transitions"}, []string{"direction"})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "herald_reconcile_duration_seconds", Help: "Time to reconcile one event", Buckets: prometheus.DefBuckets})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "herald_dispatch_duration_seconds", Help: "Time to fan out one event to Discord", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_queue_depth", Help: "Events waiting in the reconcile queue"})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_live_channels", Help: "Channels currently marked live"})
		ActiveSubsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "herald_active_subscriptions", Help: "Active provider push subscriptions"}, []string{"provider"})
	})
}

// SetQueueDepth records the current reconcile queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

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
	DiscoverCycles    prometheus.Counter
	ConnectAttempts   prometheus.Counter
	ConnectFailures   prometheus.Counter
	ChatMessages      prometheus.Counter
	FramesDropped     prometheus.Counter
	PresenceRounds    prometheus.Counter
	SyntheticLeaves   prometheus.Counter

	// Histograms (seconds)
	SweepDuration    prometheus.Observer
	DiscoverDuration prometheus.Observer
	RoundDuration    prometheus.Observer

	// Gauges
	TrackedChannels   prometheus.Gauge
	ConnectedChannels prometheus.Gauge
	EligibleChannels  prometheus.Gauge
	TrackedViewers    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DiscoverCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "gateway_discover_cycles_total", Help: "Number of completed channel discovery cycles"})
		ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "gateway_connect_attempts_total", Help: "Number of chat connection attempts"})
		ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "gateway_connect_failures_total", Help: "Number of failed chat connection attempts"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "gateway_chat_messages_total", Help: "Number of chat messages republished"})
		FramesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "gateway_frames_dropped_total", Help: "Number of inbound frames dropped (wrong channel or missing fields)"})
		PresenceRounds = promauto.NewCounter(prometheus.CounterOpts{Name: "gateway_presence_rounds_total", Help: "Number of completed presence tracker rounds"})
		SyntheticLeaves = promauto.NewCounter(prometheus.CounterOpts{Name: "gateway_synthetic_leaves_total", Help: "Number of leave events synthesized by the presence sweep"})
		SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "gateway_sweep_duration_seconds", Help: "Connection sweep duration seconds", Buckets: prometheus.DefBuckets})
		DiscoverDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "gateway_discover_duration_seconds", Help: "Discovery page-walk duration seconds", Buckets: prometheus.DefBuckets})
		RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "gateway_presence_round_duration_seconds", Help: "Presence round duration seconds", Buckets: prometheus.DefBuckets})
		TrackedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "gateway_tracked_channels", Help: "Channels currently in the map"})
		ConnectedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "gateway_connected_channels", Help: "Channels with a live chat connection"})
		EligibleChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "gateway_eligible_channels", Help: "Channels eligible for a chat connection"})
		TrackedViewers = promauto.NewGauge(prometheus.GaugeOpts{Name: "gateway_tracked_viewers", Help: "Viewer count committed by the last presence round"})
	})
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
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

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"poolwatch/internal/domain"
)

// Label values for LinesTotal.
const (
	LineAccepted  = "accepted"
	LineMalformed = "malformed"
)

var (
	// LinesTotal counts log lines by parse result.
	LinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_lines_total",
			Help: "Access log lines processed by parse result.",
		},
		[]string{"result"},
	)
	// AlertsTotal counts notifier outcomes per condition kind.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_alerts_total",
			Help: "Alert conditions by kind and notifier outcome.",
		},
		[]string{"kind", "outcome"},
	)
	// SinkSendDuration observes one sink delivery including in-budget retries.
	SinkSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolwatch_sink_send_duration_seconds",
			Help:    "Duration of notification sink deliveries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"channel", "status"},
	)
	// ErrorRate is the last computed window 5xx ratio (0..1).
	ErrorRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolwatch_window_error_rate",
		Help: "Share of 5xx responses in the sliding window.",
	})
	// WindowFill is the number of events currently held by the window.
	WindowFill = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolwatch_window_events",
		Help: "Events currently held in the sliding window.",
	})
	// ActivePool is 1 for the pool currently serving traffic, 0 otherwise.
	ActivePool = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolwatch_active_pool",
			Help: "Currently active upstream pool (1 = active).",
		},
		[]string{"pool"},
	)
	// SourceReopens counts log file reopen events (rotation, truncation, recovery).
	SourceReopens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_source_reopens_total",
			Help: "Log source reopen events by reason.",
		},
		[]string{"reason"},
	)
	// SourceFailures counts transient log source failures.
	SourceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolwatch_source_failures_total",
		Help: "Transient log source open/read failures.",
	})
)

// SetActivePool flips the active pool gauge so exactly one known pool reads 1.
// Params: newly active pool.
// Returns: gauge mutated in place.
func SetActivePool(active domain.Pool) {
	for _, pool := range []domain.Pool{domain.PoolBlue, domain.PoolGreen, domain.PoolUnknown} {
		value := 0.0
		if pool == active {
			value = 1
		}
		ActivePool.WithLabelValues(pool.Label()).Set(value)
	}
}

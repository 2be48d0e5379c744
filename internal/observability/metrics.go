// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "triggerbot"

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Scheduler metrics
	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	StaleGroups  *prometheus.CounterVec
	Evaluations  *prometheus.CounterVec
	Triggers     *prometheus.CounterVec
	CASLosses    *prometheus.CounterVec

	// Dispatch metrics
	Submissions       *prometheus.CounterVec
	Retries           prometheus.Counter
	SubmissionLatency prometheus.Histogram
	QueueDepth        prometheus.Gauge
	InFlight          prometheus.Gauge

	// Lifecycle metrics
	Cancellations *prometheus.CounterVec

	// Copy-trade metrics
	Mirrors     prometheus.Counter
	MirrorSkips *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance registered on reg. Tests pass a fresh
// prometheus.NewRegistry() so instances never collide.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		StaleGroups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "stale_groups_total",
			Help:      "Total number of (token, market) groups skipped because the price was unavailable",
		}, []string{"token"}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "evaluations_total",
			Help:      "Total number of strategy evaluations by kind",
		}, []string{"kind"}),
		Triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Total number of fired strategies by kind",
		}, []string{"kind"}),
		CASLosses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cas_losses_total",
			Help:      "Total number of lost status compare-and-swaps by operation",
		}, []string{"operation"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "submissions_total",
			Help:      "Total number of settled submissions by outcome",
		}, []string{"outcome"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Total number of submission retries after transient failures",
		}),
		SubmissionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "submission_latency_seconds",
			Help:      "Ledger submission latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "wallet_queue_depth",
			Help:      "Number of submissions waiting in per-wallet queues",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "inflight_keys",
			Help:      "Number of idempotency keys currently being submitted",
		}),
		Cancellations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "cancellations_total",
			Help:      "Total number of cancellation requests by result",
		}, []string{"result"}),
		Mirrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "copytrade",
			Name:      "mirrors_total",
			Help:      "Total number of mirrored orders handed to the dispatcher",
		}),
		MirrorSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "copytrade",
			Name:      "skips_total",
			Help:      "Total number of leader changes not mirrored by reason",
		}, []string{"reason"}),
		registry: reg,
	}
}

// Discard returns metrics registered on a private registry, for components
// constructed without a shared one.
func Discard() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Handler returns the HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ABOUTME: Prometheus metrics for conversation turns, summaries and cleanup
// ABOUTME: A nil *Metrics is valid and records nothing

package conversation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	Turns           *prometheus.CounterVec
	TurnLatency     prometheus.Histogram
	InFlight        prometheus.Gauge
	Cancellations   prometheus.Counter
	Summaries       *prometheus.CounterVec
	CleanupFailures *prometheus.CounterVec
	JanitorCleared  *prometheus.CounterVec
	PendingCleanups prometheus.Gauge
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorline_turns_total",
			Help: "Conversation turns by outcome",
		}, []string{"outcome"}),

		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tutorline_turn_duration_seconds",
			Help:    "Time from admission to resolution of a turn",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
		}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tutorline_turns_in_flight",
			Help: "Turns currently admitted in this process",
		}),

		Cancellations: factory.NewCounter(prometheus.CounterOpts{
			Name: "tutorline_run_cancellations_total",
			Help: "Cancellation requests issued for timed out runs",
		}),

		Summaries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorline_summaries_total",
			Help: "End-of-task summaries by outcome",
		}, []string{"outcome"}),

		CleanupFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorline_cleanup_failures_total",
			Help: "Session cleanup writes that exhausted their retries",
		}, []string{"field"}),

		JanitorCleared: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorline_janitor_cleared_total",
			Help: "Session fields cleared by the janitor",
		}, []string{"kind"}),

		PendingCleanups: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tutorline_pending_cleanups",
			Help: "Cleanup obligations waiting for the janitor",
		}),
	}
}

func (m *Metrics) turnStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) turnFinished(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Turns.WithLabelValues(Tag(err)).Inc()
	m.TurnLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) rejected(err error) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(Tag(err)).Inc()
}

func (m *Metrics) cancelled() {
	if m == nil {
		return
	}
	m.Cancellations.Inc()
}

func (m *Metrics) summary(outcome string) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cleanupFailed(field string) {
	if m == nil {
		return
	}
	m.CleanupFailures.WithLabelValues(field).Inc()
}

func (m *Metrics) janitorCleared(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.JanitorCleared.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) pending(n int) {
	if m == nil {
		return
	}
	m.PendingCleanups.Set(float64(n))
}

package updater

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/moprocor/planning"
)

// Metrics are the Prometheus collectors for plan updates.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moprocor",
			Subsystem: "updater",
			Name:      "runs_total",
			Help:      "Plan update runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moprocor",
			Subsystem: "updater",
			Name:      "stage_failures_total",
			Help:      "Plan update runs that stopped early, by kind and stage.",
		}, []string{"kind", "stage"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moprocor",
			Subsystem: "updater",
			Name:      "run_duration_seconds",
			Help:      "Wall time of plan update runs, model call included.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.failures, m.duration)
	}
	return m
}

func (m *Metrics) observe(rec planning.RunRecord) {
	if m == nil {
		return
	}
	kind := string(rec.Kind)
	m.runs.WithLabelValues(kind, string(rec.Outcome)).Inc()
	if rec.Stage != "" {
		m.failures.WithLabelValues(kind, rec.Stage).Inc()
	}
	m.duration.WithLabelValues(kind).Observe(time.Duration(rec.DurationMs * int64(time.Millisecond)).Seconds())
}

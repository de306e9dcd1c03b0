package scheduler

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/moprocor/planning"
)

// Metrics are the Prometheus collectors for the update queue.
type Metrics struct {
	reg             prometheus.Registerer
	submittedTotal  *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	supersededTotal prometheus.Counter
	inFlight        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		submittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moprocor",
			Subsystem: "scheduler",
			Name:      "submitted_total",
			Help:      "Plan update jobs accepted into the queue, by kind.",
		}, []string{"kind"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moprocor",
			Subsystem: "scheduler",
			Name:      "dropped_total",
			Help:      "Plan update jobs refused, by reason.",
		}, []string{"reason"}),
		supersededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moprocor",
			Subsystem: "scheduler",
			Name:      "superseded_total",
			Help:      "Plan update jobs cancelled by a newer job for the same lot.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moprocor",
			Subsystem: "scheduler",
			Name:      "in_flight",
			Help:      "Plan update jobs currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submittedTotal, m.droppedTotal, m.supersededTotal, m.inFlight)
	}
	return m
}

// bindQueue exposes the queue length of p as a gauge.
func (m *Metrics) bindQueue(p *Pool) {
	if m == nil || m.reg == nil {
		return
	}
	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "moprocor",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Plan update jobs waiting for a worker.",
	}, func() float64 { return float64(p.Pending()) })
	if err := m.reg.Register(depth); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			p.logger.Warn("Failed to register queue depth gauge", "error", err)
		}
	}
}

func (m *Metrics) submitted(kind planning.ActionKind) {
	if m == nil {
		return
	}
	m.submittedTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) dropped(reason error) {
	if m == nil {
		return
	}
	label := "stopped"
	if errors.Is(reason, ErrQueueFull) {
		label = "queue_full"
	}
	m.droppedTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) superseded() {
	if m == nil {
		return
	}
	m.supersededTotal.Inc()
}

func (m *Metrics) running(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

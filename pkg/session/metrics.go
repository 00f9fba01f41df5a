package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aeolun/worldlink/pkg/movement"
	"github.com/aeolun/worldlink/pkg/timing"
)

// Metrics counts gate decisions and walking outcomes.
type Metrics struct {
	gateDenials    *prometheus.CounterVec
	actions        *prometheus.CounterVec
	steps          *prometheus.CounterVec
	unknownPackets prometheus.Counter
}

// NewMetrics registers the session collectors on reg, typically the
// transport's registry so one endpoint serves both.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "gate",
			Name:      "denials_total",
			Help:      "Actions held back because their cooldown had not elapsed.",
		}, []string{"category"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "session",
			Name:      "actions_total",
			Help:      "Action requests by category and outcome.",
		}, []string{"category", "outcome"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "movement",
			Name:      "steps_total",
			Help:      "Movement ticks by result, idle and waiting excluded.",
		}, []string{"result"}),
		unknownPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "session",
			Name:      "unknown_packets_total",
			Help:      "Packets with an opcode this client cannot decode.",
		}),
	}
	reg.MustRegister(m.gateDenials, m.actions, m.steps, m.unknownPackets)
	return m
}

func (m *Metrics) recordAction(c timing.Category, o ActionOutcome) {
	if m == nil {
		return
	}
	if o == OutcomeCoolingDown {
		m.gateDenials.WithLabelValues(c.String()).Inc()
	}
	m.actions.WithLabelValues(c.String(), o.String()).Inc()
}

func (m *Metrics) recordStep(r movement.StepResult) {
	if m == nil || r == movement.StepIdle || r == movement.StepWaiting {
		return
	}
	m.steps.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) recordUnknown() {
	if m == nil {
		return
	}
	m.unknownPackets.Inc()
}

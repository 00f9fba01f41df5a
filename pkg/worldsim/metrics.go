package worldsim

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds simulator counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections    *prometheus.CounterVec
	activeSessions prometheus.Gauge
	packets        *prometheus.CounterVec
	violations     *prometheus.CounterVec
	corrections    prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsim",
			Name:      "connections_total",
			Help:      "Accepted connections by transport.",
		}, []string{"transport"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldsim",
			Name:      "active_sessions",
			Help:      "Sessions past the handshake.",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsim",
			Name:      "packets_received_total",
			Help:      "Decrypted client packets by kind.",
		}, []string{"kind"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsim",
			Name:      "violations_total",
			Help:      "Client actions rejected by the server rules.",
		}, []string{"rule"}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsim",
			Name:      "position_corrections_total",
			Help:      "Position packets sent to undo a rejected step.",
		}),
	}
	reg.MustRegister(m.connections, m.activeSessions, m.packets, m.violations, m.corrections)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordConnection(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) recordPacket(kind string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordViolation(rule string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(rule).Inc()
}

func (m *Metrics) recordCorrection() {
	if m == nil {
		return
	}
	m.corrections.Inc()
}

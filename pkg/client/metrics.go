package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds transport counters. Each Metrics owns its registry so
// several connections (tests, replay) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	resyncBytes    prometheus.Counter
	handshakes     prometheus.Counter
	disconnects    *prometheus.CounterVec
}

// NewMetrics creates and registers the transport counters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to the server.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Decrypted packets delivered to the main loop.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the socket.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the socket.",
		}),
		resyncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "transport",
			Name:      "resync_bytes_total",
			Help:      "Bytes dropped while resynchronizing on bad frame lengths.",
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "transport",
			Name:      "handshakes_total",
			Help:      "Completed cipher handshakes.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldlink",
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Disconnects by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.framesSent,
		m.framesReceived,
		m.bytesSent,
		m.bytesReceived,
		m.resyncBytes,
		m.handshakes,
		m.disconnects,
	)
	return m
}

// Registry exposes the registry for promhttp and for other packages that
// add their own collectors next to the transport's.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordFrameSent(n int) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) RecordFrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) RecordBytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) RecordResync(n int) {
	if m == nil {
		return
	}
	m.resyncBytes.Add(float64(n))
}

func (m *Metrics) RecordHandshake() {
	if m == nil {
		return
	}
	m.handshakes.Inc()
}

func (m *Metrics) RecordDisconnect(reason DisconnectReason) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason.String()).Inc()
}

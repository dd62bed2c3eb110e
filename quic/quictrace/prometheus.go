package quictrace

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by a Prometheus-backed Tracer.
type Metrics struct {
	Connections        prometheus.Counter
	Streams            prometheus.Counter
	ConnectionErrors   prometheus.Counter
	StreamErrors       prometheus.Counter
	Handshakes         prometheus.Counter
	ShutdownsInitiated *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quic",
			Name:      "connections_total",
			Help:      "Connections created by listeners or connect calls.",
		}),
		Streams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quic",
			Name:      "streams_total",
			Help:      "Streams opened locally or accepted from peers.",
		}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quic",
			Name:      "connection_errors_total",
			Help:      "Connection failures reported by the transport.",
		}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quic",
			Name:      "stream_errors_total",
			Help:      "Stream failures reported by the transport.",
		}),
		Handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quic",
			Name:      "handshakes_completed_total",
			Help:      "Connections that completed the handshake.",
		}),
		ShutdownsInitiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quic",
			Name:      "shutdowns_initiated_total",
			Help:      "Connection shutdowns by initiator.",
		}, []string{"initiator"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Connections,
		m.Streams,
		m.ConnectionErrors,
		m.StreamErrors,
		m.Handshakes,
		m.ShutdownsInitiated,
	}
}

// NewPrometheusTracer registers a fresh set of metrics with reg and
// returns a Tracer that updates them.
func NewPrometheusTracer(reg prometheus.Registerer, namespace string) (*Tracer, *Metrics, error) {
	m := NewMetrics(namespace)
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, nil, err
		}
	}
	return m.Tracer(), m, nil
}

func (m *Metrics) Tracer() *Tracer {
	return &Tracer{
		NewConnection: func(uint64) {
			m.Connections.Inc()
		},
		NewStream: func(uint64, uint64) {
			m.Streams.Inc()
		},
		ConnectionError: func(uint64, error) {
			m.ConnectionErrors.Inc()
		},
		StreamError: func(uint64, uint64, error) {
			m.StreamErrors.Inc()
		},
		Connected: func(uint64, string) {
			m.Handshakes.Inc()
		},
		ShutdownInitiated: func(_ uint64, byPeer bool, _ error) {
			initiator := "transport"
			if byPeer {
				initiator = "peer"
			}
			m.ShutdownsInitiated.WithLabelValues(initiator).Inc()
		},
	}
}

package adbdevice

import (
	"context"
	"strconv"

	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects connection metrics from a [ConnTrace].
type Metrics struct {
	PacketsSent      *prometheus.CounterVec
	PacketsReceived  *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	PacketsIgnored   prometheus.Counter
	SocketsOpened    *prometheus.CounterVec
	SocketOpenFailed prometheus.Counter
	SocketsOpen      prometheus.Gauge
	AuthResponses    *prometheus.CounterVec
	Connections      prometheus.Gauge
}

// NewMetrics creates the metrics, registering them with reg if it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const namespace, subsystem = "adb", "device"
	m := &Metrics{
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Number of packets sent, by command.",
		}, []string{"command"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Number of packets received, by command.",
		}, []string{"command"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payload_bytes_sent_total",
			Help:      "Number of payload bytes sent.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payload_bytes_received_total",
			Help:      "Number of payload bytes received.",
		}),
		PacketsIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_ignored_total",
			Help:      "Number of received packets which were ignored.",
		}),
		SocketsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sockets_opened_total",
			Help:      "Number of sockets opened, by direction.",
		}, []string{"incoming"}),
		SocketOpenFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "socket_open_failures_total",
			Help:      "Number of services the device refused to open.",
		}),
		SocketsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sockets_open",
			Help:      "Number of currently open sockets.",
		}),
		AuthResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_responses_total",
			Help:      "Number of A_AUTH responses sent, by type.",
		}, []string{"type"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently connected devices.",
		}),
	}
	if reg != nil {
		for _, c := range m.Collectors() {
			reg.MustRegister(c)
		}
	}
	return m
}

// Collectors returns all metrics as collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.PacketsSent,
		m.PacketsReceived,
		m.BytesSent,
		m.BytesReceived,
		m.PacketsIgnored,
		m.SocketsOpened,
		m.SocketOpenFailed,
		m.SocketsOpen,
		m.AuthResponses,
		m.Connections,
	}
}

// Trace returns hooks which update the metrics.
func (m *Metrics) Trace() *ConnTrace {
	return &ConnTrace{
		AuthResponse: func(typ uint32) {
			var s string
			switch typ {
			case aproto.AuthSignature:
				s = "signature"
			case aproto.AuthRSAPublicKey:
				s = "publickey"
			default:
				s = strconv.FormatUint(uint64(typ), 10)
			}
			m.AuthResponses.WithLabelValues(s).Inc()
		},
		Connected: func(State) {
			m.Connections.Inc()
		},
		PacketSent: func(cmd aproto.Command, _, _ uint32, data []byte) {
			m.PacketsSent.WithLabelValues(cmd.String()).Inc()
			m.BytesSent.Add(float64(len(data)))
		},
		PacketReceived: func(pkt aproto.Packet) {
			m.PacketsReceived.WithLabelValues(pkt.Command.String()).Inc()
			m.BytesReceived.Add(float64(len(pkt.Payload)))
		},
		PacketIgnored: func(aproto.Packet) {
			m.PacketsIgnored.Inc()
		},
		SocketOpen: func(_, _ uint32, _ string, incoming bool) {
			m.SocketsOpened.WithLabelValues(strconv.FormatBool(incoming)).Inc()
			m.SocketsOpen.Inc()
		},
		SocketOpenFailed: func(uint32, string) {
			m.SocketOpenFailed.Inc()
		},
		SocketClose: func(uint32, uint32) {
			m.SocketsOpen.Dec()
		},
		Disconnected: func(error) {
			m.Connections.Dec()
		},
	}
}

// WithMetrics is shorthand for WithConnTrace(ctx, m.Trace()).
func WithMetrics(ctx context.Context, m *Metrics) context.Context {
	return WithConnTrace(ctx, m.Trace())
}

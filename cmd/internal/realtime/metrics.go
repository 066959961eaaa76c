package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	onlineUsers  prometheus.Gauge
	events       *prometheus.CounterVec
	errors       *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	drops        *prometheus.CounterVec
	authFailures prometheus.Counter
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "connections",
			Help: "Open realtime connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "online_users",
			Help: "Users with at least one open connection.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "events_total",
			Help: "Client events received, by type.",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "errors_total",
			Help: "Error events sent to clients, by code.",
		}, []string{"code"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "deliveries_total",
			Help: "Envelopes queued for delivery, by type.",
		}, []string{"type"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "drops_total",
			Help: "Envelopes dropped on a full send queue, by type.",
		}, []string{"type"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "auth_failures_total",
			Help: "Handshakes rejected for a missing or invalid token.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.connections, m.onlineUsers, m.events, m.errors, m.deliveries, m.drops, m.authFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) setOnline(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) errorSent(code string) {
	if m != nil {
		m.errors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) delivered(typ string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.WithLabelValues(typ).Inc()
	} else {
		m.drops.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) authFailed() {
	if m != nil {
		m.authFailures.Inc()
	}
}

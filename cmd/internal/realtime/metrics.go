package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	envelopes      *prometheus.CounterVec
	messages       prometheus.Counter
	presenceEvents *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open websocket sessions.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "envelopes_total",
			Help:      "Envelopes handled, by direction and type.",
		}, []string{"direction", "type"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "messages_published_total",
			Help:      "Messages accepted and broadcast (duplicates excluded).",
		}),
		presenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "presence_events_total",
			Help:      "Presence events appended, by action.",
		}, []string{"action"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.connections, m.envelopes, m.messages, m.presenceEvents} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
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

func (m *Metrics) envelopeIn(typ string) {
	if m != nil {
		m.envelopes.WithLabelValues("in", typ).Inc()
	}
}

func (m *Metrics) envelopeOut(typ string) {
	if m != nil {
		m.envelopes.WithLabelValues("out", typ).Inc()
	}
}

func (m *Metrics) messagePublished() {
	if m != nil {
		m.messages.Inc()
	}
}

func (m *Metrics) presenceEvent(action string) {
	if m != nil {
		m.presenceEvents.WithLabelValues(action).Inc()
	}
}

package presence

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the presence collectors. A nil *Metrics records nothing.
type Metrics struct {
	State      prometheus.Gauge
	Reconnects prometheus.Counter
	Dropped    prometheus.Counter
	Received   *prometheus.CounterVec
	Online     prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "console",
			Subsystem: "presence",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "presence",
			Name:      "reconnects_total",
			Help:      "Times the transport was lost and a reconnect scheduled.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "presence",
			Name:      "publish_dropped_total",
			Help:      "Publishes refused because the connection was not up.",
		}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "presence",
			Name:      "messages_received_total",
			Help:      "Messages delivered to subscription handlers.",
		}, []string{"destination"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "console",
			Subsystem: "presence",
			Name:      "online_identities",
			Help:      "Identities currently marked online in the registry.",
		}),
	}
}

// Collectors returns everything that needs registering.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.State, m.Reconnects, m.Dropped, m.Received, m.Online}
}

func (m *Metrics) state(s ConnectionState) {
	if m != nil {
		m.State.Set(float64(s))
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) received(destination string) {
	if m != nil {
		m.Received.WithLabelValues(destination).Inc()
	}
}

func (m *Metrics) online(n int) {
	if m != nil {
		m.Online.Set(float64(n))
	}
}

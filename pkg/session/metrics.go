package session

import "github.com/prometheus/client_golang/prometheus"

// Refresh outcomes as recorded in the refreshes counter.
const (
	outcomeSuccess   = "success"
	outcomeRejected  = "rejected"
	outcomeTransient = "transient"
	outcomeSkipped   = "skipped" // someone else already refreshed
)

// Metrics are the session collectors. A nil *Metrics is valid and records
// nothing, so components don't have to care whether metrics are wired.
type Metrics struct {
	Refreshes       *prometheus.CounterVec
	Joined          prometheus.Counter
	ReactiveRetries prometheus.Counter
	ForcedLogouts   prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "session",
			Name:      "refresh_operations_total",
			Help:      "Refresh operations by outcome.",
		}, []string{"outcome"}),
		Joined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "session",
			Name:      "refresh_joined_total",
			Help:      "Callers that waited on a refresh started by someone else.",
		}),
		ReactiveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "session",
			Name:      "reactive_retries_total",
			Help:      "Calls retried after the server rejected the access token.",
		}),
		ForcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "session",
			Name:      "forced_logouts_total",
			Help:      "Sessions cleared because they could not be refreshed.",
		}),
	}
}

// Collectors returns everything that needs registering.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Refreshes, m.Joined, m.ReactiveRetries, m.ForcedLogouts}
}

func (m *Metrics) refresh(outcome string) {
	if m != nil {
		m.Refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) joined() {
	if m != nil {
		m.Joined.Inc()
	}
}

func (m *Metrics) reactiveRetry() {
	if m != nil {
		m.ReactiveRetries.Inc()
	}
}

func (m *Metrics) forcedLogout() {
	if m != nil {
		m.ForcedLogouts.Inc()
	}
}

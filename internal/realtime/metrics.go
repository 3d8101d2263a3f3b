package realtime

import "github.com/prometheus/client_golang/prometheus"

// Delivery outcomes recorded by the registry and the fanout.
const (
	OutcomeDelivered = "delivered"
	OutcomeNoSession = "no_session"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Metrics groups the realtime collectors. The lifecycle services record
// their transitions here too so every counter lives on one registerer.
type Metrics struct {
	SessionsActive prometheus.Gauge
	Deliveries     *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinika_sessions_active",
			Help: "Live websocket sessions held by the connection registry.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinika_deliveries_total",
			Help: "Event deliveries by outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinika_transitions_total",
			Help: "Committed lifecycle transitions.",
		}, []string{"record", "to"}),
	}
	reg.MustRegister(m.SessionsActive, m.Deliveries, m.Transitions)
	return m
}

func (m *Metrics) delivery(outcome string) {
	m.Deliveries.WithLabelValues(outcome).Inc()
}

// Transition counts one committed state change of record ("appointment",
// "consultation") into state to.
func (m *Metrics) Transition(record, to string) {
	m.Transitions.WithLabelValues(record, to).Inc()
}

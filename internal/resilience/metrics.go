package resilience

import "github.com/prometheus/client_golang/prometheus"

// Breaker collectors are labelled by the gateway the breaker guards.
var (
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Current breaker state per gateway: 0=closed,1=open,2=half-open",
		},
		[]string{"gateway"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transition_total",
			Help: "Breaker state transitions per gateway",
		},
		[]string{"gateway", "from", "to"},
	)
	BreakerOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_open_total",
			Help: "Times a gateway breaker tripped open",
		},
		[]string{"gateway"},
	)
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal)
}

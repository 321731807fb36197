package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentChargeTotal counts charge outcomes by gateway and normalized status.
	PaymentChargeTotal *prometheus.CounterVec
	// PaymentRefundTotal counts refund outcomes by gateway and normalized status.
	PaymentRefundTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// GatewayRequestDuration records outbound processor call latency in milliseconds.
	GatewayRequestDuration *prometheus.HistogramVec
	// ReconcileRunsTotal counts reconciliation task outcomes.
	ReconcileRunsTotal *prometheus.CounterVec
	// ReconcileDriftTotal counts transactions whose ledger status disagrees with the processor.
	ReconcileDriftTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentChargeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_charge_total",
			Help:      "Count of charge outcomes by gateway and status.",
		}, []string{"gateway", "status"})
		PaymentRefundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_refund_total",
			Help:      "Count of refund outcomes by gateway and status.",
		}, []string{"gateway", "status"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"gateway", "result"})
		GatewayRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_ms",
			Help:      "Latency for outbound payment processor calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"gateway", "operation", "result"})
		ReconcileRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Count of reconciliation task outcomes.",
		}, []string{"gateway", "result"})
		ReconcileDriftTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_total",
			Help:      "Transactions whose ledger status disagrees with the processor.",
		}, []string{"gateway"})

		PaymentChargeTotal = registerOrReuse(reg, PaymentChargeTotal)
		PaymentRefundTotal = registerOrReuse(reg, PaymentRefundTotal)
		PaymentWebhookTotal = registerOrReuse(reg, PaymentWebhookTotal)
		GatewayRequestDuration = registerOrReuse(reg, GatewayRequestDuration)
		ReconcileRunsTotal = registerOrReuse(reg, ReconcileRunsTotal)
		ReconcileDriftTotal = registerOrReuse(reg, ReconcileDriftTotal)
	})
}

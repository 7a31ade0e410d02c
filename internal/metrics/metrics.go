// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_created_total",
		Help: "Payment intents opened and recorded, by kind.",
	}, []string{"kind"})

	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_confirmations_total",
		Help: "Confirmation calls by outcome.",
	}, []string{"outcome"})

	CommissionRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_commission_recorded_total",
		Help: "Sum of recorded platform commission in major currency units.",
	})

	PartialReconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_partial_reconciliations_total",
		Help: "Captured payments whose owning entity could not be marked paid.",
	}, []string{"kind", "reason"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_request_duration_seconds",
		Help:    "Latency of payment gateway calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "result"})
)

// ObserveGatewayCall records the latency of one gateway call.
func ObserveGatewayCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GatewayLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

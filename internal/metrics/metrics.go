// Package metrics registers the module's prometheus instruments on the
// default registry; /metrics in cmd/server exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts payment attempts by rail and final disposition.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Payment attempts by rail and outcome.",
	}, []string{"rail", "outcome"})

	// TransitionsTotal counts order state transitions by from/to pair.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order settlement state transitions.",
	}, []string{"from", "to"})

	// WebhookDeliveriesTotal counts inbound webhook deliveries by rail and
	// how they were handled: applied, replay, rejected.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Inbound webhook deliveries by rail and disposition.",
	}, []string{"rail", "disposition"})

	// ProviderCallSeconds observes provider call latency by rail and
	// operation.
	ProviderCallSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_call_duration_seconds",
		Help:    "Latency of outbound provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"rail", "op"})
)

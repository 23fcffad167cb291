package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wa_connections",
		Name:      "provider_calls_total",
		Help:      "Provider adapter calls by provider, operation and result kind.",
	}, []string{"provider", "op", "result"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wa_connections",
		Name:      "provider_call_duration_seconds",
		Help:      "Provider adapter call latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"provider", "op"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wa_connections",
		Name:      "status_transitions_total",
		Help:      "Connection record status transitions.",
	}, []string{"provider", "from", "to"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wa_connections",
		Name:      "webhook_events_total",
		Help:      "Inbound provider events by outcome (applied, duplicate, unknown_instance, failed).",
	}, []string{"provider", "type", "outcome"})

	ConflictingOperations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wa_connections",
		Name:      "conflicting_operations_total",
		Help:      "Operations rejected because another one held the unit lock.",
	})
)

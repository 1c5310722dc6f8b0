// Package metrics exposes Prometheus counters for the royalty pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "royalties"

// Registry holds every collector of this package plus the Go runtime and
// process collectors.
var Registry = prometheus.NewRegistry()

var (
	// EventsIngested counts revenue reports by result: accepted, duplicate or rejected.
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_ingested_total",
		Help:      "Revenue reports processed by ingest.",
	}, []string{"result"})

	PlansComputed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plans_computed_total",
		Help:      "Distribution plans created.",
	})

	// InstructionTransitions counts payout instructions entering a status.
	InstructionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instruction_transitions_total",
		Help:      "Payout instruction status transitions.",
	}, []string{"status"})

	PermanentFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_permanent_failures_total",
		Help:      "Instructions that exhausted their retry budget.",
	})

	EscrowHeld = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_held_minor_units_total",
		Help:      "Minor units moved into escrow, by reason and currency.",
	}, []string{"reason", "currency"})

	EscrowReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_released_minor_units_total",
		Help:      "Minor units released from escrow, by reason and currency.",
	}, []string{"reason", "currency"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		EventsIngested,
		PlansComputed,
		InstructionTransitions,
		PermanentFailures,
		EscrowHeld,
		EscrowReleased,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

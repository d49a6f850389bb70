package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation runs by stream and final state.",
	}, []string{"stream", "state"})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "apply_batches_total",
		Help:      "Applier batches by point type and outcome.",
	}, []string{"point_type", "outcome"})

	EventsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "events_fetched_total",
		Help:      "Chain events fetched per stream.",
	}, []string{"stream"})

	EventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "events_skipped_total",
		Help:      "Events dropped by the diff engine, by reason.",
	}, []string{"stream", "reason"})

	LookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "multiplier_lookup_failures_total",
		Help:      "Multiplier lookups that fell back to 1.0.",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by outcome.",
	}, []string{"outcome"})

	CheckpointBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "checkpoint_block",
		Help:      "Last committed to_block per stream.",
	}, []string{"stream"})

	AuditMismatches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "audit_mismatches",
		Help:      "Mismatches found by the last audit, by kind.",
	}, []string{"kind"})
)

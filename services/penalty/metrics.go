package penalty

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "penalty_sweep_processed_total",
		Help: "Overdue stakes penalized by the sweep.",
	})
	sweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "penalty_sweep_expired_total",
		Help: "Overdue stakes expired because their escrow was never funded.",
	})
	sweepSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "penalty_sweep_skipped_total",
		Help: "Overdue stakes skipped because another writer settled them first.",
	})
	sweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "penalty_sweep_failures_total",
		Help: "Overdue stakes whose settlement transaction failed.",
	})
	sweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "penalty_sweep_runs_total",
		Help: "Completed sweep runs.",
	})
)

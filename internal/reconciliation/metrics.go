package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatchedAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nestbid",
		Subsystem: "reconciliation",
		Name:      "mismatched_accounts",
		Help:      "Number of accounts whose snapshot disagreed with replay in the last sweep.",
	})

	reconcileDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nestbid",
		Subsystem: "reconciliation",
		Name:      "drift",
		Help:      "Total absolute balance drift found in the last sweep.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nestbid",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total account verification errors during sweeps.",
	})

	reconcileRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total reconciliation sweeps completed.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatchedAccounts,
		reconcileDrift,
		reconcileDuration,
		reconcileErrors,
		reconcileRuns,
	)
}

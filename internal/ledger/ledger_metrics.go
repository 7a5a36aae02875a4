package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by kind.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nestbid",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by kind.",
		},
		[]string{"kind"},
	)

	// LedgerOpDuration observes operation latency by kind.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nestbid",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)

	// AccountsCreated counts escrow accounts created.
	AccountsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nestbid",
			Name:      "ledger_accounts_created_total",
			Help:      "Total escrow accounts created.",
		},
	)

	// DuplicatesReplayed counts idempotency-key replays answered from the log.
	DuplicatesReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nestbid",
			Name:      "ledger_duplicates_replayed_total",
			Help:      "Idempotent replays served from the existing entry.",
		},
	)

	// AdjustmentsTotal counts manual adjustment entries.
	AdjustmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nestbid",
			Name:      "ledger_adjustments_total",
			Help:      "Manual adjustment entries applied.",
		},
	)

	// InvariantViolations counts replay-vs-snapshot mismatches.
	InvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nestbid",
			Name:      "ledger_invariant_violations_total",
			Help:      "Balance invariant violations detected.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		AccountsCreated,
		DuplicatesReplayed,
		AdjustmentsTotal,
		InvariantViolations,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(kind string) func() {
	LedgerOpsTotal.WithLabelValues(kind).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

package milestone

import "github.com/prometheus/client_golang/prometheus"

var (
	milestonePaymentsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "milestone",
		Name:      "payments_total",
		Help:      "Total milestone payments created.",
	})

	milestonesFunded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "milestone",
		Name:      "funded_total",
		Help:      "Total milestone payments funded into escrow.",
	})

	milestonesClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "milestone",
		Name:      "closed_total",
		Help:      "Total milestone payments closed by final status.",
	}, []string{"status"}) // "released", "refunded", "cancelled"

	escrowCompensations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "milestone",
		Name:      "compensations_total",
		Help:      "Compensating reversals applied after a failed two-account move.",
	})

	fundedAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nestbid",
		Subsystem: "milestone",
		Name:      "funded_amount",
		Help:      "Distribution of funded milestone amounts in major units.",
		Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 25000},
	})
)

func init() {
	prometheus.MustRegister(
		milestonePaymentsCreated,
		milestonesFunded,
		milestonesClosed,
		escrowCompensations,
		fundedAmount,
	)
}

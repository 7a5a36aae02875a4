package bids

import "github.com/prometheus/client_golang/prometheus"

var (
	bidsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "bids",
		Name:      "submitted_total",
		Help:      "Total bids submitted.",
	})

	acceptancesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "bids",
		Name:      "acceptances_total",
		Help:      "Total acceptances opened, including fallback promotions.",
	})

	acceptancesClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "bids",
		Name:      "acceptances_closed_total",
		Help:      "Total acceptances closed by final status.",
	}, []string{"status"}) // "paid", "expired", "cancelled"

	connectionPayments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "bids",
		Name:      "connection_payments_total",
		Help:      "Connection fee charge outcomes.",
	}, []string{"status"}) // "completed", "failed"

	fallbackPromotions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "bids",
		Name:      "fallback_promotions_total",
		Help:      "Expired acceptances that promoted a fallback bid.",
	})

	connectionFeeAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nestbid",
		Subsystem: "bids",
		Name:      "connection_fee_amount",
		Help:      "Distribution of captured connection fees in major units.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500},
	})
)

func init() {
	prometheus.MustRegister(
		bidsSubmitted,
		acceptancesCreated,
		acceptancesClosed,
		connectionPayments,
		fallbackPromotions,
		connectionFeeAmount,
	)
}

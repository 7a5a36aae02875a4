package dispute

import "github.com/prometheus/client_golang/prometheus"

var (
	disputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "dispute",
		Name:      "opened_total",
		Help:      "Total disputes opened against milestone payments.",
	})

	disputesSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "dispute",
		Name:      "settled_total",
		Help:      "Total disputes settled by outcome.",
	}, []string{"outcome"}) // "payer", "payee", "partial", "cancelled"
)

func init() {
	prometheus.MustRegister(
		disputesOpened,
		disputesSettled,
	)
}

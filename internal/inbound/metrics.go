package inbound

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "inbound",
		Name:      "webhook_events_total",
		Help:      "Processor webhook events by type and outcome.",
	}, []string{"type", "outcome"}) // "applied", "unmatched", "failed", "error", "ignored"

	projectEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "inbound",
		Name:      "project_events_total",
		Help:      "Project-service callback outcomes.",
	}, []string{"event", "outcome"}) // "applied", "rejected", "error"
)

func init() {
	prometheus.MustRegister(
		webhookEvents,
		projectEvents,
	)
}

// Package events fans domain lifecycle events out to delivery sinks.
//
// Producers call Emit and move on: every sink is best-effort and must never
// block or fail the payment operation that produced the event. Delivery
// surfaces (webhooks, realtime, kafka) each provide a sink; Multi composes
// them.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nestbid/nestbid/internal/idgen"
)

// Type names a published lifecycle event.
type Type string

const (
	TypeBidAccepted                Type = "bid.accepted"
	TypeConnectionPaymentCompleted Type = "connection_payment.completed"
	TypeBidExpired                 Type = "bid.expired"
	TypeMilestoneFunded            Type = "milestone.funded"
	TypeMilestoneReleased          Type = "milestone.released"
	TypePaymentDisputed            Type = "payment.disputed"
	TypeDisputeResolved            Type = "payment.dispute.resolved"
)

// Known reports whether t is a published event type. Subscription surfaces
// use it to reject typos at registration time instead of silently never
// matching.
func Known(t Type) bool {
	switch t {
	case TypeBidAccepted, TypeConnectionPaymentCompleted, TypeBidExpired,
		TypeMilestoneFunded, TypeMilestoneReleased,
		TypePaymentDisputed, TypeDisputeResolved:
		return true
	}
	return false
}

// Event is one published lifecycle notification.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// New builds an event envelope with a fresh ID and timestamp.
func New(t Type, data map[string]any) *Event {
	return &Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Key returns the subject entity's ID for partitioning, falling back to the
// event ID when the payload does not name one.
func (e *Event) Key() string {
	for _, k := range []string{"acceptance_id", "milestone_payment_id", "dispute_id", "bid_id", "account_id"} {
		if v, ok := e.Data[k].(string); ok && v != "" {
			return v
		}
	}
	return e.ID
}

// Emitter delivers events to one sink.
type Emitter interface {
	Emit(ctx context.Context, event *Event)
}

var (
	eventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Total lifecycle events emitted by type.",
	}, []string{"type"})

	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestbid",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events a sink failed to deliver, by type and sink.",
	}, []string{"type", "sink"})
)

func init() {
	prometheus.MustRegister(eventsEmitted, eventsDropped)
}

// Dropped records a sink-level delivery failure. Exported so bridge sinks in
// other packages report into the same counter.
func Dropped(t Type, sink string) {
	eventsDropped.WithLabelValues(string(t), sink).Inc()
}

// Multi fans an event out to every sink in order. Nil entries are skipped so
// optional sinks can be wired unconditionally.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, event *Event) {
	eventsEmitted.WithLabelValues(string(event.Type)).Inc()
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}

// LogEmitter writes events to the structured log. It is the sink of last
// resort in dev environments with nothing else configured.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(ctx context.Context, event *Event) {
	l.logger.InfoContext(ctx, "event emitted",
		"event_id", event.ID,
		"type", event.Type,
		"data", event.Data)
}

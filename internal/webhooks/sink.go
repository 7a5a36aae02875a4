package webhooks

import (
	"context"

	"github.com/nestbid/nestbid/internal/events"
)

// Sink bridges the event bus to webhook delivery. Emit never blocks the
// producing operation: dispatch detaches from the caller's cancellation so
// retries can outlive the request that produced the event.
type Sink struct {
	d *Dispatcher
}

// NewSink wraps a dispatcher as an events.Emitter.
func NewSink(d *Dispatcher) *Sink {
	return &Sink{d: d}
}

func (s *Sink) Emit(ctx context.Context, event *events.Event) {
	if s == nil || s.d == nil {
		return
	}
	if err := s.d.Dispatch(context.WithoutCancel(ctx), event); err != nil {
		events.Dropped(event.Type, "webhooks")
	}
}

var _ events.Emitter = (*Sink)(nil)

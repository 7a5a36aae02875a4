package realtime

import (
	"context"

	"github.com/nestbid/nestbid/internal/events"
)

// Sink bridges the event bus to the WebSocket hub.
type Sink struct {
	hub *Hub
}

// NewSink wraps a hub as an events.Emitter.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

func (s *Sink) Emit(ctx context.Context, event *events.Event) {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.Broadcast(event)
}

var _ events.Emitter = (*Sink)(nil)

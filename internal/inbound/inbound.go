// Package inbound receives events from outside systems: project-service
// callbacks and payment-processor webhooks. Both arrive at-least-once, so
// every handler either calls a naturally idempotent service operation or
// runs behind the processed-event store.
package inbound

import (
	"context"
	"sync"
	"time"
)

// ProcessedStore remembers which external event IDs have been handled.
// Marking happens before the work so two concurrent deliveries of the same
// event cannot both apply; a failed delivery is unmarked so the sender's
// retry gets another attempt.
type ProcessedStore interface {
	// MarkProcessed records the event ID. Returns false when the ID was
	// already recorded.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
	// Unmark forgets an event ID so a redelivery is processed again.
	Unmark(ctx context.Context, eventID string) error
	// Purge drops records older than the cutoff and reports how many.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// MemoryDedup is an in-memory ProcessedStore for tests and single-node runs.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDedup creates an empty in-memory processed-event store.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// WithClock overrides the time source.
func (m *MemoryDedup) WithClock(now func() time.Time) *MemoryDedup {
	m.now = now
	return m
}

func (m *MemoryDedup) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = m.now().UTC()
	return true, nil
}

func (m *MemoryDedup) Unmark(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, eventID)
	return nil
}

func (m *MemoryDedup) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, at := range m.seen {
		if at.Before(olderThan) {
			delete(m.seen, id)
			purged++
		}
	}
	return purged, nil
}

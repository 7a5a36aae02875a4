package dispute

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates an empty in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

// copyDispute deep-copies the pointer fields so callers cannot mutate stored
// state.
func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.ResolutionAmount != nil {
		amt := *d.ResolutionAmount
		cp.ResolutionAmount = &amt
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.MilestonePaymentID == d.MilestonePaymentID && existing.Status.IsOpen() {
			return ErrDisputeExists
		}
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.MilestonePaymentID == paymentID && d.Status.IsOpen() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Dispute
	for _, d := range m.disputes {
		if d.MilestonePaymentID != paymentID {
			continue
		}
		if newest == nil || d.CreatedAt.After(newest.CreatedAt) ||
			(d.CreatedAt.Equal(newest.CreatedAt) && d.ID > newest.ID) {
			newest = d
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return copyDispute(newest), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, d := range m.disputes {
		counts[string(d.Status)]++
	}
	return counts, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

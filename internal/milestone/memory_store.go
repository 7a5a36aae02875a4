package milestone

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
}

// NewMemoryStore creates an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

// copyPayment deep-copies the slices and pointer fields so callers cannot
// mutate stored state.
func copyPayment(p *Payment) *Payment {
	cp := *p
	if p.EscrowEntryIDs != nil {
		cp.EscrowEntryIDs = append([]string(nil), p.EscrowEntryIDs...)
	}
	if p.FundedAt != nil {
		t := *p.FundedAt
		cp.FundedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.payments {
		if existing.ProjectID == p.ProjectID && existing.MilestoneID == p.MilestoneID {
			return ErrDuplicateMilestone
		}
	}
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) GetByMilestoneID(ctx context.Context, milestoneID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.MilestoneID == milestoneID {
			return copyPayment(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return ErrNotFound
	}
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MemoryStore) UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ListByProject(ctx context.Context, projectID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.ProjectID == projectID {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, p := range m.payments {
		counts[string(p.Status)]++
	}
	return counts, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

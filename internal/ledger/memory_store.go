package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account // by account ID
	byOwner  map[string]string   // owner|currency -> account ID
	entries  map[string][]*Entry // by account ID, append order
	byKey    map[string]*Entry   // accountID|idempotencyKey -> entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byOwner:  make(map[string]string),
		entries:  make(map[string][]*Entry),
		byKey:    make(map[string]*Entry),
	}
}

func ownerKey(ownerID, currency string) string {
	return ownerID + "|" + currency
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey(acct.OwnerID, acct.Currency)
	if _, exists := m.byOwner[key]; exists {
		return ErrVersionConflict
	}
	cp := *acct
	m.accounts[acct.ID] = &cp
	m.byOwner[key] = acct.ID
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) GetAccountByOwner(ctx context.Context, ownerID, currency string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOwner[ownerKey(ownerID, currency)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) SetAccountStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Status = status
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, status string, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, acct := range m.accounts {
		if status != "" && acct.Status != status {
			continue
		}
		cp := *acct
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CountAccountsByStatus(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, acct := range m.accounts {
		counts[acct.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) SumBalances(ctx context.Context) (map[string]BalanceTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]BalanceTotals)
	for _, acct := range m.accounts {
		t := totals[acct.Currency]
		t.Available = t.Available.Add(acct.Available)
		t.Pending = t.Pending.Add(acct.Pending)
		totals[acct.Currency] = t
	}
	return totals, nil
}

func (m *MemoryStore) Append(ctx context.Context, acct *Account, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[acct.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Version != stored.Version+1 {
		return ErrVersionConflict
	}

	acctCp := *acct
	m.accounts[acct.ID] = &acctCp

	entryCp := *entry
	m.entries[acct.ID] = append(m.entries[acct.ID], &entryCp)
	if entry.IdempotencyKey != "" {
		m.byKey[acct.ID+"|"+entry.IdempotencyKey] = &entryCp
	}
	return nil
}

func (m *MemoryStore) GetEntryByKey(ctx context.Context, accountID, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byKey[accountID+"|"+key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, accountID string, limit int, before time.Time) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[accountID]
	var result []*Entry
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if !before.IsZero() && !all[i].CreatedAt.Before(before) {
			continue
		}
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListAllEntries(ctx context.Context, accountID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[accountID]
	result := make([]*Entry, 0, len(all))
	for _, e := range all {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

package bids

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for development and
// testing.
type MemoryStore struct {
	mu          sync.RWMutex
	bids        map[string]*Bid
	acceptances map[string]*Acceptance
	payments    map[string]*ConnectionPayment // keyed by acceptance ID
	releases    map[string]*ContactRelease    // keyed by acceptance ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bids:        make(map[string]*Bid),
		acceptances: make(map[string]*Acceptance),
		payments:    make(map[string]*ConnectionPayment),
		releases:    make(map[string]*ContactRelease),
	}
}

// CreateBid stores a new bid.
func (s *MemoryStore) CreateBid(ctx context.Context, bid *Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := *bid
	s.bids[bid.ID] = &b
	return nil
}

// GetBid retrieves a bid by ID.
func (s *MemoryStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bid, ok := s.bids[id]
	if !ok {
		return nil, ErrBidNotFound
	}
	b := *bid
	return &b, nil
}

// UpdateBid replaces an existing bid.
func (s *MemoryStore) UpdateBid(ctx context.Context, bid *Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bids[bid.ID]; !ok {
		return ErrBidNotFound
	}
	b := *bid
	s.bids[bid.ID] = &b
	return nil
}

// ListBidsByCard returns a card's bids ordered by submission time.
func (s *MemoryStore) ListBidsByCard(ctx context.Context, bidCardID string, limit int) ([]*Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Bid
	for _, bid := range s.bids {
		if bid.BidCardID != bidCardID {
			continue
		}
		b := *bid
		result = append(result, &b)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RankActiveBids returns a card's active bids ordered by amount descending,
// ties broken by earliest submission.
func (s *MemoryStore) RankActiveBids(ctx context.Context, bidCardID string, limit int) ([]*Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Bid
	for _, bid := range s.bids {
		if bid.BidCardID != bidCardID || bid.Status != BidActive {
			continue
		}
		b := *bid
		result = append(result, &b)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Amount.Equal(result[j].Amount) {
			return result[i].Amount.GreaterThan(result[j].Amount)
		}
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountActiveBids counts a card's active bids.
func (s *MemoryStore) CountActiveBids(ctx context.Context, bidCardID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, bid := range s.bids {
		if bid.BidCardID == bidCardID && bid.Status == BidActive {
			count++
		}
	}
	return count, nil
}

// CreateAcceptance stores a new acceptance, enforcing both uniqueness
// rules: at most one acceptance per bid ever, and at most one non-terminal
// acceptance per bid card.
func (s *MemoryStore) CreateAcceptance(ctx context.Context, a *Acceptance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.acceptances {
		if existing.BidID == a.BidID {
			return ErrBidAlreadyAccepted
		}
		if existing.BidCardID == a.BidCardID && !existing.Status.IsTerminal() {
			return ErrAcceptanceConflict
		}
	}

	cp := *a
	s.acceptances[a.ID] = &cp
	return nil
}

// GetAcceptance retrieves an acceptance by ID.
func (s *MemoryStore) GetAcceptance(ctx context.Context, id string) (*Acceptance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.acceptances[id]
	if !ok {
		return nil, ErrAcceptanceNotFound
	}
	cp := *a
	return &cp, nil
}

// GetOpenAcceptanceByCard returns the card's non-terminal acceptance.
func (s *MemoryStore) GetOpenAcceptanceByCard(ctx context.Context, bidCardID string) (*Acceptance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.acceptances {
		if a.BidCardID == bidCardID && !a.Status.IsTerminal() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAcceptanceNotFound
}

// UpdateAcceptance replaces an existing acceptance.
func (s *MemoryStore) UpdateAcceptance(ctx context.Context, a *Acceptance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.acceptances[a.ID]; !ok {
		return ErrAcceptanceNotFound
	}
	cp := *a
	s.acceptances[a.ID] = &cp
	return nil
}

// UpdateAcceptanceStatusIf flips the acceptance status only when the stored
// status still matches from. Returns false with no error when another
// writer got there first.
func (s *MemoryStore) UpdateAcceptanceStatusIf(ctx context.Context, id string, from, to AcceptanceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.acceptances[id]
	if !ok {
		return false, ErrAcceptanceNotFound
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListExpiredAcceptances returns acceptances still awaiting payment whose
// window lapsed at or before the given time.
func (s *MemoryStore) ListExpiredAcceptances(ctx context.Context, before time.Time, limit int) ([]*Acceptance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Acceptance
	for _, a := range s.acceptances {
		if a.Status != AcceptancePendingPayment || a.ExpiresAt.After(before) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountAcceptancesByStatus returns acceptance counts keyed by status.
func (s *MemoryStore) CountAcceptancesByStatus(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, a := range s.acceptances {
		counts[string(a.Status)]++
	}
	return counts, nil
}

// CreatePayment stores the acceptance's payment row. Each acceptance gets
// exactly one.
func (s *MemoryStore) CreatePayment(ctx context.Context, p *ConnectionPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.AcceptanceID]; ok {
		return ErrPaymentInFlight
	}
	cp := *p
	s.payments[p.AcceptanceID] = &cp
	return nil
}

// GetPaymentByAcceptance retrieves an acceptance's payment row.
func (s *MemoryStore) GetPaymentByAcceptance(ctx context.Context, acceptanceID string) (*ConnectionPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[acceptanceID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

// GetPaymentByKey retrieves the payment row whose charge carries the given
// idempotency key.
func (s *MemoryStore) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*ConnectionPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.IdempotencyKey == idempotencyKey {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

// UpdatePayment replaces an existing payment row.
func (s *MemoryStore) UpdatePayment(ctx context.Context, p *ConnectionPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.AcceptanceID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	s.payments[p.AcceptanceID] = &cp
	return nil
}

// CreateContactRelease stores the acceptance's one-time contact release.
func (s *MemoryStore) CreateContactRelease(ctx context.Context, r *ContactRelease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[r.AcceptanceID]; ok {
		return ErrContactAlreadyReleased
	}
	cp := *r
	cp.Fields = append([]string(nil), r.Fields...)
	s.releases[r.AcceptanceID] = &cp
	return nil
}

// GetContactRelease retrieves an acceptance's contact release.
func (s *MemoryStore) GetContactRelease(ctx context.Context, acceptanceID string) (*ContactRelease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.releases[acceptanceID]
	if !ok {
		return nil, ErrReleaseNotFound
	}
	// Copy the slice so callers cannot mutate the stored backing array.
	cp := *r
	cp.Fields = append([]string(nil), r.Fields...)
	return &cp, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

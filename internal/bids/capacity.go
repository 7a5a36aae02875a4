package bids

import (
	"context"
	"errors"
)

// ErrCardAtCapacity is returned when a card cannot take more active bids.
var ErrCardAtCapacity = errors.New("bid card is at capacity")

// CapacityPolicy decides whether a bid card can take another active bid.
// It is an explicit strategy consulted by the coordinator on submission and
// acceptance, not a storage-level trigger.
type CapacityPolicy interface {
	Admit(ctx context.Context, bidCardID string, activeCount int) error
}

// UnlimitedCapacity admits everything.
type UnlimitedCapacity struct{}

func (UnlimitedCapacity) Admit(context.Context, string, int) error { return nil }

// MaxActiveBids caps the number of active bids per card.
type MaxActiveBids struct {
	N int
}

func (m MaxActiveBids) Admit(_ context.Context, _ string, activeCount int) error {
	if activeCount >= m.N {
		return ErrCardAtCapacity
	}
	return nil
}

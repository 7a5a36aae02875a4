package ledger

import "github.com/shopspring/decimal"

// RebuildBalance replays entries oldest-first and returns the derived
// available and pending buckets. The entry log is the system of record; the
// account row is only a snapshot of this computation.
func RebuildBalance(entries []*Entry) (available, pending decimal.Decimal) {
	available, pending = decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch e.Kind {
		case KindDeposit:
			available = available.Add(e.Amount)
		case KindHold:
			available = available.Sub(e.Amount)
			pending = pending.Add(e.Amount)
		case KindRelease:
			pending = pending.Sub(e.Amount)
		case KindRefund:
			pending = pending.Sub(e.Amount)
			available = available.Add(e.Amount)
		case KindAdjustment:
			available = available.Add(e.Amount)
		}
	}
	return available, pending
}

// SumContributions returns the signed sum of all entries: deposits count
// positive, releases negative, holds and refunds zero (they move funds
// between buckets), adjustments carry their sign. For a consistent account
// this equals available + pending.
func SumContributions(entries []*Entry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		switch e.Kind {
		case KindDeposit:
			sum = sum.Add(e.Amount)
		case KindRelease:
			sum = sum.Sub(e.Amount)
		case KindAdjustment:
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

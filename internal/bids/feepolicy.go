package bids

import "github.com/shopspring/decimal"

// DefaultConnectionFee is the flat fee applied when no policy is configured.
var DefaultConnectionFee = decimal.NewFromInt(25)

// FeePolicy computes the connection fee owed when a bid is accepted. The
// method name is recorded on the acceptance so fees stay auditable after
// policy changes.
type FeePolicy interface {
	Fee(bid *Bid) decimal.Decimal
	Method() string
}

// FlatFee charges the same fee regardless of bid size.
type FlatFee struct {
	Amount decimal.Decimal
}

func (f FlatFee) Fee(*Bid) decimal.Decimal { return f.Amount }
func (f FlatFee) Method() string           { return "flat" }

// PercentageFee charges a percentage of the bid amount, clamped to the
// optional Min/Max bounds. A zero bound is ignored.
type PercentageFee struct {
	Percent decimal.Decimal // 5 means 5%
	Min     decimal.Decimal
	Max     decimal.Decimal
}

func (p PercentageFee) Fee(bid *Bid) decimal.Decimal {
	fee := bid.Amount.Mul(p.Percent).Div(decimal.NewFromInt(100)).Round(2)
	if p.Min.IsPositive() && fee.LessThan(p.Min) {
		fee = p.Min
	}
	if p.Max.IsPositive() && fee.GreaterThan(p.Max) {
		fee = p.Max
	}
	return fee
}

func (p PercentageFee) Method() string { return "percentage" }

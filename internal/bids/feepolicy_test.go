package bids

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFlatFee(t *testing.T) {
	policy := FlatFee{Amount: decimal.NewFromInt(25)}

	small := &Bid{Amount: decimal.NewFromInt(50)}
	large := &Bid{Amount: decimal.NewFromInt(50000)}

	if !policy.Fee(small).Equal(decimal.NewFromInt(25)) {
		t.Errorf("flat fee for small bid = %s, want 25", policy.Fee(small))
	}
	if !policy.Fee(large).Equal(decimal.NewFromInt(25)) {
		t.Errorf("flat fee for large bid = %s, want 25", policy.Fee(large))
	}
	if policy.Method() != "flat" {
		t.Errorf("method = %s, want flat", policy.Method())
	}
}

func TestPercentageFee(t *testing.T) {
	tests := []struct {
		name    string
		percent string
		min     int64
		max     int64
		bid     string
		want    string
	}{
		{"plain percentage", "2.5", 0, 0, "1000", "25"},
		{"rounds to cents", "2.5", 0, 0, "333.33", "8.33"},
		{"clamps to min", "2.5", 10, 0, "100", "10"},
		{"clamps to max", "2.5", 0, 100, "10000", "100"},
		{"within bounds untouched", "2.5", 10, 100, "2000", "50"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			policy := PercentageFee{
				Percent: decimal.RequireFromString(tc.percent),
				Min:     decimal.NewFromInt(tc.min),
				Max:     decimal.NewFromInt(tc.max),
			}
			bid := &Bid{Amount: decimal.RequireFromString(tc.bid)}
			got := policy.Fee(bid)
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("fee = %s, want %s", got, tc.want)
			}
		})
	}

	if (PercentageFee{}).Method() != "percentage" {
		t.Errorf("method = %s, want percentage", PercentageFee{}.Method())
	}
}

// Package money provides shared amount parsing, validation and formatting.
//
// Amounts are decimal.Decimal end to end; the payment processor boundary is
// the only place they are converted to integer minor units (cents).
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidCurrency   = errors.New("unsupported currency")
	ErrPrecisionExceeded = errors.New("amount exceeds currency precision")
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// DefaultCurrency is used when a request does not specify one.
const DefaultCurrency = "USD"

// minorDigits maps supported ISO currency codes to their minor-unit digits.
// All currently supported currencies use 2.
var minorDigits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
}

// ValidCurrency reports whether code is a supported ISO currency code.
func ValidCurrency(code string) bool {
	_, ok := minorDigits[strings.ToUpper(code)]
	return ok
}

// NormalizeCurrency upper-cases a currency code, defaulting empty to USD.
// Returns ErrInvalidCurrency for unsupported codes.
func NormalizeCurrency(code string) (string, error) {
	if code == "" {
		return DefaultCurrency, nil
	}
	c := strings.ToUpper(code)
	if !ValidCurrency(c) {
		return "", fmt.Errorf("%w: %s", ErrInvalidCurrency, code)
	}
	return c, nil
}

// Parse converts a decimal string (e.g. "25.00") into a positive amount.
//
// Rules:
//   - Empty strings and non-numeric input are rejected
//   - Zero and negative amounts are rejected
//   - More fractional digits than the currency's minor units are rejected
func Parse(s, currency string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Validate(d, currency)
}

// Validate checks an already-parsed amount against positivity and the
// currency's precision. Returns the amount unchanged on success.
func Validate(d decimal.Decimal, currency string) (decimal.Decimal, error) {
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrNonPositiveAmount
	}
	if d.Exponent() < -minorDigits[cur] {
		return decimal.Zero, fmt.Errorf("%w: %s has %d minor digits", ErrPrecisionExceeded, cur, minorDigits[cur])
	}
	return d, nil
}

// MinorUnits converts an amount to the currency's integer minor units
// ("1.50" USD -> 150). The processor boundary is the only caller.
func MinorUnits(d decimal.Decimal, currency string) (int64, error) {
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return 0, err
	}
	scaled := d.Shift(minorDigits[cur])
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrPrecisionExceeded, d)
	}
	return scaled.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to a decimal amount
// (150, "USD" -> "1.50").
func FromMinorUnits(n int64, currency string) (decimal.Decimal, error) {
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(n, -minorDigits[cur]), nil
}

// Format renders an amount with the currency's minor digits ("1.5" -> "1.50").
func Format(d decimal.Decimal, currency string) string {
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return d.String()
	}
	return d.StringFixed(minorDigits[cur])
}

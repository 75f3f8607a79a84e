// Package money provides shared monetary parsing and rounding utilities.
//
// All amounts are decimal.Decimal values with 2 decimal places of precision.
// The single rounding rule used everywhere fees and withholding are computed
// is round-half-up (0.005 rounds to 0.01). Amounts are never negative.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Places is the number of decimal places every persisted amount carries.
const Places = 2

// Zero is the zero amount.
func Zero() decimal.Decimal {
	return decimal.Zero
}

// Parse converts a decimal string (e.g. "75.00") to a non-negative amount
// rounded to 2 decimal places.
//
// Rules:
//   - Empty and non-numeric strings are rejected
//   - Negative amounts are rejected
//   - More than 2 decimal places are rejected (no silent truncation)
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Sign() < 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Exponent() < -Places {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(Places), nil
}

// MustParse is Parse for constants in tests and defaults; panics on bad input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: bad amount " + s)
	}
	return d
}

// Round2 rounds an amount to 2 decimal places, half up.
// decimal.Round rounds half away from zero; amounts here are non-negative,
// so this is exactly round-half-up.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// IsPositive reports whether the amount is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// Format renders an amount with exactly 2 decimal places (e.g. "75.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

package domain

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

const minorUnitExponent = 2

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount (e.g. "12.50" naira) to minor units.
// Amounts with more than two decimal places are rejected rather than rounded.
func ToMinorUnits(major decimal.Decimal) (int64, error) {
	minor := major.Mul(hundred)
	if !minor.IsInteger() {
		return 0, errors.New("amount has more than two decimal places")
	}
	if minor.GreaterThan(decimal.NewFromInt(1<<62)) || minor.LessThan(decimal.NewFromInt(-(1 << 62))) {
		return 0, errors.New("amount out of range")
	}
	return minor.IntPart(), nil
}

// FromMinorUnits returns the major-unit decimal for a minor-unit amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorUnitExponent)
}

// FormatMinorUnits renders minor units as a fixed two-place major-unit string.
func FormatMinorUnits(minor int64) string {
	return FromMinorUnits(minor).StringFixed(minorUnitExponent)
}

// NormalizeCurrency upper-cases a currency code, falling back to def when blank.
func NormalizeCurrency(code, def string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return strings.ToUpper(strings.TrimSpace(def))
	}
	return code
}

// Package money converts between application amounts expressed in major units
// and the integer minor units processors expect on the wire.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	hundred  = decimal.NewFromInt(100)
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// ErrAmountOutOfRange is returned when an amount has no int64 minor unit form.
var ErrAmountOutOfRange = errors.New("money: amount out of minor unit range")

// Money is an amount in major units paired with an ISO 4217 currency code.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// New builds a Money value, normalising the currency code.
func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: Normalize(currency)}
}

// Parse builds a Money value from a decimal string such as "19.99".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return New(d, currency), nil
}

// FromMinor builds a Money value from processor minor units.
func FromMinor(minor int64, currency string) Money {
	return New(FromMinorUnits(minor, currency), currency)
}

// Minor returns the amount in processor minor units.
func (m Money) Minor() int64 {
	return ToMinorUnits(m.Amount, m.Currency)
}

// MinorChecked is Minor with ErrAmountOutOfRange instead of saturation.
func (m Money) MinorChecked() (int64, error) {
	return ToMinorUnitsChecked(m.Amount, m.Currency)
}

// Equal compares amount numerically and currency case-insensitively.
func (m Money) Equal(other Money) bool {
	return Normalize(m.Currency) == Normalize(other.Currency) && m.Amount.Equal(other.Amount)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

func (m Money) String() string {
	if IsZeroDecimal(m.Currency) {
		return m.Amount.Truncate(0).String() + " " + Normalize(m.Currency)
	}
	return m.Amount.StringFixed(2) + " " + Normalize(m.Currency)
}

// ToMinorUnits converts a major unit amount into minor units. Sub-minor
// fractions are truncated toward zero, so 19.999 USD yields 1999. Amounts
// beyond the int64 range saturate; use ToMinorUnitsChecked for input that
// has not been range checked.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return DefaultTable().ToMinorUnits(amount, currency)
}

// ToMinorUnitsChecked converts like ToMinorUnits and returns
// ErrAmountOutOfRange when the result does not fit in an int64.
func ToMinorUnitsChecked(amount decimal.Decimal, currency string) (int64, error) {
	return DefaultTable().ToMinorUnitsChecked(amount, currency)
}

// FromMinorUnits converts processor minor units back to a major unit amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return DefaultTable().FromMinorUnits(minor, currency)
}

// ToMinorUnits converts using this table's zero-decimal set.
func (t *Table) ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	minor, err := t.ToMinorUnitsChecked(amount, currency)
	switch {
	case err == nil:
		return minor
	case amount.IsNegative():
		return math.MinInt64
	default:
		return math.MaxInt64
	}
}

// ToMinorUnitsChecked converts using this table's zero-decimal set.
func (t *Table) ToMinorUnitsChecked(amount decimal.Decimal, currency string) (int64, error) {
	minor := amount.Mul(hundred).Truncate(0)
	if t.IsZeroDecimal(currency) {
		minor = amount.Truncate(0)
	}
	if minor.GreaterThan(maxInt64) || minor.LessThan(minInt64) {
		return 0, fmt.Errorf("%w: %s %s", ErrAmountOutOfRange, amount.String(), Normalize(currency))
	}
	return minor.IntPart(), nil
}

// FromMinorUnits converts using this table's zero-decimal set.
func (t *Table) FromMinorUnits(minor int64, currency string) decimal.Decimal {
	if t.IsZeroDecimal(currency) {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}

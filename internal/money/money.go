// Package money provides decimal arithmetic for ledger amounts.
//
// Amounts are held as shopspring decimals and rounded to 8 fractional
// digits, matching the NUMERIC(20,8) columns in Postgres.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale is the fractional precision of all stored amounts.
const Scale = 8

var ErrInvalidAmount = errors.New("money: invalid amount")

// Parse converts a string amount into a decimal, rejecting negatives.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(Scale), nil
}

// SplitCommission divides gross into (payeeAmount, platformFee) for the
// given commission rate (e.g. 0.10 for 10%). The fee is rounded to Scale
// and the payee amount is the exact remainder, so fee + payee == gross.
func SplitCommission(gross decimal.Decimal, rate decimal.Decimal) (payee, fee decimal.Decimal) {
	fee = gross.Mul(rate).Round(Scale)
	payee = gross.Sub(fee)
	return payee, fee
}

// Convert applies an exchange rate to an amount, rounding to Scale.
func Convert(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(Scale)
}

// Package fees derives the fee and net payout for a liquidation.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the currency minor-unit precision every amount is rounded to.
const Places = 2

// ErrInvalidAmount is returned for a non-positive gross, out-of-range fee inputs,
// or a negative net.
var ErrInvalidAmount = errors.New("invalid amount")

// Breakdown is the result of Compute.
type Breakdown struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

// Round applies the single rounding rule (half-even to cents) used for every
// persisted amount.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Places)
}

// Compute returns net = gross - flat - gross*pct rounded half-even, and fee as
// the remainder so net + fee == gross. pct is a fraction (0.03 for 3%).
func Compute(gross, pct, flat decimal.Decimal) (Breakdown, error) {
	if !gross.IsPositive() {
		return Breakdown{}, fmt.Errorf("%w: gross %s must be > 0", ErrInvalidAmount, gross)
	}
	if pct.IsNegative() || pct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Breakdown{}, fmt.Errorf("%w: fee percentage %s outside [0,1)", ErrInvalidAmount, pct)
	}
	if flat.IsNegative() {
		return Breakdown{}, fmt.Errorf("%w: flat fee %s is negative", ErrInvalidAmount, flat)
	}

	g := Round(gross)
	raw := g.Sub(flat).Sub(g.Mul(pct))
	if raw.IsNegative() {
		return Breakdown{}, fmt.Errorf("%w: net %s below zero", ErrInvalidAmount, raw)
	}
	net := Round(raw)
	return Breakdown{Gross: g, Fee: g.Sub(net), Net: net}, nil
}

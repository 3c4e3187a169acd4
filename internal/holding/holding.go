// Package holding implements the minimum-holding eligibility floor for
// the wager subsystem: a player must already hold a fixed fraction of an
// escrow's claim-token supply before any wager transfer occurs. This is
// an anti-abuse floor, not a stake-sizing rule.
package holding

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrBelowFloor is returned when the player's balance is under the
// required fraction of the token supply.
var ErrBelowFloor = errors.New("holding: balance below required supply fraction")

// Checker validates holding floors. The comparison cross-multiplies in
// decimal, so it is exact at the boundary (no division rounding) and
// supply-scale products cannot wrap uint64.
type Checker struct {
	num, den decimal.Decimal
}

// NewChecker creates a checker requiring num/den of the supply.
func NewChecker(num, den int64) *Checker {
	return &Checker{
		num: decimal.NewFromInt(num),
		den: decimal.NewFromInt(den),
	}
}

// Check reports whether balance covers the required fraction of supply:
// balance × den ≥ supply × num. A zero supply never passes.
func (c *Checker) Check(balance, supply uint64) error {
	if supply == 0 {
		return ErrBelowFloor
	}
	have := decimal.NewFromUint64(balance).Mul(c.den)
	need := decimal.NewFromUint64(supply).Mul(c.num)
	if have.LessThan(need) {
		return ErrBelowFloor
	}
	return nil
}

// MinFraction returns the required share of supply, for reporting.
func (c *Checker) MinFraction() decimal.Decimal {
	return c.num.Div(c.den)
}

// Fraction returns balance/supply as a decimal, for reporting.
func (c *Checker) Fraction(balance, supply uint64) decimal.Decimal {
	if supply == 0 {
		return decimal.Zero
	}
	return decimal.NewFromUint64(balance).Div(decimal.NewFromUint64(supply))
}

package state

import (
	"errors"

	"PerpVamm/internal/fixed"
)

// ErrOverOpenInterestCap is returned when an increase would push an
// exchange's open-interest notional past its cap.
var ErrOverOpenInterestCap = errors.New("over limit")

// OpenInterest tracks the summed absolute notional of all open positions per
// exchange, plus the whitelist of addresses exempt from cap checks.
type OpenInterest struct {
	notional  map[string]fixed.Decimal
	whitelist map[string]bool
}

func NewOpenInterest() *OpenInterest {
	return &OpenInterest{
		notional:  make(map[string]fixed.Decimal),
		whitelist: make(map[string]bool),
	}
}

// Total returns the current open-interest notional for an exchange.
func (oi *OpenInterest) Total(exchange string) fixed.Decimal {
	return oi.notional[exchange]
}

// Increase adds notional. The cap is enforced only here, never on decrease;
// cap 0 means unlimited and whitelisted traders are exempt.
func (oi *OpenInterest) Increase(exchange, trader string, amount, cap fixed.Decimal) error {
	next := oi.notional[exchange].Add(amount)
	if cap.Sign() > 0 && !oi.whitelist[trader] && next.GT(cap) {
		return ErrOverOpenInterestCap
	}
	oi.notional[exchange] = next
	return nil
}

// Decrease removes notional, flooring at zero so rounding drift on closes
// can never drive the total negative.
func (oi *OpenInterest) Decrease(exchange string, amount fixed.Decimal) {
	next := oi.notional[exchange].Sub(amount)
	if next.Sign() < 0 {
		next = fixed.Zero()
	}
	oi.notional[exchange] = next
}

// Restore sets the total directly, for snapshot recovery.
func (oi *OpenInterest) Restore(exchange string, total fixed.Decimal) {
	oi.notional[exchange] = total
}

// Totals copies every exchange's current total, for snapshots.
func (oi *OpenInterest) Totals() map[string]fixed.Decimal {
	out := make(map[string]fixed.Decimal, len(oi.notional))
	for k, v := range oi.notional {
		out[k] = v
	}
	return out
}

func (oi *OpenInterest) SetWhitelisted(trader string, whitelisted bool) {
	if whitelisted {
		oi.whitelist[trader] = true
	} else {
		delete(oi.whitelist, trader)
	}
}

// IsWhitelisted reports whether a trader is exempt from the open-interest
// and position-size caps.
func (oi *OpenInterest) IsWhitelisted(trader string) bool {
	return oi.whitelist[trader]
}

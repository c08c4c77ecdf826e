// Package state stores per-trader positions, per-exchange open-interest
// accounting and the per-block action marks backing the front-run guard.
package state

import (
	"PerpVamm/internal/fixed"
)

var zero fixed.Decimal

// Position is one trader's position on one exchange. Size is the base-asset
// amount, positive for long and negative for short. A closed position is
// zeroed in place, never deleted, so Size == 0 implies Margin == 0 and
// OpenNotional == 0.
type Position struct {
	Size         fixed.Decimal
	Margin       fixed.Decimal
	OpenNotional fixed.Decimal

	// Cumulative stamps for lazy funding / overnight-fee settlement: the
	// deltas against the exchange-level cumulative series are realized the
	// next time the position is touched.
	LastUpdatedCumulativePremiumFraction  fixed.Decimal
	LastUpdatedCumulativeOvernightFeeRate fixed.Decimal

	// LiquidityHistoryIndex points at the liquidity-changed snapshot the
	// position was last sized against.
	LiquidityHistoryIndex int

	// BlockNumber is the height of the last action touching the position.
	BlockNumber int64
}

// IsEmpty reports whether the position is closed.
func (p Position) IsEmpty() bool {
	return p.Size.IsZero()
}

// IsLong reports the side; meaningless for an empty position.
func (p Position) IsLong() bool {
	return p.Size.Sign() > 0
}

// CanonicalBytes returns a deterministic serialization used for state
// hashing.
func (p Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = appendDecimal(buf, p.Size)
	buf = appendDecimal(buf, p.Margin)
	buf = appendDecimal(buf, p.OpenNotional)
	buf = appendDecimal(buf, p.LastUpdatedCumulativePremiumFraction)
	buf = appendDecimal(buf, p.LastUpdatedCumulativeOvernightFeeRate)
	buf = appendInt64LE(buf, int64(p.LiquidityHistoryIndex))
	buf = appendInt64LE(buf, p.BlockNumber)
	return buf
}

func appendDecimal(buf []byte, d fixed.Decimal) []byte {
	s := d.String()
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

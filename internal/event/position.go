package event

import (
	"PerpVamm/internal/fixed"
)

// Side represents position direction.
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// PositionChanged is emitted by every operation that alters a position:
// open, close, reverse, liquidation close and settlement all report through
// the same field set, and test scenarios assert these values exactly.
type PositionChanged struct {
	Key      string `json:"key"` // source command idempotency key
	Trader   string `json:"trader"`
	Exchange string `json:"exchange"`

	Margin                fixed.Decimal `json:"margin"`
	PositionNotional      fixed.Decimal `json:"position_notional"`
	ExchangedPositionSize fixed.Decimal `json:"exchanged_position_size"`
	Fee                   fixed.Decimal `json:"fee"`
	PositionSizeAfter     fixed.Decimal `json:"position_size_after"`
	RealizedPnl           fixed.Decimal `json:"realized_pnl"`
	UnrealizedPnlAfter    fixed.Decimal `json:"unrealized_pnl_after"`
	BadDebt               fixed.Decimal `json:"bad_debt"`
	FundingPayment        fixed.Decimal `json:"funding_payment"`
	OvernightPayment      fixed.Decimal `json:"overnight_payment"`
	LiquidationPenalty    fixed.Decimal `json:"liquidation_penalty"`
	SpotPrice             fixed.Decimal `json:"spot_price"`
}

func (e *PositionChanged) IdempotencyKey() string { return e.Key }
func (e *PositionChanged) EventType() EventType   { return EventTypePositionChanged }
func (e *PositionChanged) ExchangeID() *string    { x := e.Exchange; return &x }

// MarginChanged is emitted by addMargin / removeMargin. Amount is signed:
// positive for margin added, negative for removed. FundingPayment and
// OvernightPayment are the amounts realized while settling the position's
// pending accruals.
type MarginChanged struct {
	Key      string `json:"key"`
	Trader   string `json:"trader"`
	Exchange string `json:"exchange"`

	Amount           fixed.Decimal `json:"amount"`
	FundingPayment   fixed.Decimal `json:"funding_payment"`
	OvernightPayment fixed.Decimal `json:"overnight_payment"`
}

func (e *MarginChanged) IdempotencyKey() string { return e.Key }
func (e *MarginChanged) EventType() EventType   { return EventTypeMarginChanged }
func (e *MarginChanged) ExchangeID() *string    { x := e.Exchange; return &x }

// PositionSettled is emitted when a position on a shut-down exchange is
// settled at the fixed settlement price.
type PositionSettled struct {
	Key      string `json:"key"`
	Trader   string `json:"trader"`
	Exchange string `json:"exchange"`

	ValueTransferred fixed.Decimal `json:"value_transferred"`
	SettlementPrice  fixed.Decimal `json:"settlement_price"`
}

func (e *PositionSettled) IdempotencyKey() string { return e.Key }
func (e *PositionSettled) EventType() EventType   { return EventTypePositionSettled }
func (e *PositionSettled) ExchangeID() *string    { x := e.Exchange; return &x }

// PositionAdjusted is emitted when a stale position is re-based onto the
// post-migration curve.
type PositionAdjusted struct {
	Key      string `json:"key"`
	Trader   string `json:"trader"`
	Exchange string `json:"exchange"`

	NewPositionSize   fixed.Decimal `json:"new_position_size"`
	OldLiquidityIndex int           `json:"old_liquidity_index"`
	NewLiquidityIndex int           `json:"new_liquidity_index"`
}

func (e *PositionAdjusted) IdempotencyKey() string { return e.Key }
func (e *PositionAdjusted) EventType() EventType   { return EventTypePositionAdjusted }
func (e *PositionAdjusted) ExchangeID() *string    { x := e.Exchange; return &x }

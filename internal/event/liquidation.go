package event

import (
	"PerpVamm/internal/fixed"
)

// PositionLiquidated is emitted alongside PositionChanged when a position is
// forcibly closed.
type PositionLiquidated struct {
	Key        string `json:"key"`
	Trader     string `json:"trader"`
	Exchange   string `json:"exchange"`
	Liquidator string `json:"liquidator"`

	PositionNotional   fixed.Decimal `json:"position_notional"`
	PositionSize       fixed.Decimal `json:"position_size"`
	LiquidationFee     fixed.Decimal `json:"liquidation_fee"`
	BadDebt            fixed.Decimal `json:"bad_debt"`
	MarginRatio        fixed.Decimal `json:"margin_ratio"`
	MaintenanceMargin  fixed.Decimal `json:"maintenance_margin"`
	InsuranceFundDebit fixed.Decimal `json:"insurance_fund_debit"`
}

func (e *PositionLiquidated) IdempotencyKey() string { return e.Key }
func (e *PositionLiquidated) EventType() EventType   { return EventTypePositionLiquidated }
func (e *PositionLiquidated) ExchangeID() *string    { x := e.Exchange; return &x }

package event

import (
	"fmt"

	"PerpVamm/internal/fixed"
)

// FundingSettled is emitted once per funding period per exchange.
// Idempotency key: "{exchange}:funding:{next_funding_time}".
type FundingSettled struct {
	Exchange string `json:"exchange"`

	PremiumFraction fixed.Decimal `json:"premium_fraction"`
	MarkTwap        fixed.Decimal `json:"mark_twap"`
	IndexTwap       fixed.Decimal `json:"index_twap"`
	SettledAt       int64         `json:"settled_at"`
}

func (e *FundingSettled) IdempotencyKey() string {
	return fmt.Sprintf("%s:funding:%d", e.Exchange, e.SettledAt)
}

func (e *FundingSettled) EventType() EventType { return EventTypeFundingSettled }
func (e *FundingSettled) ExchangeID() *string  { x := e.Exchange; return &x }

// OvernightFeeSettled is emitted once per overnight-fee period per exchange.
// Idempotency key: "{exchange}:overnight:{settled_at}".
type OvernightFeeSettled struct {
	Exchange string `json:"exchange"`

	Rate              fixed.Decimal `json:"rate"`
	TotalOpenNotional fixed.Decimal `json:"total_open_notional"`
	TotalFee          fixed.Decimal `json:"total_fee"`
	LpShare           fixed.Decimal `json:"lp_share"`
	InsuranceShare    fixed.Decimal `json:"insurance_share"`
	SettledAt         int64         `json:"settled_at"`
}

func (e *OvernightFeeSettled) IdempotencyKey() string {
	return fmt.Sprintf("%s:overnight:%d", e.Exchange, e.SettledAt)
}

func (e *OvernightFeeSettled) EventType() EventType { return EventTypeOvernightFeeSettled }
func (e *OvernightFeeSettled) ExchangeID() *string  { x := e.Exchange; return &x }

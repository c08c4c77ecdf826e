package event

import (
	"fmt"

	"PerpVamm/internal/fixed"
)

// LiquidityMigrated is emitted when an exchange's reserves are rescaled.
// Idempotency key: "{exchange}:migration:{liquidity_index}".
type LiquidityMigrated struct {
	Exchange string `json:"exchange"`

	LiquidityIndex     int           `json:"liquidity_index"`
	BaseMultiplier     fixed.Decimal `json:"base_multiplier"`
	QuoteMultiplier    fixed.Decimal `json:"quote_multiplier"`
	QuoteReserve       fixed.Decimal `json:"quote_reserve"`
	BaseReserve        fixed.Decimal `json:"base_reserve"`
	TotalPositionSize  fixed.Decimal `json:"total_position_size"`
	CumulativeNotional fixed.Decimal `json:"cumulative_notional"`
}

func (e *LiquidityMigrated) IdempotencyKey() string {
	return fmt.Sprintf("%s:migration:%d", e.Exchange, e.LiquidityIndex)
}

func (e *LiquidityMigrated) EventType() EventType { return EventTypeLiquidityMigrated }
func (e *LiquidityMigrated) ExchangeID() *string  { x := e.Exchange; return &x }

// ExchangeShutdown is emitted when an exchange is closed for good.
// Idempotency key: "{exchange}:shutdown".
type ExchangeShutdown struct {
	Exchange string `json:"exchange"`

	SettlementPrice fixed.Decimal `json:"settlement_price"`
}

func (e *ExchangeShutdown) IdempotencyKey() string {
	return fmt.Sprintf("%s:shutdown", e.Exchange)
}

func (e *ExchangeShutdown) EventType() EventType { return EventTypeExchangeShutdown }
func (e *ExchangeShutdown) ExchangeID() *string  { x := e.Exchange; return &x }

package vamm

import (
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/oracle"
)

// Snapshot is the serializable form of an Exchange, used by the persistence
// layer for warm restarts. The price feed handle is re-attached on restore.
type Snapshot struct {
	QuoteReserve          fixed.Decimal              `json:"quote_reserve"`
	BaseReserve           fixed.Decimal              `json:"base_reserve"`
	TradeLimitRatio       fixed.Decimal              `json:"trade_limit_ratio"`
	FluctuationLimitRatio fixed.Decimal              `json:"fluctuation_limit_ratio"`
	SpotPriceTwapInterval int64                      `json:"spot_price_twap_interval"`
	FundingPeriod         int64                      `json:"funding_period"`
	NextFundingTime       int64                      `json:"next_funding_time"`
	PriceFeedKey          string                     `json:"price_feed_key"`
	Open                  bool                       `json:"open"`
	SettlementPrice       fixed.Decimal              `json:"settlement_price"`
	CumulativeNotional    fixed.Decimal              `json:"cumulative_notional"`
	TotalPositionSize     fixed.Decimal              `json:"total_position_size"`
	ReserveSnapshots      []ReserveSnapshot          `json:"reserve_snapshots"`
	LiquiditySnapshots    []LiquidityChangedSnapshot `json:"liquidity_snapshots"`
}

// Snapshot captures the full exchange state.
func (e *Exchange) Snapshot() Snapshot {
	rs := make([]ReserveSnapshot, len(e.reserveSnapshots))
	copy(rs, e.reserveSnapshots)
	ls := make([]LiquidityChangedSnapshot, len(e.liquiditySnapshots))
	copy(ls, e.liquiditySnapshots)

	return Snapshot{
		QuoteReserve:          e.quoteReserve,
		BaseReserve:           e.baseReserve,
		TradeLimitRatio:       e.tradeLimitRatio,
		FluctuationLimitRatio: e.fluctuationLimitRatio,
		SpotPriceTwapInterval: e.spotPriceTwapInterval,
		FundingPeriod:         e.fundingPeriod,
		NextFundingTime:       e.nextFundingTime,
		PriceFeedKey:          e.priceFeedKey,
		Open:                  e.open,
		SettlementPrice:       e.settlementPrice,
		CumulativeNotional:    e.cumulativeNotional,
		TotalPositionSize:     e.totalPositionSize,
		ReserveSnapshots:      rs,
		LiquiditySnapshots:    ls,
	}
}

// RestoreExchange rebuilds an Exchange from a snapshot with a live feed.
func RestoreExchange(s Snapshot, feed oracle.PriceFeed) *Exchange {
	e := &Exchange{
		quoteReserve:          s.QuoteReserve,
		baseReserve:           s.BaseReserve,
		tradeLimitRatio:       s.TradeLimitRatio,
		fluctuationLimitRatio: s.FluctuationLimitRatio,
		spotPriceTwapInterval: s.SpotPriceTwapInterval,
		fundingPeriod:         s.FundingPeriod,
		fundingBufferPeriod:   s.FundingPeriod / 2,
		nextFundingTime:       s.NextFundingTime,
		priceFeedKey:          s.PriceFeedKey,
		priceFeed:             feed,
		open:                  s.Open,
		settlementPrice:       s.SettlementPrice,
		cumulativeNotional:    s.CumulativeNotional,
		totalPositionSize:     s.TotalPositionSize,
	}
	e.reserveSnapshots = append(e.reserveSnapshots, s.ReserveSnapshots...)
	e.liquiditySnapshots = append(e.liquiditySnapshots, s.LiquiditySnapshots...)
	return e
}

// Package vamm implements the virtual constant-product exchange. Reserves are
// notional only — no assets sit in the pool — but every swap preserves
// quote*base = k exactly, and every rounding on an indivisible quotient goes
// in the pool's favor by one wei.
package vamm

import (
	"errors"
	"fmt"

	"PerpVamm/internal/fixed"
	"PerpVamm/internal/oracle"
)

// Direction describes which side of the pool an amount is applied to.
type Direction int

const (
	// AddToAmm adds the asset to its reserve (e.g. quote in on a long open).
	AddToAmm Direction = iota
	// RemoveFromAmm removes the asset from its reserve.
	RemoveFromAmm
)

// Block carries the versioned height/time input for a state transition.
// The engine never reads the wall clock.
type Block struct {
	Height int64
	Time   int64 // unix seconds
}

var (
	ErrExchangeClosed        = errors.New("exchange was closed")
	ErrOverFluctuationLimit  = errors.New("price is over fluctuation limit")
	ErrAlreadyOverLimit      = errors.New("price is already over fluctuation limit")
	ErrQuoteAfterZero        = errors.New("quote asset after is 0")
	ErrBaseAfterZero         = errors.New("base asset after is 0")
	ErrOverTradingLimit      = errors.New("over trading limit")
	ErrZeroInterval          = errors.New("interval can't be 0")
	ErrSettleFundingTooEarly = errors.New("settle funding too early")
	ErrIllegalMultiplier     = errors.New("illegal liquidity multiplier")
	ErrMultiplierIsOne       = errors.New("multiplier can't be 1")
	ErrLessThanMinBase       = errors.New("Less than minimal base token")
	ErrMoreThanMaxBase       = errors.New("More than maximal base token")
	ErrLessThanMinQuote      = errors.New("Less than minimal quote token")
	ErrMoreThanMaxQuote      = errors.New("More than maximal quote token")
)

// ReserveSnapshot records the pool at the end of a block. At most one
// snapshot exists per block; trades within a block overwrite it.
type ReserveSnapshot struct {
	QuoteReserve fixed.Decimal `json:"quote_reserve"`
	BaseReserve  fixed.Decimal `json:"base_reserve"`
	Timestamp    int64         `json:"timestamp"`
	BlockHeight  int64         `json:"block_height"`
}

// LiquidityChangedSnapshot records the pool after a liquidity migration.
// Positions carry an index into this history and are re-based lazily when
// their index falls behind.
type LiquidityChangedSnapshot struct {
	CumulativeNotional fixed.Decimal `json:"cumulative_notional"`
	QuoteReserve       fixed.Decimal `json:"quote_reserve"`
	BaseReserve        fixed.Decimal `json:"base_reserve"`
	TotalPositionSize  fixed.Decimal `json:"total_position_size"`
}

// FundingSettlement is the result of one funding-period settlement.
type FundingSettlement struct {
	PremiumFraction fixed.Decimal
	MarkTwap        fixed.Decimal
	IndexTwap       fixed.Decimal
}

// Config holds the immutable-at-creation exchange parameters.
type Config struct {
	QuoteReserve          fixed.Decimal
	BaseReserve           fixed.Decimal
	TradeLimitRatio       fixed.Decimal // max fraction of a reserve removable per trade
	FluctuationLimitRatio fixed.Decimal // zero disables the per-block price band
	SpotPriceTwapInterval int64         // seconds
	FundingPeriod         int64         // seconds
	PriceFeedKey          string
	PriceFeed             oracle.PriceFeed
	GenesisBlock          Block
}

// Exchange is one virtual market. It is owned by the single-threaded clearing
// house; no internal locking.
type Exchange struct {
	quoteReserve fixed.Decimal
	baseReserve  fixed.Decimal

	tradeLimitRatio       fixed.Decimal
	fluctuationLimitRatio fixed.Decimal
	spotPriceTwapInterval int64

	fundingPeriod       int64
	fundingBufferPeriod int64
	nextFundingTime     int64

	priceFeedKey string
	priceFeed    oracle.PriceFeed

	open            bool
	settlementPrice fixed.Decimal

	// Signed running totals since the last liquidity migration.
	cumulativeNotional fixed.Decimal
	totalPositionSize  fixed.Decimal

	reserveSnapshots   []ReserveSnapshot
	liquiditySnapshots []LiquidityChangedSnapshot
}

// NewExchange creates an open exchange and seeds both snapshot histories.
func NewExchange(cfg Config) (*Exchange, error) {
	if cfg.QuoteReserve.Sign() <= 0 || cfg.BaseReserve.Sign() <= 0 {
		return nil, fmt.Errorf("reserves must be positive")
	}
	if cfg.FundingPeriod <= 0 {
		return nil, fmt.Errorf("funding period must be positive")
	}
	if cfg.PriceFeed == nil {
		return nil, fmt.Errorf("price feed is required")
	}

	e := &Exchange{
		quoteReserve:          cfg.QuoteReserve,
		baseReserve:           cfg.BaseReserve,
		tradeLimitRatio:       cfg.TradeLimitRatio,
		fluctuationLimitRatio: cfg.FluctuationLimitRatio,
		spotPriceTwapInterval: cfg.SpotPriceTwapInterval,
		fundingPeriod:         cfg.FundingPeriod,
		fundingBufferPeriod:   cfg.FundingPeriod / 2,
		nextFundingTime:       nextFundingOnHour(cfg.GenesisBlock.Time, cfg.FundingPeriod),
		priceFeedKey:          cfg.PriceFeedKey,
		priceFeed:             cfg.PriceFeed,
		open:                  true,
		cumulativeNotional:    fixed.Zero(),
		totalPositionSize:     fixed.Zero(),
		settlementPrice:       fixed.Zero(),
	}

	e.reserveSnapshots = append(e.reserveSnapshots, ReserveSnapshot{
		QuoteReserve: e.quoteReserve,
		BaseReserve:  e.baseReserve,
		Timestamp:    cfg.GenesisBlock.Time,
		BlockHeight:  cfg.GenesisBlock.Height,
	})
	e.liquiditySnapshots = append(e.liquiditySnapshots, LiquidityChangedSnapshot{
		CumulativeNotional: fixed.Zero(),
		QuoteReserve:       e.quoteReserve,
		BaseReserve:        e.baseReserve,
		TotalPositionSize:  fixed.Zero(),
	})
	return e, nil
}

func nextFundingOnHour(now, fundingPeriod int64) int64 {
	return (now + fundingPeriod) / 3600 * 3600
}

// --- accessors ---

func (e *Exchange) Open() bool                          { return e.open }
func (e *Exchange) QuoteReserve() fixed.Decimal         { return e.quoteReserve }
func (e *Exchange) BaseReserve() fixed.Decimal          { return e.baseReserve }
func (e *Exchange) SettlementPrice() fixed.Decimal      { return e.settlementPrice }
func (e *Exchange) CumulativeNotional() fixed.Decimal   { return e.cumulativeNotional }
func (e *Exchange) TotalPositionSize() fixed.Decimal    { return e.totalPositionSize }
func (e *Exchange) NextFundingTime() int64              { return e.nextFundingTime }
func (e *Exchange) FundingPeriod() int64                { return e.fundingPeriod }
func (e *Exchange) SpotPriceTwapInterval() int64        { return e.spotPriceTwapInterval }
func (e *Exchange) PriceFeedKey() string                { return e.priceFeedKey }
func (e *Exchange) LiquidityHistoryLength() int         { return len(e.liquiditySnapshots) }
func (e *Exchange) LatestLiquidityIndex() int           { return len(e.liquiditySnapshots) - 1 }
func (e *Exchange) ReserveSnapshotCount() int           { return len(e.reserveSnapshots) }
func (e *Exchange) FluctuationLimitRatio() fixed.Decimal { return e.fluctuationLimitRatio }

// LiquiditySnapshot returns the migration snapshot at index i.
func (e *Exchange) LiquiditySnapshot(i int) (LiquidityChangedSnapshot, error) {
	if i < 0 || i >= len(e.liquiditySnapshots) {
		return LiquidityChangedSnapshot{}, fmt.Errorf("liquidity snapshot index %d out of range", i)
	}
	return e.liquiditySnapshots[i], nil
}

// SpotPrice returns quote/base at the current reserves.
func (e *Exchange) SpotPrice() fixed.Decimal {
	return e.quoteReserve.DivD(e.baseReserve)
}

// UnderlyingPrice returns the oracle spot price for this market.
func (e *Exchange) UnderlyingPrice() (fixed.Decimal, error) {
	return e.priceFeed.GetPrice(e.priceFeedKey)
}

// UnderlyingTwapPrice returns the oracle TWAP over interval seconds.
func (e *Exchange) UnderlyingTwapPrice(interval int64) (fixed.Decimal, error) {
	return e.priceFeed.GetTwapPrice(e.priceFeedKey, interval)
}

// --- pricing ---

// GetInputPriceWithReserves computes the base amount swapped for quoteAmount
// against the supplied reserves without touching state. On an indivisible
// quotient the trader receives one wei less (quote in) or owes one wei more
// (quote out).
func GetInputPriceWithReserves(dir Direction, quoteAmount, quoteReserve, baseReserve fixed.Decimal) (fixed.Decimal, error) {
	if quoteAmount.IsZero() {
		return fixed.Zero(), nil
	}

	invariant := quoteReserve.MulD(baseReserve)

	var quoteAfter fixed.Decimal
	if dir == AddToAmm {
		quoteAfter = quoteReserve.Add(quoteAmount)
	} else {
		quoteAfter = quoteReserve.Sub(quoteAmount)
	}
	if quoteAfter.Sign() <= 0 {
		return fixed.Decimal{}, ErrQuoteAfterZero
	}

	baseAfter := invariant.DivD(quoteAfter)
	baseBought := baseAfter.Sub(baseReserve).Abs()

	if !invariant.ModD(quoteAfter).IsZero() {
		if dir == AddToAmm {
			baseBought = baseBought.AddWei(-1)
		} else {
			baseBought = baseBought.AddWei(1)
		}
	}
	return baseBought, nil
}

// GetOutputPriceWithReserves computes the quote amount swapped for baseAmount
// against the supplied reserves without touching state.
func GetOutputPriceWithReserves(dir Direction, baseAmount, quoteReserve, baseReserve fixed.Decimal) (fixed.Decimal, error) {
	if baseAmount.IsZero() {
		return fixed.Zero(), nil
	}

	invariant := quoteReserve.MulD(baseReserve)

	var baseAfter fixed.Decimal
	if dir == AddToAmm {
		baseAfter = baseReserve.Add(baseAmount)
	} else {
		baseAfter = baseReserve.Sub(baseAmount)
	}
	if baseAfter.Sign() <= 0 {
		return fixed.Decimal{}, ErrBaseAfterZero
	}

	quoteAfter := invariant.DivD(baseAfter)
	quoteSold := quoteAfter.Sub(quoteReserve).Abs()

	if !invariant.ModD(baseAfter).IsZero() {
		if dir == AddToAmm {
			quoteSold = quoteSold.AddWei(-1)
		} else {
			quoteSold = quoteSold.AddWei(1)
		}
	}
	return quoteSold, nil
}

// GetInputPrice prices quoteAmount against the live reserves.
func (e *Exchange) GetInputPrice(dir Direction, quoteAmount fixed.Decimal) (fixed.Decimal, error) {
	return GetInputPriceWithReserves(dir, quoteAmount, e.quoteReserve, e.baseReserve)
}

// GetOutputPrice prices baseAmount against the live reserves.
func (e *Exchange) GetOutputPrice(dir Direction, baseAmount fixed.Decimal) (fixed.Decimal, error) {
	return GetOutputPriceWithReserves(dir, baseAmount, e.quoteReserve, e.baseReserve)
}

// --- swaps ---

// SwapInput trades quoteAmount of quote asset against the pool and returns
// the base amount. baseLimit bounds slippage: minimum base out when adding
// quote, maximum base in when removing. Zero disables the bound.
func (e *Exchange) SwapInput(dirOfQuote Direction, quoteAmount, baseLimit fixed.Decimal, canOverFluctuationLimit bool, b Block) (fixed.Decimal, error) {
	if !e.open {
		return fixed.Decimal{}, ErrExchangeClosed
	}
	if quoteAmount.IsZero() {
		return fixed.Zero(), nil
	}
	if dirOfQuote == RemoveFromAmm && !e.tradeLimitRatio.IsZero() {
		if e.quoteReserve.MulD(e.tradeLimitRatio).LT(quoteAmount) {
			return fixed.Decimal{}, ErrOverTradingLimit
		}
	}

	baseAmount, err := e.GetInputPrice(dirOfQuote, quoteAmount)
	if err != nil {
		return fixed.Decimal{}, err
	}

	if !baseLimit.IsZero() {
		if dirOfQuote == AddToAmm && baseAmount.LT(baseLimit) {
			return fixed.Decimal{}, ErrLessThanMinBase
		}
		if dirOfQuote == RemoveFromAmm && baseAmount.GT(baseLimit) {
			return fixed.Decimal{}, ErrMoreThanMaxBase
		}
	}

	if err := e.updateReserve(dirOfQuote, quoteAmount, baseAmount, canOverFluctuationLimit, b); err != nil {
		return fixed.Decimal{}, err
	}
	return baseAmount, nil
}

// SwapOutput trades baseAmount of base asset against the pool and returns the
// quote amount. quoteLimit bounds slippage: minimum quote out when adding
// base (closing a long), maximum quote in when removing base (closing a
// short). Zero disables the bound.
func (e *Exchange) SwapOutput(dirOfBase Direction, baseAmount, quoteLimit fixed.Decimal, skipFluctuationCheck bool, b Block) (fixed.Decimal, error) {
	if !e.open {
		return fixed.Decimal{}, ErrExchangeClosed
	}
	if baseAmount.IsZero() {
		return fixed.Zero(), nil
	}
	if dirOfBase == RemoveFromAmm && !e.tradeLimitRatio.IsZero() {
		if e.baseReserve.MulD(e.tradeLimitRatio).LT(baseAmount) {
			return fixed.Decimal{}, ErrOverTradingLimit
		}
	}

	quoteAmount, err := e.GetOutputPrice(dirOfBase, baseAmount)
	if err != nil {
		return fixed.Decimal{}, err
	}

	if !quoteLimit.IsZero() {
		if dirOfBase == AddToAmm && quoteAmount.LT(quoteLimit) {
			return fixed.Decimal{}, ErrLessThanMinQuote
		}
		if dirOfBase == RemoveFromAmm && quoteAmount.GT(quoteLimit) {
			return fixed.Decimal{}, ErrMoreThanMaxQuote
		}
	}

	dirOfQuote := RemoveFromAmm
	if dirOfBase == RemoveFromAmm {
		dirOfQuote = AddToAmm
	}
	if err := e.updateReserve(dirOfQuote, quoteAmount, baseAmount, skipFluctuationCheck, b); err != nil {
		return fixed.Decimal{}, err
	}
	return quoteAmount, nil
}

func (e *Exchange) updateReserve(dirOfQuote Direction, quoteAmount, baseAmount fixed.Decimal, canOverFluctuationLimit bool, b Block) error {
	if err := e.checkBlockFluctuationLimit(dirOfQuote, quoteAmount, baseAmount, canOverFluctuationLimit, b); err != nil {
		return err
	}

	if dirOfQuote == AddToAmm {
		e.quoteReserve = e.quoteReserve.Add(quoteAmount)
		e.baseReserve = e.baseReserve.Sub(baseAmount)
		e.totalPositionSize = e.totalPositionSize.Add(baseAmount)
		e.cumulativeNotional = e.cumulativeNotional.Add(quoteAmount)
	} else {
		e.quoteReserve = e.quoteReserve.Sub(quoteAmount)
		e.baseReserve = e.baseReserve.Add(baseAmount)
		e.totalPositionSize = e.totalPositionSize.Sub(baseAmount)
		e.cumulativeNotional = e.cumulativeNotional.Sub(quoteAmount)
	}

	e.addReserveSnapshot(b)
	return nil
}

// --- fluctuation limit ---

// priceBoundariesOfLastBlock derives the allowed band from the last snapshot
// written before the current block, so multiple trades within a block share
// one baseline and their cumulative impact is what gets limited.
func (e *Exchange) priceBoundariesOfLastBlock(b Block) (upper, lower fixed.Decimal) {
	snap := e.reserveSnapshots[len(e.reserveSnapshots)-1]
	if snap.BlockHeight == b.Height && len(e.reserveSnapshots) > 1 {
		snap = e.reserveSnapshots[len(e.reserveSnapshots)-2]
	}
	lastPrice := snap.QuoteReserve.DivD(snap.BaseReserve)
	upper = lastPrice.MulD(fixed.One().Add(e.fluctuationLimitRatio))
	lower = lastPrice.MulD(fixed.One().Sub(e.fluctuationLimitRatio))
	return upper, lower
}

func (e *Exchange) checkBlockFluctuationLimit(dirOfQuote Direction, quoteAmount, baseAmount fixed.Decimal, canOverFluctuationLimit bool, b Block) error {
	if e.fluctuationLimitRatio.IsZero() {
		return nil
	}
	upper, lower := e.priceBoundariesOfLastBlock(b)

	price := e.quoteReserve.DivD(e.baseReserve)
	if price.GT(upper) || price.LT(lower) {
		return ErrAlreadyOverLimit
	}

	if canOverFluctuationLimit {
		return nil
	}

	var after fixed.Decimal
	if dirOfQuote == AddToAmm {
		after = e.quoteReserve.Add(quoteAmount).DivD(e.baseReserve.Sub(baseAmount))
	} else {
		after = e.quoteReserve.Sub(quoteAmount).DivD(e.baseReserve.Add(baseAmount))
	}
	if after.GT(upper) || after.LT(lower) {
		return ErrOverFluctuationLimit
	}
	return nil
}

// IsOverFluctuationLimit reports whether the current spot price already sits
// outside the last block's allowed band.
func (e *Exchange) IsOverFluctuationLimit(b Block) bool {
	if e.fluctuationLimitRatio.IsZero() {
		return false
	}
	upper, lower := e.priceBoundariesOfLastBlock(b)
	price := e.SpotPrice()
	return price.GT(upper) || price.LT(lower)
}

// --- reserve snapshots & TWAP ---

func (e *Exchange) addReserveSnapshot(b Block) {
	latest := &e.reserveSnapshots[len(e.reserveSnapshots)-1]
	if latest.BlockHeight == b.Height {
		// last write within the block wins
		latest.QuoteReserve = e.quoteReserve
		latest.BaseReserve = e.baseReserve
		latest.Timestamp = b.Time
		return
	}
	e.reserveSnapshots = append(e.reserveSnapshots, ReserveSnapshot{
		QuoteReserve: e.quoteReserve,
		BaseReserve:  e.baseReserve,
		Timestamp:    b.Time,
		BlockHeight:  b.Height,
	})
}

// GetTwapPrice returns the reserve-based spot TWAP over interval seconds,
// evaluated at time now.
func (e *Exchange) GetTwapPrice(interval, now int64) (fixed.Decimal, error) {
	if interval == 0 {
		return fixed.Decimal{}, ErrZeroInterval
	}
	return e.calcTwap(func(s ReserveSnapshot) (fixed.Decimal, error) {
		return s.QuoteReserve.DivD(s.BaseReserve), nil
	}, interval, now)
}

// GetOutputTwap returns the TWAP of the quote value of baseAmount over the
// exchange's configured TWAP interval, replaying the swap against each
// historical snapshot.
func (e *Exchange) GetOutputTwap(dirOfBase Direction, baseAmount fixed.Decimal, now int64) (fixed.Decimal, error) {
	return e.calcTwap(func(s ReserveSnapshot) (fixed.Decimal, error) {
		return GetOutputPriceWithReserves(dirOfBase, baseAmount, s.QuoteReserve, s.BaseReserve)
	}, e.spotPriceTwapInterval, now)
}

// calcTwap walks the snapshot history backwards, time-weighting priceOf over
// [now-interval, now]. Short history falls back to the covered period;
// a latest snapshot older than the window returns its price directly.
func (e *Exchange) calcTwap(priceOf func(ReserveSnapshot) (fixed.Decimal, error), interval, now int64) (fixed.Decimal, error) {
	idx := len(e.reserveSnapshots) - 1
	current, err := priceOf(e.reserveSnapshots[idx])
	if err != nil {
		return fixed.Decimal{}, err
	}
	if interval == 0 || idx == 0 {
		return current, nil
	}

	baseTimestamp := now - interval
	if e.reserveSnapshots[idx].Timestamp < baseTimestamp {
		return current, nil
	}

	// The latest snapshot's price covers [its timestamp, now]; the walk
	// below hands earlier spans to earlier snapshots.
	previousTimestamp := e.reserveSnapshots[idx].Timestamp
	period := now - e.reserveSnapshots[idx].Timestamp
	weighted := current.MulScalar(period)

	for {
		if idx == 0 {
			// history shorter than the window: average over what exists
			if period == 0 {
				return current, nil
			}
			return weighted.DivScalar(period), nil
		}

		idx--
		snap := e.reserveSnapshots[idx]
		price, err := priceOf(snap)
		if err != nil {
			return fixed.Decimal{}, err
		}

		if snap.Timestamp <= baseTimestamp {
			weighted = weighted.Add(price.MulScalar(previousTimestamp - baseTimestamp))
			break
		}

		fraction := previousTimestamp - snap.Timestamp
		weighted = weighted.Add(price.MulScalar(fraction))
		period += fraction
		previousTimestamp = snap.Timestamp
	}

	return weighted.DivScalar(interval), nil
}

// --- funding ---

// SettleFunding closes the current funding period. The premium fraction is
// (mark TWAP - index TWAP) scaled by fundingPeriod/86400; positive means
// longs pay shorts.
func (e *Exchange) SettleFunding(b Block) (FundingSettlement, error) {
	if !e.open {
		return FundingSettlement{}, ErrExchangeClosed
	}
	if b.Time < e.nextFundingTime {
		return FundingSettlement{}, ErrSettleFundingTooEarly
	}

	markTwap, err := e.GetTwapPrice(e.spotPriceTwapInterval, b.Time)
	if err != nil {
		return FundingSettlement{}, fmt.Errorf("mark twap: %w", err)
	}
	indexTwap, err := e.UnderlyingTwapPrice(e.spotPriceTwapInterval)
	if err != nil {
		return FundingSettlement{}, fmt.Errorf("index twap: %w", err)
	}

	premium := markTwap.Sub(indexTwap)
	premiumFraction := premium.MulScalar(e.fundingPeriod).DivScalar(86400)

	// Advance to the next hour boundary, but never earlier than half a
	// funding period from now, so congestion can't trigger double settles.
	nextOnHour := (e.nextFundingTime + e.fundingPeriod) / 3600 * 3600
	minNextValid := b.Time + e.fundingBufferPeriod
	if nextOnHour > minNextValid {
		e.nextFundingTime = nextOnHour
	} else {
		e.nextFundingTime = minNextValid
	}

	return FundingSettlement{
		PremiumFraction: premiumFraction,
		MarkTwap:        markTwap,
		IndexTwap:       indexTwap,
	}, nil
}

// --- liquidity migration ---

// MigrateLiquidity rescales the reserves by the given multipliers and records
// a liquidity snapshot so stale positions can be re-based on their next touch.
func (e *Exchange) MigrateLiquidity(baseMultiplier, quoteMultiplier fixed.Decimal, b Block) error {
	if baseMultiplier.Sign() <= 0 || quoteMultiplier.Sign() <= 0 {
		return ErrIllegalMultiplier
	}
	if baseMultiplier.Equal(fixed.One()) && quoteMultiplier.Equal(fixed.One()) {
		return ErrMultiplierIsOne
	}

	fromQuote := e.quoteReserve
	fromBase := e.baseReserve
	newQuote := fromQuote.MulD(quoteMultiplier)
	newBase := fromBase.MulD(baseMultiplier)

	// Narrowing the pool below the outstanding net position would make the
	// aggregate position impossible to unwind.
	if baseMultiplier.LT(fixed.One()) {
		floor := fixed.Max(e.totalPositionSize.Abs(), fixed.OneWei())
		if newBase.LTE(floor) {
			return ErrIllegalMultiplier
		}
	}
	if quoteMultiplier.LT(fixed.One()) && newQuote.LTE(fixed.OneWei()) {
		return ErrIllegalMultiplier
	}

	e.quoteReserve = newQuote
	e.baseReserve = newBase

	// Re-express the aggregate net position on the new curve.
	newTotal := e.CalcBaseAssetAfterLiquidityMigration(e.totalPositionSize, fromQuote, fromBase)

	// cumulativeNotional keeps running across migrations; the snapshot pins
	// its value at this migration so a stale position's replay delta is
	// current minus the value at its own snapshot.
	e.liquiditySnapshots = append(e.liquiditySnapshots, LiquidityChangedSnapshot{
		CumulativeNotional: e.cumulativeNotional,
		QuoteReserve:       e.quoteReserve,
		BaseReserve:        e.baseReserve,
		TotalPositionSize:  newTotal,
	})
	e.totalPositionSize = newTotal

	e.addReserveSnapshot(b)
	return nil
}

// CalcBaseAssetAfterLiquidityMigration converts a base-asset position sized
// against the old reserves into the equivalent size on the current curve:
// value the position by closing it on the old curve, then open that notional
// on the new one.
func (e *Exchange) CalcBaseAssetAfterLiquidityMigration(baseAssetAmount fixed.Decimal, fromQuote, fromBase fixed.Decimal) fixed.Decimal {
	if baseAssetAmount.IsZero() {
		return baseAssetAmount
	}

	long := baseAssetAmount.Sign() > 0

	closeDir := RemoveFromAmm
	openDir := AddToAmm
	if long {
		closeDir = AddToAmm
		openDir = RemoveFromAmm
	}

	notional, err := GetOutputPriceWithReserves(closeDir, baseAssetAmount.Abs(), fromQuote, fromBase)
	if err != nil {
		// old reserves always dominate the position they produced
		panic(fmt.Sprintf("migrate position notional: %v", err))
	}
	newSize, err := e.GetInputPrice(openDir, notional)
	if err != nil {
		panic(fmt.Sprintf("migrate position size: %v", err))
	}

	if !long {
		newSize = newSize.Neg()
	}
	return newSize
}

// --- shutdown ---

// Shutdown permanently closes the exchange and fixes the settlement price: the
// spot price when the book is flat, otherwise the average price obtained by
// unwinding the aggregate net position against the pool once.
func (e *Exchange) Shutdown() error {
	if !e.open {
		return ErrExchangeClosed
	}

	if e.totalPositionSize.IsZero() {
		e.settlementPrice = e.SpotPrice()
	} else {
		k := e.quoteReserve.MulD(e.baseReserve)
		baseAfter := e.baseReserve.Add(e.totalPositionSize)
		quoteAfter := k.DivD(baseAfter)
		quoteDelta := e.quoteReserve.Sub(quoteAfter)
		e.settlementPrice = quoteDelta.Abs().DivD(e.totalPositionSize.Abs())
	}

	e.open = false
	return nil
}

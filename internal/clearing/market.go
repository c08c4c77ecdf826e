package clearing

import (
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/insurance"
	"PerpVamm/internal/oracle"
	"PerpVamm/internal/risk"
	"PerpVamm/internal/state"
	"PerpVamm/internal/vamm"
)

// PnlCalcOption selects how an open position is valued.
type PnlCalcOption int

const (
	PnlSpot PnlCalcOption = iota
	PnlTwap
	PnlOracle
)

// Market bundles one exchange with its risk parameters, its insurance fund
// and the per-exchange accrual histories the lazy settlement reads from.
type Market struct {
	ID         string
	QuoteAsset string
	Exchange   *vamm.Exchange
	Feed       oracle.PriceFeed
	Params     *risk.Params
	Fund       *insurance.Fund

	// Both start with a zero entry so a fresh position's stamps are valid.
	cumulativePremiumFractions  []fixed.Decimal
	cumulativeOvernightFeeRates []fixed.Decimal
	nextOvernightFeeTime        int64
}

func NewMarket(id, quoteAsset string, ex *vamm.Exchange, feed oracle.PriceFeed, params *risk.Params, fund *insurance.Fund) *Market {
	return &Market{
		ID:                          id,
		QuoteAsset:                  quoteAsset,
		Exchange:                    ex,
		Feed:                        feed,
		Params:                      params,
		Fund:                        fund,
		cumulativePremiumFractions:  []fixed.Decimal{fixed.Zero()},
		cumulativeOvernightFeeRates: []fixed.Decimal{fixed.Zero()},
	}
}

func (m *Market) LatestCumulativePremiumFraction() fixed.Decimal {
	return m.cumulativePremiumFractions[len(m.cumulativePremiumFractions)-1]
}

func (m *Market) LatestCumulativeOvernightFeeRate() fixed.Decimal {
	return m.cumulativeOvernightFeeRates[len(m.cumulativeOvernightFeeRates)-1]
}

func (m *Market) NextOvernightFeeTime() int64 {
	return m.nextOvernightFeeTime
}

// marginSettlement is the outcome of realizing a position's pending funding
// and overnight-fee accruals together with a margin delta.
type marginSettlement struct {
	remainMargin     fixed.Decimal
	badDebt          fixed.Decimal
	fundingPayment   fixed.Decimal
	overnightPayment fixed.Decimal
	latestCPF        fixed.Decimal
	latestCOFR       fixed.Decimal
}

// settleAccruals realizes the position's pending funding payment and
// overnight fee on top of marginDelta. A negative outcome clamps margin to
// zero and surfaces the shortfall as bad debt.
func (m *Market) settleAccruals(pos state.Position, marginDelta fixed.Decimal) marginSettlement {
	s := marginSettlement{
		remainMargin: fixed.Zero(),
		badDebt:      fixed.Zero(),
		latestCPF:    m.LatestCumulativePremiumFraction(),
		latestCOFR:   m.LatestCumulativeOvernightFeeRate(),
	}

	s.fundingPayment = fixed.Zero()
	if !pos.Size.IsZero() {
		s.fundingPayment = s.latestCPF.Sub(pos.LastUpdatedCumulativePremiumFraction).MulD(pos.Size)
	}
	s.overnightPayment = fixed.Zero()
	if !pos.OpenNotional.IsZero() {
		s.overnightPayment = s.latestCOFR.Sub(pos.LastUpdatedCumulativeOvernightFeeRate).MulD(pos.OpenNotional)
	}

	signed := marginDelta.Sub(s.fundingPayment).Sub(s.overnightPayment).Add(pos.Margin)
	if signed.Sign() < 0 {
		s.badDebt = signed.Neg()
	} else {
		s.remainMargin = signed
	}
	return s
}

// positionNotionalAndUnrealizedPnl values the position by unwinding it at the
// chosen price source. A long's notional is what closing it would fetch; a
// short's is what buying it back would cost.
func (m *Market) positionNotionalAndUnrealizedPnl(pos state.Position, option PnlCalcOption, now int64) (notional, unrealizedPnl fixed.Decimal, err error) {
	if pos.Size.IsZero() {
		return fixed.Zero(), fixed.Zero(), nil
	}

	long := pos.IsLong()
	dir := vamm.RemoveFromAmm
	if long {
		dir = vamm.AddToAmm
	}

	switch option {
	case PnlTwap:
		notional, err = m.Exchange.GetOutputTwap(dir, pos.Size.Abs(), now)
	case PnlOracle:
		var price fixed.Decimal
		price, err = m.Exchange.UnderlyingPrice()
		if err == nil {
			notional = pos.Size.Abs().MulD(price)
		}
	default:
		notional, err = m.Exchange.GetOutputPrice(dir, pos.Size.Abs())
	}
	if err != nil {
		return fixed.Decimal{}, fixed.Decimal{}, err
	}

	if long {
		unrealizedPnl = notional.Sub(pos.OpenNotional)
	} else {
		unrealizedPnl = pos.OpenNotional.Sub(notional)
	}
	return notional, unrealizedPnl, nil
}

// adjustForLiquidityChanged re-bases a position whose snapshot index has
// fallen behind the exchange's liquidity history. Returns the (possibly
// updated) position and whether a re-base happened.
func (m *Market) adjustForLiquidityChanged(pos state.Position) (state.Position, bool, error) {
	latest := m.Exchange.LatestLiquidityIndex()
	if pos.IsEmpty() || pos.LiquidityHistoryIndex == latest {
		return pos, false, nil
	}

	snap, err := m.Exchange.LiquiditySnapshot(pos.LiquidityHistoryIndex)
	if err != nil {
		return pos, false, err
	}
	newSize, err := m.sizeOnCurrentCurve(pos.Size, snap)
	if err != nil {
		return pos, false, err
	}

	pos.Size = newSize
	pos.LiquidityHistoryIndex = latest
	return pos, true, nil
}

// sizeOnCurrentCurve replays the notional traded between the position's
// snapshot and the latest one onto the snapshot-era reserves, then
// re-expresses the position's size on the current curve.
func (m *Market) sizeOnCurrentCurve(size fixed.Decimal, snap vamm.LiquidityChangedSnapshot) (fixed.Decimal, error) {
	latestSnap, err := m.Exchange.LiquiditySnapshot(m.Exchange.LatestLiquidityIndex())
	if err != nil {
		return fixed.Decimal{}, err
	}

	quote, base := snap.QuoteReserve, snap.BaseReserve
	delta := latestSnap.CumulativeNotional.Sub(snap.CumulativeNotional)
	if !delta.IsZero() {
		dir := vamm.AddToAmm
		if delta.Sign() < 0 {
			dir = vamm.RemoveFromAmm
		}
		baseOut, err := vamm.GetInputPriceWithReserves(dir, delta.Abs(), quote, base)
		if err != nil {
			return fixed.Decimal{}, err
		}
		if dir == vamm.AddToAmm {
			quote = quote.Add(delta.Abs())
			base = base.Sub(baseOut)
		} else {
			quote = quote.Sub(delta.Abs())
			base = base.Add(baseOut)
		}
	}

	return m.Exchange.CalcBaseAssetAfterLiquidityMigration(size, quote, base), nil
}

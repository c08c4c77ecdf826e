package clearing

import (
	"PerpVamm/internal/event"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/ledger"
)

// Liquidate forcibly closes an undercollateralized position. The caller earns
// exchangedQuote*liquidationFeeRatio (capped at maxLiquidationFee), paid from
// the position's remaining margin and topped up by the insurance fund when
// that falls short. Whatever margin is left after the fee goes to the
// insurance fund. The block enters restriction mode afterwards.
func (ch *ClearingHouse) Liquidate(c Cmd, exchangeID, trader string) (*event.PositionLiquidated, error) {
	if ch.paused {
		return nil, ErrPaused
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if err := ch.checkGuard(m, trader, c.Block); err != nil {
		return nil, err
	}

	exSnap := m.Exchange.Snapshot()
	bookSnap := ch.vault.Book().Snapshot()
	oiBefore := ch.openInterest.Total(m.ID)

	evt, err := ch.doLiquidate(c, m, trader)
	if err != nil {
		ch.rollback(m, exSnap, bookSnap, oiBefore)
		return nil, err
	}
	return evt, nil
}

func (ch *ClearingHouse) doLiquidate(c Cmd, m *Market, trader string) (*event.PositionLiquidated, error) {
	pos, ok := ch.positions.Get(m.ID, trader)
	if !ok || pos.IsEmpty() {
		return nil, ErrPositionZero
	}
	pos, _, err := m.adjustForLiquidityChanged(pos)
	if err != nil {
		return nil, err
	}

	ratio, err := ch.betterMarginRatio(m, pos, c.Block.Time)
	if err != nil {
		return nil, err
	}
	maintenance := m.Params.MaintenanceMarginRatio()
	if ratio.GTE(maintenance) {
		return nil, ErrBadMarginRatio
	}

	resp, err := ch.closePositionFull(m, pos, fixed.Zero(), true, c.Block)
	if err != nil {
		return nil, err
	}

	fee := resp.exchangedQuote.MulD(m.Params.LiquidationFeeRatio())
	if maxFee := m.Params.MaxLiquidationFee(); !maxFee.IsZero() {
		fee = fixed.Min(fee, maxFee)
	}

	remainMargin := resp.marginToVault.Neg()
	feeFromInsurance := fixed.Zero()
	if fee.GT(remainMargin) {
		feeFromInsurance = fee.Sub(remainMargin)
		remainMargin = fixed.Zero()
	} else {
		remainMargin = remainMargin.Sub(fee)
	}

	tx := ch.tx(c)
	var batches []*ledger.Batch

	insuranceDebit := resp.badDebt.Add(feeFromInsurance)
	if insuranceDebit.Sign() > 0 {
		w, werr := m.Fund.Withdraw(tx, m.ID, insuranceDebit)
		if werr != nil {
			return nil, werr
		}
		batches = append(batches, w.Batches...)
		if w.BadDebt.Sign() > 0 {
			ch.log.Error().Str("exchange", m.ID).Str("uncovered", w.BadDebt.String()).
				Msg("insurance fund exhausted during liquidation")
		}
	}

	if fee.Sign() > 0 {
		b, berr := ch.vault.TransferFromPool(tx, m.ID, m.Fund.ID(), c.Caller, m.QuoteAsset, fee)
		if berr != nil {
			return nil, berr
		}
		batches = append(batches, b)
	}
	if remainMargin.Sign() > 0 {
		b, berr := ch.vault.DistributePoolFee(tx, m.ID, m.Fund.ID(), m.QuoteAsset,
			fixed.Zero(), remainMargin, ledger.JournalTypeLiquidationFee)
		if berr != nil {
			return nil, berr
		}
		batches = append(batches, b)
	}

	ch.openInterest.Decrease(m.ID, resp.oiDecrease)
	ch.positions.Clear(m.ID, trader, c.Block.Height)

	ch.guard.FlagRestriction(m.ID, c.Block.Height)
	ch.guard.Mark(m.ID, trader, c.Block.Height)
	ch.guard.Mark(m.ID, c.Caller, c.Block.Height)

	liquidated := &event.PositionLiquidated{
		Key:                c.Key,
		Trader:             trader,
		Exchange:           m.ID,
		Liquidator:         c.Caller,
		PositionNotional:   resp.exchangedQuote,
		PositionSize:       pos.Size,
		LiquidationFee:     fee,
		BadDebt:            resp.badDebt,
		MarginRatio:        ratio,
		MaintenanceMargin:  maintenance,
		InsuranceFundDebit: insuranceDebit,
	}
	if _, err := ch.emitter.Emit(liquidated, c.Block, batches); err != nil {
		return nil, err
	}

	changed := &event.PositionChanged{
		Key:                   c.Key,
		Trader:                trader,
		Exchange:              m.ID,
		Margin:                fixed.Zero(),
		PositionNotional:      resp.exchangedQuote,
		ExchangedPositionSize: resp.exchangedSize,
		Fee:                   fixed.Zero(),
		PositionSizeAfter:     fixed.Zero(),
		RealizedPnl:           resp.realizedPnl,
		UnrealizedPnlAfter:    fixed.Zero(),
		BadDebt:               resp.badDebt,
		FundingPayment:        resp.fundingPayment,
		OvernightPayment:      resp.overnightPayment,
		LiquidationPenalty:    fee,
		SpotPrice:             m.Exchange.SpotPrice(),
	}
	if _, err := ch.emitter.Emit(changed, c.Block, nil); err != nil {
		return nil, err
	}

	return liquidated, nil
}

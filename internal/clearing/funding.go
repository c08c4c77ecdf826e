package clearing

import (
	"PerpVamm/internal/event"
	"PerpVamm/internal/ledger"
)

// PayFunding settles one funding period. Callable by anyone once the
// exchange's funding time has passed. No individual position moves here; each
// position realizes its share lazily on its next touch via the cumulative
// premium fraction. The pool-level net flow is split between LPs and the
// insurance fund when positive, and covered by the insurance fund when
// negative.
func (ch *ClearingHouse) PayFunding(c Cmd, exchangeID string) (*event.FundingSettled, error) {
	if ch.paused {
		return nil, ErrPaused
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}

	exSnap := m.Exchange.Snapshot()
	bookSnap := ch.vault.Book().Snapshot()
	oiBefore := ch.openInterest.Total(m.ID)

	evt, err := ch.doPayFunding(c, m)
	if err != nil {
		ch.rollback(m, exSnap, bookSnap, oiBefore)
		return nil, err
	}
	return evt, nil
}

func (ch *ClearingHouse) doPayFunding(c Cmd, m *Market) (*event.FundingSettled, error) {
	fs, err := m.Exchange.SettleFunding(c.Block)
	if err != nil {
		return nil, err
	}

	// Net flow from the traders' perspective: positive means longs pay in
	// more than shorts take out, so the pool runs a surplus.
	total := fs.PremiumFraction.MulD(m.Exchange.TotalPositionSize())

	tx := ch.tx(c)
	var batches []*ledger.Batch

	switch {
	case total.Sign() > 0:
		toLp := total.MulD(ch.settings.FundingFeeLpShareRatio())
		toInsurance := total.Sub(toLp)
		b, berr := ch.vault.DistributePoolFee(tx, m.ID, m.Fund.ID(), m.QuoteAsset,
			toLp, toInsurance, ledger.JournalTypeFundingSettle)
		if berr != nil {
			return nil, berr
		}
		if b != nil {
			batches = append(batches, b)
		}
	case total.Sign() < 0:
		w, werr := m.Fund.Withdraw(tx, m.ID, total.Neg())
		if werr != nil {
			return nil, werr
		}
		batches = append(batches, w.Batches...)
		if w.BadDebt.Sign() > 0 {
			ch.log.Error().Str("exchange", m.ID).Str("uncovered", w.BadDebt.String()).
				Msg("insurance fund exhausted during funding settlement")
		}
	}

	newCPF := m.LatestCumulativePremiumFraction().Add(fs.PremiumFraction)
	m.cumulativePremiumFractions = append(m.cumulativePremiumFractions, newCPF)

	evt := &event.FundingSettled{
		Exchange:        m.ID,
		PremiumFraction: fs.PremiumFraction,
		MarkTwap:        fs.MarkTwap,
		IndexTwap:       fs.IndexTwap,
		SettledAt:       c.Block.Time,
	}
	if _, err := ch.emitter.Emit(evt, c.Block, batches); err != nil {
		return nil, err
	}
	return evt, nil
}

// PayOvernightFee charges the holding fee on the exchange's whole open
// notional once per period. Positions pay their pro-rata share lazily via the
// cumulative rate; the pool-level total is split between LPs and the
// insurance fund immediately.
func (ch *ClearingHouse) PayOvernightFee(c Cmd, exchangeID string) (*event.OvernightFeeSettled, error) {
	if ch.paused {
		return nil, ErrPaused
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if c.Block.Time < m.nextOvernightFeeTime {
		return nil, ErrOvernightTooEarly
	}

	rate := ch.settings.OvernightFeeRatio()
	totalOpenNotional := ch.openInterest.Total(m.ID)
	totalFee := totalOpenNotional.MulD(rate)
	lpShare := totalFee.MulD(ch.settings.OvernightFeeLpShareRatio())
	insuranceShare := totalFee.Sub(lpShare)

	var batches []*ledger.Batch
	if totalFee.Sign() > 0 {
		b, berr := ch.vault.DistributePoolFee(ch.tx(c), m.ID, m.Fund.ID(), m.QuoteAsset,
			lpShare, insuranceShare, ledger.JournalTypeOvernightFee)
		if berr != nil {
			return nil, berr
		}
		if b != nil {
			batches = append(batches, b)
		}
	}

	newRate := m.LatestCumulativeOvernightFeeRate().Add(rate)
	m.cumulativeOvernightFeeRates = append(m.cumulativeOvernightFeeRates, newRate)
	m.nextOvernightFeeTime += ch.settings.OvernightFeePeriod()

	evt := &event.OvernightFeeSettled{
		Exchange:          m.ID,
		Rate:              rate,
		TotalOpenNotional: totalOpenNotional,
		TotalFee:          totalFee,
		LpShare:           lpShare,
		InsuranceShare:    insuranceShare,
		SettledAt:         c.Block.Time,
	}
	if _, err := ch.emitter.Emit(evt, c.Block, batches); err != nil {
		return nil, err
	}
	return evt, nil
}

package clearing

import (
	"PerpVamm/internal/event"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/risk"
)

// MigrateLiquidity rescales a market's virtual reserves. Owner only. Open
// positions stay stale until their next touch re-bases them.
func (ch *ClearingHouse) MigrateLiquidity(c Cmd, exchangeID string, baseMultiplier, quoteMultiplier fixed.Decimal) (*event.LiquidityMigrated, error) {
	if c.Caller != ch.owner {
		return nil, risk.ErrNotOwner
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if err := m.Exchange.MigrateLiquidity(baseMultiplier, quoteMultiplier, c.Block); err != nil {
		return nil, err
	}

	idx := m.Exchange.LatestLiquidityIndex()
	snap, err := m.Exchange.LiquiditySnapshot(idx)
	if err != nil {
		return nil, err
	}

	evt := &event.LiquidityMigrated{
		Exchange:           m.ID,
		LiquidityIndex:     idx,
		BaseMultiplier:     baseMultiplier,
		QuoteMultiplier:    quoteMultiplier,
		QuoteReserve:       snap.QuoteReserve,
		BaseReserve:        snap.BaseReserve,
		TotalPositionSize:  snap.TotalPositionSize,
		CumulativeNotional: snap.CumulativeNotional,
	}
	if _, err := ch.emitter.Emit(evt, c.Block, nil); err != nil {
		return nil, err
	}
	return evt, nil
}

// AdjustPosition re-bases the caller's stale position onto the current curve.
// A position that is already current is left alone and emits nothing.
func (ch *ClearingHouse) AdjustPosition(c Cmd, exchangeID string) (*event.PositionAdjusted, error) {
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	pos, ok := ch.positions.Get(m.ID, c.Caller)
	if !ok || pos.IsEmpty() {
		return nil, ErrPositionZero
	}

	oldIndex := pos.LiquidityHistoryIndex
	adjusted, changed, err := m.adjustForLiquidityChanged(pos)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}

	adjusted.BlockNumber = c.Block.Height
	ch.positions.Set(m.ID, c.Caller, adjusted)

	evt := &event.PositionAdjusted{
		Key:               c.Key,
		Trader:            c.Caller,
		Exchange:          m.ID,
		NewPositionSize:   adjusted.Size,
		OldLiquidityIndex: oldIndex,
		NewLiquidityIndex: adjusted.LiquidityHistoryIndex,
	}
	if _, err := ch.emitter.Emit(evt, c.Block, nil); err != nil {
		return nil, err
	}
	return evt, nil
}

// ShutdownExchange permanently closes a market at a fixed settlement price.
// Owner only.
func (ch *ClearingHouse) ShutdownExchange(c Cmd, exchangeID string) (*event.ExchangeShutdown, error) {
	if c.Caller != ch.owner {
		return nil, risk.ErrNotOwner
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if err := m.Exchange.Shutdown(); err != nil {
		return nil, err
	}

	evt := &event.ExchangeShutdown{
		Exchange:        m.ID,
		SettlementPrice: m.Exchange.SettlementPrice(),
	}
	if _, err := ch.emitter.Emit(evt, c.Block, nil); err != nil {
		return nil, err
	}
	return evt, nil
}

// SettlePosition pays out the caller's position on a shut-down exchange at
// the settlement price. The payout floors at zero; losses beyond margin stay
// with the pool.
func (ch *ClearingHouse) SettlePosition(c Cmd, exchangeID string) (*event.PositionSettled, error) {
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if m.Exchange.Open() {
		return nil, ErrExchangeOpen
	}

	pos, ok := ch.positions.Get(m.ID, c.Caller)
	if !ok || pos.IsEmpty() {
		return nil, ErrPositionZero
	}
	pos, _, err = m.adjustForLiquidityChanged(pos)
	if err != nil {
		return nil, err
	}

	settlementPrice := m.Exchange.SettlementPrice()
	var returned fixed.Decimal
	if settlementPrice.IsZero() {
		returned = pos.Margin
	} else {
		pnl := pos.Size.MulD(settlementPrice)
		if pos.IsLong() {
			returned = pos.Margin.Add(pnl).Sub(pos.OpenNotional)
		} else {
			returned = pos.Margin.Add(pnl).Add(pos.OpenNotional)
		}
	}
	if returned.Sign() < 0 {
		returned = fixed.Zero()
	}

	var batches []*ledger.Batch
	if returned.Sign() > 0 {
		b, berr := ch.vault.TransferFromPool(ch.tx(c), m.ID, m.Fund.ID(), c.Caller, m.QuoteAsset, returned)
		if berr != nil {
			return nil, berr
		}
		batches = append(batches, b)
	}

	ch.openInterest.Decrease(m.ID, pos.OpenNotional)
	ch.positions.Clear(m.ID, c.Caller, c.Block.Height)

	evt := &event.PositionSettled{
		Key:              c.Key,
		Trader:           c.Caller,
		Exchange:         m.ID,
		ValueTransferred: returned,
		SettlementPrice:  settlementPrice,
	}
	if _, err := ch.emitter.Emit(evt, c.Block, batches); err != nil {
		return nil, err
	}
	return evt, nil
}

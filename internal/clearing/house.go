// Package clearing implements the position lifecycle on top of the virtual
// exchanges: opening, reducing, reversing and closing positions, margin
// management, periodic funding and overnight-fee settlement, liquidation and
// post-shutdown settlement. All money movement goes through the vault's
// double-entry ledger and every accepted command seals one or more
// hash-chained event envelopes.
package clearing

import (
	"errors"

	"github.com/rs/zerolog"

	"PerpVamm/internal/event"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/risk"
	"PerpVamm/internal/state"
	"PerpVamm/internal/vamm"
	"PerpVamm/internal/vault"
)

var (
	ErrPaused            = errors.New("Pausable: paused")
	ErrZeroInput         = errors.New("input is 0")
	ErrInvalidSide       = errors.New("invalid side")
	ErrUnknownExchange   = errors.New("exchange not registered")
	ErrPositionZero      = errors.New("positionSize is 0")
	ErrMarginNotEnough   = errors.New("margin is not enough")
	ErrBadMarginRatio    = errors.New("Margin ratio not meet criteria")
	ErrOverHoldingLimit  = errors.New("hit position size upper bound")
	ErrBadOpenNotional   = errors.New("value of openNotional <= 0")
	ErrUnderwaterClose   = errors.New("reduce an underwater position")
	ErrExchangeOpen      = errors.New("exchange is open")
	ErrOvernightTooEarly = errors.New("pay overnight fee too early")
)

// Cmd identifies one deduplicated command: its idempotency key, the caller
// address and the versioned block it executes in.
type Cmd struct {
	Key    string
	Caller string
	Block  vamm.Block
}

// ClearingHouse is the single-threaded command processor. It owns every
// market's exchange, the position book, open interest, the one-action-per-
// block guard and the vault.
type ClearingHouse struct {
	owner  string
	paused bool

	settings *risk.Settings
	markets  map[string]*Market

	positions    *state.PositionManager
	openInterest *state.OpenInterest
	guard        *state.ActionGuard
	vault        *vault.Vault
	emitter      *Emitter

	log zerolog.Logger
}

func NewClearingHouse(
	owner string,
	settings *risk.Settings,
	positions *state.PositionManager,
	openInterest *state.OpenInterest,
	guard *state.ActionGuard,
	v *vault.Vault,
	emitter *Emitter,
	log zerolog.Logger,
) *ClearingHouse {
	return &ClearingHouse{
		owner:        owner,
		settings:     settings,
		markets:      make(map[string]*Market),
		positions:    positions,
		openInterest: openInterest,
		guard:        guard,
		vault:        v,
		emitter:      emitter,
		log:          log.With().Str("component", "clearing_house").Logger(),
	}
}

func (ch *ClearingHouse) Owner() string  { return ch.owner }
func (ch *ClearingHouse) Paused() bool   { return ch.paused }
func (ch *ClearingHouse) Vault() *vault.Vault {
	return ch.vault
}
func (ch *ClearingHouse) Positions() *state.PositionManager {
	return ch.positions
}
func (ch *ClearingHouse) OpenInterest() *state.OpenInterest {
	return ch.openInterest
}
func (ch *ClearingHouse) Emitter() *Emitter {
	return ch.emitter
}
func (ch *ClearingHouse) Settings() *risk.Settings {
	return ch.settings
}

// Markets returns the registered market IDs in no particular order.
func (ch *ClearingHouse) Markets() []string {
	ids := make([]string, 0, len(ch.markets))
	for id := range ch.markets {
		ids = append(ids, id)
	}
	return ids
}

func (ch *ClearingHouse) Pause(caller string) error {
	if caller != ch.owner {
		return risk.ErrNotOwner
	}
	ch.paused = true
	return nil
}

func (ch *ClearingHouse) Unpause(caller string) error {
	if caller != ch.owner {
		return risk.ErrNotOwner
	}
	ch.paused = false
	return nil
}

// RegisterMarket wires a market into the clearing house and schedules its
// first overnight-fee settlement one period out.
func (ch *ClearingHouse) RegisterMarket(caller string, m *Market, b vamm.Block) error {
	if caller != ch.owner {
		return risk.ErrNotOwner
	}
	m.nextOvernightFeeTime = b.Time + ch.settings.OvernightFeePeriod()
	ch.markets[m.ID] = m
	return nil
}

func (ch *ClearingHouse) Market(exchangeID string) (*Market, error) {
	m, ok := ch.markets[exchangeID]
	if !ok {
		return nil, ErrUnknownExchange
	}
	return m, nil
}

func (ch *ClearingHouse) tx(c Cmd) vault.Tx {
	return vault.Tx{EventRef: c.Key, Sequence: ch.emitter.NextSequence(), Timestamp: c.Block.Time}
}

// checkGuard enforces the one-action-per-address-per-block restriction that
// kicks in once a liquidation has happened in the block.
func (ch *ClearingHouse) checkGuard(m *Market, trader string, b vamm.Block) error {
	if !ch.guard.IsRestricted(m.ID, b.Height) {
		return nil
	}
	pos, _ := ch.positions.Get(m.ID, trader)
	if pos.BlockNumber == b.Height || ch.guard.MarkedAt(m.ID, trader, b.Height) {
		return state.ErrOnlyOneAction
	}
	return nil
}

// positionResp carries one branch's outcome before it is applied to shared
// state. oiIncrease/oiDecrease are the open-interest-notional deltas and
// marginToVault is signed collateral flow, positive meaning trader pays in.
type positionResp struct {
	position           state.Position
	exchangedQuote     fixed.Decimal
	exchangedSize      fixed.Decimal
	badDebt            fixed.Decimal
	realizedPnl        fixed.Decimal
	unrealizedPnlAfter fixed.Decimal
	marginToVault      fixed.Decimal
	fundingPayment     fixed.Decimal
	overnightPayment   fixed.Decimal
	oiIncrease         fixed.Decimal
	oiDecrease         fixed.Decimal
}

func emptyResp() positionResp {
	return positionResp{
		exchangedQuote:     fixed.Zero(),
		exchangedSize:      fixed.Zero(),
		badDebt:            fixed.Zero(),
		realizedPnl:        fixed.Zero(),
		unrealizedPnlAfter: fixed.Zero(),
		marginToVault:      fixed.Zero(),
		fundingPayment:     fixed.Zero(),
		overnightPayment:   fixed.Zero(),
		oiIncrease:         fixed.Zero(),
		oiDecrease:         fixed.Zero(),
	}
}

// OpenPosition opens, increases, reduces or reverses the caller's position.
// quoteAmount is collateral; quoteAmount*leverage is the notional traded.
// baseLimit bounds slippage on the swap, zero disables it.
func (ch *ClearingHouse) OpenPosition(c Cmd, exchangeID string, side event.Side, quoteAmount, leverage, baseLimit fixed.Decimal) (*event.PositionChanged, error) {
	if ch.paused {
		return nil, ErrPaused
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if !m.Exchange.Open() {
		return nil, vamm.ErrExchangeClosed
	}
	if quoteAmount.Sign() <= 0 || leverage.Sign() <= 0 {
		return nil, ErrZeroInput
	}
	if side != event.SideLong && side != event.SideShort {
		return nil, ErrInvalidSide
	}
	if err := ch.checkGuard(m, c.Caller, c.Block); err != nil {
		return nil, err
	}

	exSnap := m.Exchange.Snapshot()
	bookSnap := ch.vault.Book().Snapshot()
	oiBefore := ch.openInterest.Total(m.ID)

	evt, err := ch.doOpenPosition(c, m, side, quoteAmount, leverage, baseLimit)
	if err != nil {
		ch.rollback(m, exSnap, bookSnap, oiBefore)
		return nil, err
	}
	return evt, nil
}

func (ch *ClearingHouse) rollback(m *Market, exSnap vamm.Snapshot, bookSnap map[ledger.AccountKey]fixed.Decimal, oiBefore fixed.Decimal) {
	m.Exchange = vamm.RestoreExchange(exSnap, m.Feed)
	ch.vault.Book().Restore(bookSnap)
	ch.openInterest.Restore(m.ID, oiBefore)
}

func (ch *ClearingHouse) doOpenPosition(c Cmd, m *Market, side event.Side, quoteAmount, leverage, baseLimit fixed.Decimal) (*event.PositionChanged, error) {
	pos, _ := ch.positions.Get(m.ID, c.Caller)
	pos, _, err := m.adjustForLiquidityChanged(pos)
	if err != nil {
		return nil, err
	}

	openNotional := quoteAmount.MulD(leverage)

	var resp positionResp
	if pos.IsEmpty() || (side == event.SideLong) == pos.IsLong() {
		resp, err = ch.increasePosition(m, pos, side, openNotional, quoteAmount, baseLimit, c.Block)
	} else {
		resp, err = ch.openReversePosition(m, pos, side, quoteAmount, leverage, baseLimit, c.Block)
	}
	if err != nil {
		return nil, err
	}

	// Caps apply only when absolute exposure grows; reducing an oversized
	// position must always be possible.
	if resp.position.Size.Abs().GT(pos.Size.Abs()) {
		if err := ch.checkHoldingLimit(m, c.Caller, resp.position.Size); err != nil {
			return nil, err
		}
	}
	if resp.oiDecrease.Sign() > 0 {
		ch.openInterest.Decrease(m.ID, resp.oiDecrease)
	}
	if resp.oiIncrease.Sign() > 0 {
		if err := ch.openInterest.Increase(m.ID, c.Caller, resp.oiIncrease, m.Params.OpenInterestNotionalCap()); err != nil {
			return nil, err
		}
	}

	// A position that survives the trade must be collateralized to the
	// opening standard.
	if !resp.position.Size.IsZero() {
		ratio, rerr := ch.marginRatioOf(m, resp.position, PnlSpot, c.Block.Time)
		if rerr != nil {
			return nil, rerr
		}
		if ratio.LT(m.Params.InitMarginRatio()) {
			return nil, ErrBadMarginRatio
		}
	}

	tx := ch.tx(c)
	var batches []*ledger.Batch

	if resp.badDebt.Sign() > 0 {
		w, werr := m.Fund.Withdraw(tx, m.ID, resp.badDebt)
		if werr != nil {
			return nil, werr
		}
		batches = append(batches, w.Batches...)
		if w.BadDebt.Sign() > 0 {
			ch.log.Error().Str("exchange", m.ID).Str("uncovered", w.BadDebt.String()).
				Msg("insurance fund exhausted")
		}
	}

	if resp.marginToVault.Sign() > 0 {
		b, berr := ch.vault.TransferToPool(tx, m.ID, c.Caller, m.QuoteAsset, resp.marginToVault)
		if berr != nil {
			return nil, berr
		}
		batches = append(batches, b)
	} else if resp.marginToVault.Sign() < 0 {
		b, berr := ch.vault.TransferFromPool(tx, m.ID, m.Fund.ID(), c.Caller, m.QuoteAsset, resp.marginToVault.Neg())
		if berr != nil {
			return nil, berr
		}
		batches = append(batches, b)
	}

	fee, feeBatch, err := ch.collectSpreadFee(tx, m, c.Caller, openNotional)
	if err != nil {
		return nil, err
	}
	if feeBatch != nil {
		batches = append(batches, feeBatch)
	}

	ch.positions.Set(m.ID, c.Caller, resp.position)

	evt := &event.PositionChanged{
		Key:                   c.Key,
		Trader:                c.Caller,
		Exchange:              m.ID,
		Margin:                resp.position.Margin,
		PositionNotional:      resp.exchangedQuote,
		ExchangedPositionSize: resp.exchangedSize,
		Fee:                   fee,
		PositionSizeAfter:     resp.position.Size,
		RealizedPnl:           resp.realizedPnl,
		UnrealizedPnlAfter:    resp.unrealizedPnlAfter,
		BadDebt:               resp.badDebt,
		FundingPayment:        resp.fundingPayment,
		OvernightPayment:      resp.overnightPayment,
		LiquidationPenalty:    fixed.Zero(),
		SpotPrice:             m.Exchange.SpotPrice(),
	}
	if _, err := ch.emitter.Emit(evt, c.Block, batches); err != nil {
		return nil, err
	}
	return evt, nil
}

// collectSpreadFee charges notional*spreadRatio, split between the insurance
// fund and the LP pool.
func (ch *ClearingHouse) collectSpreadFee(tx vault.Tx, m *Market, trader string, notional fixed.Decimal) (fixed.Decimal, *ledger.Batch, error) {
	fee := notional.MulD(m.Params.SpreadRatio())
	if fee.Sign() <= 0 {
		return fixed.Zero(), nil, nil
	}
	toInsurance := fee.MulD(ch.settings.InsuranceFundFeeRatio())
	toLp := fee.Sub(toInsurance)
	b, err := ch.vault.CollectFee(tx, m.ID, m.Fund.ID(), trader, m.QuoteAsset, toInsurance, toLp)
	if err != nil {
		return fixed.Decimal{}, nil, err
	}
	return fee, b, nil
}

func (ch *ClearingHouse) checkHoldingLimit(m *Market, trader string, newSize fixed.Decimal) error {
	cap := m.Params.MaxHoldingBaseAsset()
	if cap.IsZero() || ch.openInterest.IsWhitelisted(trader) {
		return nil
	}
	if newSize.Abs().GT(cap) {
		return ErrOverHoldingLimit
	}
	return nil
}

// increasePosition swaps openNotional into the pool on the position's side
// and grows size, margin and openNotional.
func (ch *ClearingHouse) increasePosition(m *Market, pos state.Position, side event.Side, openNotional, marginDelta, baseLimit fixed.Decimal, b vamm.Block) (positionResp, error) {
	_, unrealizedPnl, err := m.positionNotionalAndUnrealizedPnl(pos, PnlSpot, b.Time)
	if err != nil {
		return positionResp{}, err
	}

	dir := vamm.RemoveFromAmm
	if side == event.SideLong {
		dir = vamm.AddToAmm
	}
	baseOut, err := m.Exchange.SwapInput(dir, openNotional, baseLimit, false, b)
	if err != nil {
		return positionResp{}, err
	}
	exchangedSize := baseOut
	if side == event.SideShort {
		exchangedSize = baseOut.Neg()
	}

	s := m.settleAccruals(pos, marginDelta)

	resp := emptyResp()
	resp.position = state.Position{
		Size:                                  pos.Size.Add(exchangedSize),
		Margin:                                s.remainMargin,
		OpenNotional:                          pos.OpenNotional.Add(openNotional),
		LastUpdatedCumulativePremiumFraction:  s.latestCPF,
		LastUpdatedCumulativeOvernightFeeRate: s.latestCOFR,
		LiquidityHistoryIndex:                 m.Exchange.LatestLiquidityIndex(),
		BlockNumber:                           b.Height,
	}
	resp.exchangedQuote = openNotional
	resp.exchangedSize = exchangedSize
	resp.badDebt = s.badDebt
	resp.unrealizedPnlAfter = unrealizedPnl
	resp.marginToVault = marginDelta
	resp.fundingPayment = s.fundingPayment
	resp.overnightPayment = s.overnightPayment
	resp.oiIncrease = openNotional
	return resp, nil
}

func (ch *ClearingHouse) openReversePosition(m *Market, pos state.Position, side event.Side, quoteAmount, leverage, baseLimit fixed.Decimal, b vamm.Block) (positionResp, error) {
	openNotional := quoteAmount.MulD(leverage)
	oldNotional, unrealizedPnl, err := m.positionNotionalAndUnrealizedPnl(pos, PnlSpot, b.Time)
	if err != nil {
		return positionResp{}, err
	}
	// An exact match settles as a plain close inside the reverse branch.
	if openNotional.GTE(oldNotional) {
		return ch.closeAndOpenReversePosition(m, pos, side, quoteAmount, leverage, baseLimit, b)
	}
	return ch.reducePosition(m, pos, side, openNotional, baseLimit, oldNotional, unrealizedPnl, b)
}

// reducePosition trims the position by openNotional worth of the opposite
// side: PnL is realized pro rata and the matching share of the remaining
// margin is freed back to the trader.
func (ch *ClearingHouse) reducePosition(m *Market, pos state.Position, side event.Side, openNotional, baseLimit, oldNotional, unrealizedPnl fixed.Decimal, b vamm.Block) (positionResp, error) {
	dir := vamm.RemoveFromAmm
	if side == event.SideLong {
		dir = vamm.AddToAmm
	}
	baseOut, err := m.Exchange.SwapInput(dir, openNotional, baseLimit, false, b)
	if err != nil {
		return positionResp{}, err
	}
	exchangedSize := baseOut
	if side == event.SideShort {
		exchangedSize = baseOut.Neg()
	}

	realizedPnl := unrealizedPnl.MulD(baseOut).DivD(pos.Size.Abs())
	unrealizedPnlAfter := unrealizedPnl.Sub(realizedPnl)

	var remainOpenNotional fixed.Decimal
	if pos.IsLong() {
		remainOpenNotional = oldNotional.Sub(openNotional).Sub(unrealizedPnlAfter)
	} else {
		remainOpenNotional = unrealizedPnlAfter.Add(oldNotional).Sub(openNotional)
	}
	if remainOpenNotional.Sign() <= 0 {
		return positionResp{}, ErrBadOpenNotional
	}

	s := m.settleAccruals(pos, realizedPnl)

	// The closed fraction's share of margin leaves the position.
	closedRatio := baseOut.DivD(pos.Size.Abs())
	freed := s.remainMargin.MulD(closedRatio)

	resp := emptyResp()
	resp.position = state.Position{
		Size:                                  pos.Size.Add(exchangedSize),
		Margin:                                s.remainMargin.Sub(freed),
		OpenNotional:                          remainOpenNotional,
		LastUpdatedCumulativePremiumFraction:  s.latestCPF,
		LastUpdatedCumulativeOvernightFeeRate: s.latestCOFR,
		LiquidityHistoryIndex:                 m.Exchange.LatestLiquidityIndex(),
		BlockNumber:                           b.Height,
	}
	resp.exchangedQuote = openNotional
	resp.exchangedSize = exchangedSize
	resp.badDebt = s.badDebt
	resp.realizedPnl = realizedPnl
	resp.unrealizedPnlAfter = unrealizedPnlAfter
	resp.marginToVault = freed.Neg()
	resp.fundingPayment = s.fundingPayment
	resp.overnightPayment = s.overnightPayment
	resp.oiDecrease = openNotional
	return resp, nil
}

// closeAndOpenReversePosition closes the whole position, then opens a new one
// on the other side with whatever notional the requested trade has left.
func (ch *ClearingHouse) closeAndOpenReversePosition(m *Market, pos state.Position, side event.Side, quoteAmount, leverage, baseLimit fixed.Decimal, b vamm.Block) (positionResp, error) {
	closeResp, err := ch.closePositionFull(m, pos, fixed.Zero(), true, b)
	if err != nil {
		return positionResp{}, err
	}
	if closeResp.badDebt.Sign() > 0 {
		return positionResp{}, ErrUnderwaterClose
	}

	remaining := quoteAmount.MulD(leverage).Sub(closeResp.exchangedQuote)
	newMargin := remaining.DivD(leverage)
	if newMargin.IsZero() {
		// Requested notional matches the close to within rounding;
		// settles as a plain close.
		return closeResp, nil
	}

	openResp, err := ch.increasePosition(m, closeResp.position, side, remaining, newMargin, baseLimit, b)
	if err != nil {
		return positionResp{}, err
	}

	combined := emptyResp()
	combined.position = openResp.position
	combined.exchangedQuote = closeResp.exchangedQuote.Add(openResp.exchangedQuote)
	combined.exchangedSize = closeResp.exchangedSize.Add(openResp.exchangedSize)
	combined.badDebt = closeResp.badDebt.Add(openResp.badDebt)
	combined.realizedPnl = closeResp.realizedPnl
	combined.unrealizedPnlAfter = fixed.Zero()
	combined.marginToVault = closeResp.marginToVault.Add(openResp.marginToVault)
	combined.fundingPayment = closeResp.fundingPayment
	combined.overnightPayment = closeResp.overnightPayment
	combined.oiIncrease = openResp.oiIncrease
	combined.oiDecrease = closeResp.oiDecrease
	return combined, nil
}

// closePositionFull realizes 100% of the PnL, settles accruals and unwinds
// the whole size against the pool.
func (ch *ClearingHouse) closePositionFull(m *Market, pos state.Position, quoteLimit fixed.Decimal, skipFluctuationCheck bool, b vamm.Block) (positionResp, error) {
	if pos.Size.IsZero() {
		return positionResp{}, ErrPositionZero
	}

	_, unrealizedPnl, err := m.positionNotionalAndUnrealizedPnl(pos, PnlSpot, b.Time)
	if err != nil {
		return positionResp{}, err
	}
	s := m.settleAccruals(pos, unrealizedPnl)

	dir := vamm.RemoveFromAmm
	if pos.IsLong() {
		dir = vamm.AddToAmm
	}
	exchangedQuote, err := m.Exchange.SwapOutput(dir, pos.Size.Abs(), quoteLimit, skipFluctuationCheck, b)
	if err != nil {
		return positionResp{}, err
	}

	resp := emptyResp()
	resp.position = state.Position{
		Size:                                  fixed.Zero(),
		Margin:                                fixed.Zero(),
		OpenNotional:                          fixed.Zero(),
		LastUpdatedCumulativePremiumFraction:  s.latestCPF,
		LastUpdatedCumulativeOvernightFeeRate: s.latestCOFR,
		LiquidityHistoryIndex:                 m.Exchange.LatestLiquidityIndex(),
		BlockNumber:                           b.Height,
	}
	resp.exchangedQuote = exchangedQuote
	resp.exchangedSize = pos.Size.Neg()
	resp.badDebt = s.badDebt
	resp.realizedPnl = unrealizedPnl
	resp.marginToVault = s.remainMargin.Neg()
	resp.fundingPayment = s.fundingPayment
	resp.overnightPayment = s.overnightPayment
	resp.oiDecrease = pos.OpenNotional
	return resp, nil
}

// ClosePosition fully closes the caller's position. quoteLimit is the
// slippage bound on the unwind: minimum quote out for a long, maximum quote
// in for a short. Zero disables it.
func (ch *ClearingHouse) ClosePosition(c Cmd, exchangeID string, quoteLimit fixed.Decimal) (*event.PositionChanged, error) {
	if ch.paused {
		return nil, ErrPaused
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if !m.Exchange.Open() {
		return nil, vamm.ErrExchangeClosed
	}
	if err := ch.checkGuard(m, c.Caller, c.Block); err != nil {
		return nil, err
	}

	exSnap := m.Exchange.Snapshot()
	bookSnap := ch.vault.Book().Snapshot()
	oiBefore := ch.openInterest.Total(m.ID)

	evt, err := ch.doClosePosition(c, m, quoteLimit)
	if err != nil {
		ch.rollback(m, exSnap, bookSnap, oiBefore)
		return nil, err
	}
	return evt, nil
}

func (ch *ClearingHouse) doClosePosition(c Cmd, m *Market, quoteLimit fixed.Decimal) (*event.PositionChanged, error) {
	pos, ok := ch.positions.Get(m.ID, c.Caller)
	if !ok || pos.IsEmpty() {
		return nil, ErrPositionZero
	}
	pos, _, err := m.adjustForLiquidityChanged(pos)
	if err != nil {
		return nil, err
	}

	resp, err := ch.closePositionFull(m, pos, quoteLimit, false, c.Block)
	if err != nil {
		return nil, err
	}

	ch.openInterest.Decrease(m.ID, resp.oiDecrease)

	tx := ch.tx(c)
	var batches []*ledger.Batch

	if resp.badDebt.Sign() > 0 {
		w, werr := m.Fund.Withdraw(tx, m.ID, resp.badDebt)
		if werr != nil {
			return nil, werr
		}
		batches = append(batches, w.Batches...)
		if w.BadDebt.Sign() > 0 {
			ch.log.Error().Str("exchange", m.ID).Str("uncovered", w.BadDebt.String()).
				Msg("insurance fund exhausted")
		}
	}
	if payout := resp.marginToVault.Neg(); payout.Sign() > 0 {
		b, berr := ch.vault.TransferFromPool(tx, m.ID, m.Fund.ID(), c.Caller, m.QuoteAsset, payout)
		if berr != nil {
			return nil, berr
		}
		batches = append(batches, b)
	}

	fee, feeBatch, err := ch.collectSpreadFee(tx, m, c.Caller, resp.exchangedQuote)
	if err != nil {
		return nil, err
	}
	if feeBatch != nil {
		batches = append(batches, feeBatch)
	}

	ch.positions.Clear(m.ID, c.Caller, c.Block.Height)

	evt := &event.PositionChanged{
		Key:                   c.Key,
		Trader:                c.Caller,
		Exchange:              m.ID,
		Margin:                fixed.Zero(),
		PositionNotional:      resp.exchangedQuote,
		ExchangedPositionSize: resp.exchangedSize,
		Fee:                   fee,
		PositionSizeAfter:     fixed.Zero(),
		RealizedPnl:           resp.realizedPnl,
		UnrealizedPnlAfter:    fixed.Zero(),
		BadDebt:               resp.badDebt,
		FundingPayment:        resp.fundingPayment,
		OvernightPayment:      resp.overnightPayment,
		LiquidationPenalty:    fixed.Zero(),
		SpotPrice:             m.Exchange.SpotPrice(),
	}
	if _, err := ch.emitter.Emit(evt, c.Block, batches); err != nil {
		return nil, err
	}
	return evt, nil
}

// AddMargin moves collateral from the caller into their position, settling
// pending accruals on the way.
func (ch *ClearingHouse) AddMargin(c Cmd, exchangeID string, amount fixed.Decimal) (*event.MarginChanged, error) {
	if ch.paused {
		return nil, ErrPaused
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, ErrZeroInput
	}

	pos, ok := ch.positions.Get(m.ID, c.Caller)
	if !ok || pos.IsEmpty() {
		return nil, ErrPositionZero
	}
	pos, _, err = m.adjustForLiquidityChanged(pos)
	if err != nil {
		return nil, err
	}

	s := m.settleAccruals(pos, amount)
	if s.badDebt.Sign() > 0 {
		// Accrued fees ate the margin plus the deposit.
		return nil, ErrMarginNotEnough
	}

	batch, err := ch.vault.TransferToPool(ch.tx(c), m.ID, c.Caller, m.QuoteAsset, amount)
	if err != nil {
		return nil, err
	}

	pos.Margin = s.remainMargin
	pos.LastUpdatedCumulativePremiumFraction = s.latestCPF
	pos.LastUpdatedCumulativeOvernightFeeRate = s.latestCOFR
	pos.BlockNumber = c.Block.Height
	ch.positions.Set(m.ID, c.Caller, pos)

	evt := &event.MarginChanged{
		Key:              c.Key,
		Trader:           c.Caller,
		Exchange:         m.ID,
		Amount:           amount,
		FundingPayment:   s.fundingPayment,
		OvernightPayment: s.overnightPayment,
	}
	if _, err := ch.emitter.Emit(evt, c.Block, []*ledger.Batch{batch}); err != nil {
		return nil, err
	}
	return evt, nil
}

// RemoveMargin pays collateral back to the caller. The position must stay
// collateralized to the opening standard afterwards.
func (ch *ClearingHouse) RemoveMargin(c Cmd, exchangeID string, amount fixed.Decimal) (*event.MarginChanged, error) {
	if ch.paused {
		return nil, ErrPaused
	}
	m, err := ch.Market(exchangeID)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, ErrZeroInput
	}

	pos, ok := ch.positions.Get(m.ID, c.Caller)
	if !ok || pos.IsEmpty() {
		return nil, ErrPositionZero
	}
	pos, _, err = m.adjustForLiquidityChanged(pos)
	if err != nil {
		return nil, err
	}

	s := m.settleAccruals(pos, amount.Neg())
	if s.badDebt.Sign() > 0 {
		return nil, ErrMarginNotEnough
	}

	pos.Margin = s.remainMargin
	pos.LastUpdatedCumulativePremiumFraction = s.latestCPF
	pos.LastUpdatedCumulativeOvernightFeeRate = s.latestCOFR
	pos.BlockNumber = c.Block.Height

	ratio, err := ch.marginRatioOf(m, pos, PnlSpot, c.Block.Time)
	if err != nil {
		return nil, err
	}
	if ratio.LT(m.Params.InitMarginRatio()) {
		return nil, ErrBadMarginRatio
	}

	batch, err := ch.vault.TransferFromPool(ch.tx(c), m.ID, m.Fund.ID(), c.Caller, m.QuoteAsset, amount)
	if err != nil {
		return nil, err
	}

	ch.positions.Set(m.ID, c.Caller, pos)

	evt := &event.MarginChanged{
		Key:              c.Key,
		Trader:           c.Caller,
		Exchange:         m.ID,
		Amount:           amount.Neg(),
		FundingPayment:   s.fundingPayment,
		OvernightPayment: s.overnightPayment,
	}
	if _, err := ch.emitter.Emit(evt, c.Block, []*ledger.Batch{batch}); err != nil {
		return nil, err
	}
	return evt, nil
}

// marginRatioOf values the position, settles accruals virtually and relates
// the resulting equity to the position's open notional.
func (ch *ClearingHouse) marginRatioOf(m *Market, pos state.Position, option PnlCalcOption, now int64) (fixed.Decimal, error) {
	if pos.Size.IsZero() || pos.OpenNotional.IsZero() {
		return fixed.Decimal{}, ErrPositionZero
	}
	_, unrealizedPnl, err := m.positionNotionalAndUnrealizedPnl(pos, option, now)
	if err != nil {
		return fixed.Decimal{}, err
	}
	s := m.settleAccruals(pos, unrealizedPnl)
	return s.remainMargin.Sub(s.badDebt).DivD(pos.OpenNotional), nil
}

// betterMarginRatio is the liquidation criterion: whichever of the spot and
// TWAP valuations flatters the position more.
func (ch *ClearingHouse) betterMarginRatio(m *Market, pos state.Position, now int64) (fixed.Decimal, error) {
	spot, err := ch.marginRatioOf(m, pos, PnlSpot, now)
	if err != nil {
		return fixed.Decimal{}, err
	}
	twap, err := ch.marginRatioOf(m, pos, PnlTwap, now)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return fixed.Max(spot, twap), nil
}

// MarginRatio reports a position's margin ratio under the liquidation
// criterion.
func (ch *ClearingHouse) MarginRatio(exchangeID, trader string, now int64) (fixed.Decimal, error) {
	m, err := ch.Market(exchangeID)
	if err != nil {
		return fixed.Decimal{}, err
	}
	pos, err := ch.Position(exchangeID, trader)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return ch.betterMarginRatio(m, pos, now)
}

// Position returns the trader's position re-based onto the current curve
// without mutating stored state.
func (ch *ClearingHouse) Position(exchangeID, trader string) (state.Position, error) {
	m, err := ch.Market(exchangeID)
	if err != nil {
		return state.Position{}, err
	}
	pos, ok := ch.positions.Get(exchangeID, trader)
	if !ok || pos.IsEmpty() {
		return state.Position{}, ErrPositionZero
	}
	adjusted, _, err := m.adjustForLiquidityChanged(pos)
	return adjusted, err
}

// PositionNotionalAndUnrealizedPnl values a trader's position at the chosen
// price source.
func (ch *ClearingHouse) PositionNotionalAndUnrealizedPnl(exchangeID, trader string, option PnlCalcOption, now int64) (notional, unrealizedPnl fixed.Decimal, err error) {
	m, err := ch.Market(exchangeID)
	if err != nil {
		return fixed.Decimal{}, fixed.Decimal{}, err
	}
	pos, err := ch.Position(exchangeID, trader)
	if err != nil {
		return fixed.Decimal{}, fixed.Decimal{}, err
	}
	return m.positionNotionalAndUnrealizedPnl(pos, option, now)
}

// IsPositionNeedToBeMigrated reports whether a trader's recorded size is
// stale relative to the exchange's liquidity history.
func (ch *ClearingHouse) IsPositionNeedToBeMigrated(exchangeID, trader string) (bool, error) {
	m, err := ch.Market(exchangeID)
	if err != nil {
		return false, err
	}
	pos, ok := ch.positions.Get(exchangeID, trader)
	if !ok || pos.IsEmpty() {
		return false, ErrPositionZero
	}
	return pos.LiquidityHistoryIndex != m.Exchange.LatestLiquidityIndex(), nil
}

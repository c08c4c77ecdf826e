package clearing_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/event"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/insurance"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/oracle"
	"PerpVamm/internal/risk"
	"PerpVamm/internal/state"
	"PerpVamm/internal/vamm"
	"PerpVamm/internal/vault"
)

const (
	gov     = "gov"
	alice   = "alice"
	bob     = "bob"
	carol   = "carol"
	usdc    = "USDC"
	sake    = "SAKE"
	ethPerp = "ETH-USDC"
	fundID  = "fund-1"
)

func d(s string) fixed.Decimal {
	return fixed.MustFromString(s)
}

type fixture struct {
	t *testing.T

	house   *clearing.ClearingHouse
	market  *clearing.Market
	vault   *vault.Vault
	book    *ledger.BalanceTracker
	feed    *oracle.StaticFeed
	fund    *insurance.Fund
	persist chan clearing.Output
}

func defaultParams() risk.ParamsConfig {
	return risk.ParamsConfig{
		SpreadRatio:             fixed.Zero(),
		InitMarginRatio:         d("0.05"),
		MaintenanceMarginRatio:  d("0.03"),
		LiquidationFeeRatio:     d("0.0125"),
		MaxLiquidationFee:       fixed.Zero(),
		MaxHoldingBaseAsset:     fixed.Zero(),
		OpenInterestNotionalCap: fixed.Zero(),
	}
}

// newFixture wires a clearing house with one ETH-USDC market on a
// 1000 quote / 100 base curve, index price 10.
func newFixture(t *testing.T, pcfg risk.ParamsConfig) *fixture {
	t.Helper()

	feed := oracle.NewStaticFeed()
	feed.SetPrice("ETH", d("10"), 0)

	ex, err := vamm.NewExchange(vamm.Config{
		QuoteReserve:          d("1000"),
		BaseReserve:           d("100"),
		TradeLimitRatio:       d("0.9"),
		FluctuationLimitRatio: fixed.Zero(),
		SpotPriceTwapInterval: 900,
		FundingPeriod:         86400,
		PriceFeedKey:          "ETH",
		PriceFeed:             feed,
		GenesisBlock:          vamm.Block{Height: 1, Time: 0},
	})
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}

	book := ledger.NewBalanceTracker()
	v := vault.New(book)
	router := insurance.NewStaticRouter()
	fund := insurance.NewFund(fundID, ethPerp, usdc, sake, router, book)

	settings := risk.NewSettings(gov, risk.SettingsConfig{
		InsuranceFundFeeRatio:    d("0.5"),
		OvernightFeeRatio:        d("0.001"),
		OvernightFeePeriod:       86400,
		OvernightFeeLpShareRatio: d("0.5"),
		FundingFeeLpShareRatio:   d("0.5"),
	})
	if err := settings.SetInsuranceFund(gov, ethPerp, fundID); err != nil {
		t.Fatalf("SetInsuranceFund: %v", err)
	}

	positions := state.NewPositionManager()
	oi := state.NewOpenInterest()
	guard := state.NewActionGuard()
	persist := make(chan clearing.Output, 256)
	em := clearing.NewEmitter(0, book, positions, persist, nil, nil, zerolog.Nop())
	house := clearing.NewClearingHouse(gov, settings, positions, oi, guard, v, em, zerolog.Nop())

	m := clearing.NewMarket(ethPerp, usdc, ex, feed, risk.NewParams(gov, pcfg), fund)
	if err := house.RegisterMarket(gov, m, vamm.Block{Height: 1, Time: 0}); err != nil {
		t.Fatalf("RegisterMarket: %v", err)
	}

	return &fixture{
		t:       t,
		house:   house,
		market:  m,
		vault:   v,
		book:    book,
		feed:    feed,
		fund:    fund,
		persist: persist,
	}
}

func (f *fixture) deposit(trader, amount string) {
	f.t.Helper()
	tx := vault.Tx{EventRef: "seed:" + trader, Timestamp: 0}
	if _, err := f.vault.Deposit(tx, trader, usdc, d(amount)); err != nil {
		f.t.Fatalf("deposit %s: %v", trader, err)
	}
}

// seedInsurance credits the fund's quote account from the external boundary.
func (f *fixture) seedInsurance(amount string) {
	f.t.Helper()
	batchID := uuid.New()
	b := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID: uuid.New(),
			BatchID:   batchID,
			Debit:     ledger.InsuranceAccount(fundID, usdc),
			Credit:    ledger.ExternalAccount(ledger.SubTypeDeposits, usdc),
			Asset:     usdc,
			Amount:    d(amount),
			Type:      ledger.JournalTypeDeposit,
		}},
	}
	if err := f.book.ApplyBatch(b); err != nil {
		f.t.Fatalf("seed insurance: %v", err)
	}
}

func cmd(caller string, height, time int64) clearing.Cmd {
	return clearing.Cmd{
		Key:    uuid.NewString(),
		Caller: caller,
		Block:  vamm.Block{Height: height, Time: time},
	}
}

func (f *fixture) open(caller string, side event.Side, quote, leverage string, height, time int64) *event.PositionChanged {
	f.t.Helper()
	evt, err := f.house.OpenPosition(cmd(caller, height, time), ethPerp, side, d(quote), d(leverage), fixed.Zero())
	if err != nil {
		f.t.Fatalf("OpenPosition(%s %s x%s): %v", caller, quote, leverage, err)
	}
	return evt
}

func (f *fixture) position(trader string) state.Position {
	f.t.Helper()
	pos, ok := f.house.Positions().Get(ethPerp, trader)
	if !ok {
		f.t.Fatalf("no position entry for %s", trader)
	}
	return pos
}

func eq(t *testing.T, name string, got fixed.Decimal, want string) {
	t.Helper()
	if got.String() != want {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func (f *fixture) drain() []clearing.Output {
	var outs []clearing.Output
	for {
		select {
		case o := <-f.persist:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

func TestOpenPositionLong(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")

	evt := f.open(alice, event.SideLong, "60", "10", 2, 10)

	eq(t, "Margin", evt.Margin, "60.000000000000000000")
	eq(t, "PositionNotional", evt.PositionNotional, "600.000000000000000000")
	eq(t, "ExchangedPositionSize", evt.ExchangedPositionSize, "37.500000000000000000")
	eq(t, "PositionSizeAfter", evt.PositionSizeAfter, "37.500000000000000000")
	if !evt.Fee.IsZero() || !evt.RealizedPnl.IsZero() || !evt.BadDebt.IsZero() {
		t.Errorf("unexpected fee/pnl/debt: %+v", evt)
	}

	pos := f.position(alice)
	eq(t, "position size", pos.Size, "37.500000000000000000")
	eq(t, "position margin", pos.Margin, "60.000000000000000000")
	eq(t, "position open notional", pos.OpenNotional, "600.000000000000000000")

	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "600.000000000000000000")
	eq(t, "trader balance", f.vault.TraderBalance(alice, usdc), "40.000000000000000000")
	eq(t, "pool balance", f.vault.PoolBalance(ethPerp, usdc), "60.000000000000000000")
	eq(t, "quote reserve", f.market.Exchange.QuoteReserve(), "1600.000000000000000000")
	eq(t, "base reserve", f.market.Exchange.BaseReserve(), "62.500000000000000000")

	ratio, err := f.house.MarginRatio(ethPerp, alice, 10)
	if err != nil {
		t.Fatalf("MarginRatio: %v", err)
	}
	eq(t, "margin ratio", ratio, "0.100000000000000000")
}

func TestOpenPositionIncreasesSameSide(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "200")

	f.open(alice, event.SideLong, "60", "10", 2, 10)
	evt := f.open(alice, event.SideLong, "60", "10", 3, 20)

	// 100000/2200 does not divide, so the second buy yields one wei less.
	eq(t, "second exchanged size", evt.ExchangedPositionSize, "17.045454545454545454")
	eq(t, "combined size", evt.PositionSizeAfter, "54.545454545454545454")
	eq(t, "margin", evt.Margin, "120.000000000000000000")

	pos := f.position(alice)
	eq(t, "open notional", pos.OpenNotional, "1200.000000000000000000")
	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "1200.000000000000000000")
}

func TestOpenPositionInputValidation(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")

	if _, err := f.house.OpenPosition(cmd(alice, 2, 10), ethPerp, event.SideLong, fixed.Zero(), d("10"), fixed.Zero()); !errors.Is(err, clearing.ErrZeroInput) {
		t.Errorf("zero quote: got %v, want %v", err, clearing.ErrZeroInput)
	}
	if _, err := f.house.OpenPosition(cmd(alice, 2, 10), ethPerp, event.SideFlat, d("60"), d("10"), fixed.Zero()); !errors.Is(err, clearing.ErrInvalidSide) {
		t.Errorf("flat side: got %v, want %v", err, clearing.ErrInvalidSide)
	}
	if _, err := f.house.OpenPosition(cmd(alice, 2, 10), "BTC-USDC", event.SideLong, d("60"), d("10"), fixed.Zero()); !errors.Is(err, clearing.ErrUnknownExchange) {
		t.Errorf("unknown exchange: got %v, want %v", err, clearing.ErrUnknownExchange)
	}
}

func TestOpenPositionRejectsUndercollateralized(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")

	// 21x leverage lands below the 5% opening standard.
	_, err := f.house.OpenPosition(cmd(alice, 2, 10), ethPerp, event.SideLong, d("10"), d("21"), fixed.Zero())
	if !errors.Is(err, clearing.ErrBadMarginRatio) {
		t.Fatalf("got %v, want %v", err, clearing.ErrBadMarginRatio)
	}

	// The failed trade left nothing behind.
	eq(t, "quote reserve", f.market.Exchange.QuoteReserve(), "1000.000000000000000000")
	eq(t, "base reserve", f.market.Exchange.BaseReserve(), "100.000000000000000000")
	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "0.000000000000000000")
	eq(t, "trader balance", f.vault.TraderBalance(alice, usdc), "100.000000000000000000")
}

func TestReducePosition(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")

	f.open(alice, event.SideLong, "60", "10", 2, 10)
	evt := f.open(alice, event.SideShort, "30", "10", 3, 20)

	eq(t, "ExchangedPositionSize", evt.ExchangedPositionSize, "-14.423076923076923077")
	eq(t, "PositionSizeAfter", evt.PositionSizeAfter, "23.076923076923076923")
	eq(t, "Margin", evt.Margin, "36.923076923076923100")
	eq(t, "RealizedPnl", evt.RealizedPnl, "0.000000000000000000")

	pos := f.position(alice)
	eq(t, "open notional", pos.OpenNotional, "300.000000000000000000")
	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "300.000000000000000000")

	// The closed fraction's margin came back.
	eq(t, "trader balance", f.vault.TraderBalance(alice, usdc), "63.076923076923076900")
}

func TestClosePositionRoundTripWithFees(t *testing.T) {
	cfg := defaultParams()
	cfg.SpreadRatio = d("0.01")
	f := newFixture(t, cfg)
	f.deposit(alice, "100")

	openEvt := f.open(alice, event.SideLong, "60", "10", 2, 10)
	eq(t, "open fee", openEvt.Fee, "6.000000000000000000")
	eq(t, "balance after open", f.vault.TraderBalance(alice, usdc), "34.000000000000000000")

	closeEvt, err := f.house.ClosePosition(cmd(alice, 3, 20), ethPerp, fixed.Zero())
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	eq(t, "close notional", closeEvt.PositionNotional, "600.000000000000000000")
	eq(t, "close fee", closeEvt.Fee, "6.000000000000000000")
	eq(t, "ExchangedPositionSize", closeEvt.ExchangedPositionSize, "-37.500000000000000000")
	eq(t, "PositionSizeAfter", closeEvt.PositionSizeAfter, "0.000000000000000000")

	// Round trip costs exactly the two spread fees.
	eq(t, "final balance", f.vault.TraderBalance(alice, usdc), "88.000000000000000000")
	eq(t, "pool balance", f.vault.PoolBalance(ethPerp, usdc), "0.000000000000000000")
	eq(t, "insurance fee share", f.fund.QuoteBalance(), "6.000000000000000000")
	eq(t, "lp fee share", f.book.Get(ledger.LpPoolAccount(ethPerp, usdc)), "6.000000000000000000")
	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "0.000000000000000000")

	pos := f.position(alice)
	if !pos.IsEmpty() {
		t.Errorf("position not cleared: %+v", pos)
	}
}

func TestCloseAndOpenReverse(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")

	f.open(alice, event.SideLong, "60", "10", 2, 10)
	evt := f.open(alice, event.SideShort, "90", "10", 3, 20)

	// 900 requested against 600 held: close the long, open a 300 short.
	eq(t, "PositionNotional", evt.PositionNotional, "900.000000000000000000")
	eq(t, "ExchangedPositionSize", evt.ExchangedPositionSize, "-80.357142857142857143")
	eq(t, "PositionSizeAfter", evt.PositionSizeAfter, "-42.857142857142857143")
	eq(t, "Margin", evt.Margin, "30.000000000000000000")

	pos := f.position(alice)
	eq(t, "open notional", pos.OpenNotional, "300.000000000000000000")
	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "300.000000000000000000")

	// Old margin freed, new margin posted: net 30 back.
	eq(t, "trader balance", f.vault.TraderBalance(alice, usdc), "70.000000000000000000")
}

func TestReverseExactNotionalCloses(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")

	f.open(alice, event.SideLong, "60", "10", 2, 10)
	evt := f.open(alice, event.SideShort, "60", "10", 3, 20)

	eq(t, "PositionSizeAfter", evt.PositionSizeAfter, "0.000000000000000000")
	eq(t, "PositionNotional", evt.PositionNotional, "600.000000000000000000")

	pos := f.position(alice)
	if !pos.IsEmpty() {
		t.Errorf("position not cleared: %+v", pos)
	}
	eq(t, "trader balance", f.vault.TraderBalance(alice, usdc), "100.000000000000000000")
	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "0.000000000000000000")
}

func TestAddMarginSettlesFunding(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")
	f.open(alice, event.SideLong, "60", "10", 2, 10)

	// Mark TWAP 25.6 vs index TWAP 25.4: longs pay 0.2 per base unit.
	f.feed.SetTwapPrice("ETH", d("25.4"))

	if _, err := f.house.PayFunding(cmd(bob, 3, 50), ethPerp); !errors.Is(err, vamm.ErrSettleFundingTooEarly) {
		t.Fatalf("early funding: got %v, want %v", err, vamm.ErrSettleFundingTooEarly)
	}

	fs, err := f.house.PayFunding(cmd(bob, 3, 86400), ethPerp)
	if err != nil {
		t.Fatalf("PayFunding: %v", err)
	}
	eq(t, "PremiumFraction", fs.PremiumFraction, "0.200000000000000000")
	eq(t, "MarkTwap", fs.MarkTwap, "25.600000000000000000")
	eq(t, "IndexTwap", fs.IndexTwap, "25.400000000000000000")

	// Surplus 0.2*37.5 = 7.5 split evenly between LPs and insurance.
	eq(t, "pool balance", f.vault.PoolBalance(ethPerp, usdc), "52.500000000000000000")
	eq(t, "lp share", f.book.Get(ledger.LpPoolAccount(ethPerp, usdc)), "3.750000000000000000")
	eq(t, "insurance share", f.fund.QuoteBalance(), "3.750000000000000000")

	// The position realizes its funding payment on the next touch.
	mc, err := f.house.AddMargin(cmd(alice, 4, 86500), ethPerp, d("10"))
	if err != nil {
		t.Fatalf("AddMargin: %v", err)
	}
	eq(t, "FundingPayment", mc.FundingPayment, "7.500000000000000000")
	eq(t, "Amount", mc.Amount, "10.000000000000000000")
	eq(t, "margin after", f.position(alice).Margin, "62.500000000000000000")
}

func TestPayOvernightFee(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")
	f.open(alice, event.SideLong, "60", "10", 2, 10)

	if _, err := f.house.PayOvernightFee(cmd(bob, 3, 86300), ethPerp); !errors.Is(err, clearing.ErrOvernightTooEarly) {
		t.Fatalf("early overnight: got %v, want %v", err, clearing.ErrOvernightTooEarly)
	}

	evt, err := f.house.PayOvernightFee(cmd(bob, 3, 86400), ethPerp)
	if err != nil {
		t.Fatalf("PayOvernightFee: %v", err)
	}
	eq(t, "TotalOpenNotional", evt.TotalOpenNotional, "600.000000000000000000")
	eq(t, "TotalFee", evt.TotalFee, "0.600000000000000000")
	eq(t, "LpShare", evt.LpShare, "0.300000000000000000")
	eq(t, "InsuranceShare", evt.InsuranceShare, "0.300000000000000000")

	eq(t, "pool balance", f.vault.PoolBalance(ethPerp, usdc), "59.400000000000000000")

	// The next period is a full period out; an immediate retry is early.
	if got := f.market.NextOvernightFeeTime(); got != 172800 {
		t.Errorf("next overnight fee time = %d, want 172800", got)
	}
	if _, err := f.house.PayOvernightFee(cmd(bob, 4, 86500), ethPerp); !errors.Is(err, clearing.ErrOvernightTooEarly) {
		t.Fatalf("second settle: got %v, want %v", err, clearing.ErrOvernightTooEarly)
	}

	// Lazy realization on the next touch.
	mc, err := f.house.AddMargin(cmd(alice, 4, 86500), ethPerp, d("10"))
	if err != nil {
		t.Fatalf("AddMargin: %v", err)
	}
	eq(t, "OvernightPayment", mc.OvernightPayment, "0.600000000000000000")
	eq(t, "margin after", f.position(alice).Margin, "69.400000000000000000")
}

func TestRemoveMargin(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")
	f.open(alice, event.SideLong, "60", "10", 2, 10)

	if _, err := f.house.RemoveMargin(cmd(alice, 3, 20), ethPerp, d("70")); !errors.Is(err, clearing.ErrMarginNotEnough) {
		t.Errorf("over margin: got %v, want %v", err, clearing.ErrMarginNotEnough)
	}
	// 20/600 would be 3.3%, below the 5% opening standard.
	if _, err := f.house.RemoveMargin(cmd(alice, 3, 20), ethPerp, d("40")); !errors.Is(err, clearing.ErrBadMarginRatio) {
		t.Errorf("below init ratio: got %v, want %v", err, clearing.ErrBadMarginRatio)
	}

	mc, err := f.house.RemoveMargin(cmd(alice, 3, 20), ethPerp, d("25"))
	if err != nil {
		t.Fatalf("RemoveMargin: %v", err)
	}
	eq(t, "Amount", mc.Amount, "-25.000000000000000000")
	eq(t, "margin after", f.position(alice).Margin, "35.000000000000000000")
	eq(t, "trader balance", f.vault.TraderBalance(alice, usdc), "65.000000000000000000")
}

func TestPauseBlocksTrading(t *testing.T) {
	f := newFixture(t, defaultParams())
	f.deposit(alice, "100")

	if err := f.house.Pause(alice); !errors.Is(err, risk.ErrNotOwner) {
		t.Fatalf("non-owner pause: got %v, want %v", err, risk.ErrNotOwner)
	}
	if err := f.house.Pause(gov); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := f.house.OpenPosition(cmd(alice, 2, 10), ethPerp, event.SideLong, d("60"), d("10"), fixed.Zero()); !errors.Is(err, clearing.ErrPaused) {
		t.Fatalf("open while paused: got %v, want %v", err, clearing.ErrPaused)
	}
	if err := f.house.Unpause(gov); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	f.open(alice, event.SideLong, "60", "10", 2, 10)
}

func TestOpenInterestCap(t *testing.T) {
	cfg := defaultParams()
	cfg.OpenInterestNotionalCap = d("1000")
	f := newFixture(t, cfg)
	f.deposit(alice, "100")
	f.deposit(bob, "100")

	f.open(alice, event.SideLong, "60", "10", 2, 10)

	_, err := f.house.OpenPosition(cmd(bob, 3, 20), ethPerp, event.SideLong, d("60"), d("10"), fixed.Zero())
	if !errors.Is(err, state.ErrOverOpenInterestCap) {
		t.Fatalf("over cap: got %v, want %v", err, state.ErrOverOpenInterestCap)
	}

	// The rejected trade rolled back cleanly.
	eq(t, "quote reserve", f.market.Exchange.QuoteReserve(), "1600.000000000000000000")
	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "600.000000000000000000")
	eq(t, "bob balance", f.vault.TraderBalance(bob, usdc), "100.000000000000000000")

	// Whitelisted traders bypass the cap.
	f.house.OpenInterest().SetWhitelisted(bob, true)
	f.open(bob, event.SideLong, "60", "10", 4, 30)
	eq(t, "open interest", f.house.OpenInterest().Total(ethPerp), "1200.000000000000000000")
}

func TestHoldingLimit(t *testing.T) {
	cfg := defaultParams()
	cfg.MaxHoldingBaseAsset = d("40")
	f := newFixture(t, cfg)
	f.deposit(alice, "100")

	f.open(alice, event.SideLong, "60", "10", 2, 10)

	// Growing past 40 base hits the per-position bound.
	_, err := f.house.OpenPosition(cmd(alice, 3, 20), ethPerp, event.SideLong, d("10"), d("10"), fixed.Zero())
	if !errors.Is(err, clearing.ErrOverHoldingLimit) {
		t.Fatalf("over holding limit: got %v, want %v", err, clearing.ErrOverHoldingLimit)
	}

	eq(t, "position size", f.position(alice).Size, "37.500000000000000000")
	eq(t, "quote reserve", f.market.Exchange.QuoteReserve(), "1600.000000000000000000")
	eq(t, "base reserve", f.market.Exchange.BaseReserve(), "62.500000000000000000")
}

// The bound is inclusive: a trade landing exactly on the cap goes through,
// the first wei past it does not.
func TestHoldingLimitExactCap(t *testing.T) {
	cfg := defaultParams()
	cfg.MaxHoldingBaseAsset = d("37.5")
	f := newFixture(t, cfg)
	f.deposit(alice, "100")

	f.open(alice, event.SideLong, "60", "10", 2, 10)
	eq(t, "size at cap", f.position(alice).Size, "37.500000000000000000")

	if _, err := f.house.OpenPosition(cmd(alice, 3, 20), ethPerp, event.SideLong, d("1"), d("1"), fixed.Zero()); !errors.Is(err, clearing.ErrOverHoldingLimit) {
		t.Fatalf("past cap: got %v, want %v", err, clearing.ErrOverHoldingLimit)
	}
	eq(t, "size unchanged", f.position(alice).Size, "37.500000000000000000")
}

// A position already past the cap can always shrink; only growth is checked.
func TestHoldingLimitReduceOversized(t *testing.T) {
	cfg := defaultParams()
	cfg.MaxHoldingBaseAsset = d("20")
	f := newFixture(t, cfg)
	f.deposit(alice, "100")

	f.house.OpenInterest().SetWhitelisted(alice, true)
	f.open(alice, event.SideLong, "60", "10", 2, 10)
	f.house.OpenInterest().SetWhitelisted(alice, false)
	eq(t, "oversized", f.position(alice).Size, "37.500000000000000000")

	if _, err := f.house.OpenPosition(cmd(alice, 3, 20), ethPerp, event.SideShort, d("10"), d("10"), fixed.Zero()); err != nil {
		t.Fatalf("reduce oversized: %v", err)
	}
	eq(t, "reduced size", f.position(alice).Size, "33.333333333333333333")

	// Still over the cap, so growing again stays off the table.
	if _, err := f.house.OpenPosition(cmd(alice, 4, 30), ethPerp, event.SideLong, d("1"), d("1"), fixed.Zero()); !errors.Is(err, clearing.ErrOverHoldingLimit) {
		t.Fatalf("regrow: got %v, want %v", err, clearing.ErrOverHoldingLimit)
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/ingestion"
	"PerpVamm/internal/insurance"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/oracle"
	"PerpVamm/internal/risk"
	"PerpVamm/internal/state"
	"PerpVamm/internal/vamm"
	"PerpVamm/internal/vault"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		def  int
		max  int
		want int
	}{
		{"", 50, 200, 50},
		{"25", 50, 200, 25},
		{"500", 50, 200, 200},
		{"0", 50, 200, 50},
		{"-3", 50, 200, 50},
		{"abc", 50, 200, 50},
	}
	for _, tc := range tests {
		if got := parseLimit(tc.in, tc.def, tc.max); got != tc.want {
			t.Errorf("parseLimit(%q, %d, %d) = %d, want %d", tc.in, tc.def, tc.max, got, tc.want)
		}
	}
}

func newTestMux(t *testing.T) (*http.ServeMux, chan ingestion.Command) {
	t.Helper()
	adminChan := make(chan ingestion.Command, 4)
	deps := &Deps{Admin: ingestion.NewAdminIngestService(adminChan)}
	mux := http.NewServeMux()
	registerRoutes(mux, deps, zerolog.Nop())
	return mux, adminChan
}

func TestDepositEndpoint(t *testing.T) {
	mux, adminChan := newTestMux(t)

	body := `{"trader":"alice","asset":"USDC","amount":"1000","block_height":5,"block_time":1700000000}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/deposit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	select {
	case c := <-adminChan:
		if c.Type() != ingestion.CmdDeposit {
			t.Errorf("command type = %s, want %s", c.Type(), ingestion.CmdDeposit)
		}
		if c.Cmd().Caller != "alice" {
			t.Errorf("caller = %s, want alice", c.Cmd().Caller)
		}
		if c.Cmd().Block.Height != 5 || c.Cmd().Block.Time != 1700000000 {
			t.Errorf("block = %+v", c.Cmd().Block)
		}
	default:
		t.Fatal("no command injected")
	}
}

func TestWithdrawEndpoint(t *testing.T) {
	mux, adminChan := newTestMux(t)

	body := `{"trader":"bob","asset":"USDC","amount":"50"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/withdraw", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	c := <-adminChan
	if c.Type() != ingestion.CmdWithdraw {
		t.Errorf("command type = %s, want %s", c.Type(), ingestion.CmdWithdraw)
	}
}

func TestDepositValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing trader", `{"asset":"USDC","amount":"100"}`},
		{"missing asset", `{"trader":"alice","amount":"100"}`},
		{"bad amount", `{"trader":"alice","asset":"USDC","amount":"not-a-number"}`},
		{"bad json", `{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mux, adminChan := newTestMux(t)
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/deposit", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			select {
			case c := <-adminChan:
				t.Errorf("unexpected command injected: %s", c.Type())
			default:
			}
		})
	}
}

func TestFundingEndpoint(t *testing.T) {
	mux, adminChan := newTestMux(t)

	body := `{"caller":"cron","exchange":"ETH-USDC","block_time":1700003600}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/funding", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	c := <-adminChan
	if c.Type() != ingestion.CmdPayFunding {
		t.Errorf("command type = %s, want %s", c.Type(), ingestion.CmdPayFunding)
	}
}

func TestExchangeOpValidation(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/shutdown", strings.NewReader(`{"exchange":"ETH-USDC"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBalanceQueryRequiresAsset(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/balance/alice", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// directInspector serves Inspect synchronously; the handler tests have no
// dispatch goroutine.
type directInspector struct {
	house *clearing.ClearingHouse
}

func (di directInspector) Inspect(ctx context.Context, fn func(*clearing.ClearingHouse)) error {
	fn(di.house)
	return nil
}

// newLiveMux wires the live endpoints over a house with one ETH-USDC market
// on a 1000 quote / 100 base curve.
func newLiveMux(t *testing.T) *http.ServeMux {
	t.Helper()

	feed := oracle.NewStaticFeed()
	feed.SetPrice("ETH", fixed.MustFromString("10"), 0)

	ex, err := vamm.NewExchange(vamm.Config{
		QuoteReserve:          fixed.MustFromString("1000"),
		BaseReserve:           fixed.MustFromString("100"),
		TradeLimitRatio:       fixed.MustFromString("0.9"),
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
	fund := insurance.NewFund("fund-1", "ETH-USDC", "USDC", "SAKE", insurance.NewStaticRouter(), book)
	settings := risk.NewSettings("gov", risk.SettingsConfig{})
	positions := state.NewPositionManager()
	oi := state.NewOpenInterest()
	guard := state.NewActionGuard()
	persist := make(chan clearing.Output, 16)
	em := clearing.NewEmitter(0, book, positions, persist, nil, nil, zerolog.Nop())
	house := clearing.NewClearingHouse("gov", settings, positions, oi, guard, v, em, zerolog.Nop())

	params := risk.NewParams("gov", risk.ParamsConfig{
		InitMarginRatio:        fixed.MustFromString("0.05"),
		MaintenanceMarginRatio: fixed.MustFromString("0.03"),
	})
	m := clearing.NewMarket("ETH-USDC", "USDC", ex, feed, params, fund)
	if err := house.RegisterMarket("gov", m, vamm.Block{Height: 1, Time: 0}); err != nil {
		t.Fatalf("RegisterMarket: %v", err)
	}

	deps := &Deps{Engine: directInspector{house: house}}
	mux := http.NewServeMux()
	registerRoutes(mux, deps, zerolog.Nop())
	return mux
}

func TestExchangesEndpoint(t *testing.T) {
	mux := newLiveMux(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/exchanges", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Exchanges []exchangeInfo `json:"exchanges"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Exchanges) != 1 {
		t.Fatalf("got %d exchanges, want 1", len(resp.Exchanges))
	}
	info := resp.Exchanges[0]
	if info.ID != "ETH-USDC" || info.QuoteAsset != "USDC" || !info.Open {
		t.Errorf("exchange = %+v", info)
	}
	if !info.QuoteReserve.Equal(fixed.MustFromString("1000")) {
		t.Errorf("quote reserve = %s, want 1000", info.QuoteReserve)
	}
	if !info.Params.InitMarginRatio.Equal(fixed.MustFromString("0.05")) {
		t.Errorf("init margin ratio = %s, want 0.05", info.Params.InitMarginRatio)
	}
}

func TestPricesEndpoint(t *testing.T) {
	mux := newLiveMux(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/prices/ETH-USDC", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp pricesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.SpotPrice.Equal(fixed.MustFromString("10")) {
		t.Errorf("spot price = %s, want 10", resp.SpotPrice)
	}
	if resp.IndexPrice == nil || !resp.IndexPrice.Equal(fixed.MustFromString("10")) {
		t.Errorf("index price = %v, want 10", resp.IndexPrice)
	}
	if resp.SettlementPrice != nil {
		t.Errorf("settlement price set on an open exchange: %s", *resp.SettlementPrice)
	}
}

func TestPricesEndpointUnknownExchange(t *testing.T) {
	mux := newLiveMux(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/prices/DOGE-USDC", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMarginRatioEndpointNoPosition(t *testing.T) {
	mux := newLiveMux(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/margin-ratio/ETH-USDC/alice", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAdminChannelFullReturnsUnavailable(t *testing.T) {
	adminChan := make(chan ingestion.Command) // unbuffered, nobody reading
	deps := &Deps{Admin: ingestion.NewAdminIngestService(adminChan)}
	mux := http.NewServeMux()
	registerRoutes(mux, deps, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // injection cannot proceed, handler must bail out

	body := `{"trader":"alice","asset":"USDC","amount":"100"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/deposit", strings.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

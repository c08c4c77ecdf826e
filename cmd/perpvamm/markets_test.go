package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"PerpVamm/internal/fixed"
	"PerpVamm/internal/insurance"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/oracle"
	"PerpVamm/internal/risk"
	"PerpVamm/internal/vamm"
)

const validMarkets = `{
  "settings": {
    "insurance_fund_fee_ratio": "0.0005",
    "lp_withdraw_fee_ratio": "0.0005",
    "overnight_fee_ratio": "0.0001",
    "overnight_fee_period": 86400,
    "overnight_fee_lp_share_ratio": "0.5",
    "funding_fee_lp_share_ratio": "0.5",
    "block_transfer": true
  },
  "swap_rates": [{"from": "SAKE", "to": "USDC", "rate": "0.25"}],
  "markets": [{
    "id": "ETH-USDC",
    "quote_asset": "USDC",
    "price_feed_key": "ETH_USD",
    "quote_reserve": "10000000",
    "base_reserve": "5000",
    "trade_limit_ratio": "0.9",
    "fluctuation_limit_ratio": "0.012",
    "spot_price_twap_interval": 900,
    "funding_period": 3600,
    "initial_price": "2000",
    "insurance_fund": {"id": "eth-fund", "beneficiary": "admin", "reserve_asset": "SAKE"},
    "params": {
      "spread_ratio": "0.001",
      "init_margin_ratio": "0.1",
      "maintenance_margin_ratio": "0.0625",
      "liquidation_fee_ratio": "0.0125",
      "max_liquidation_fee": "1000",
      "max_holding_base_asset": "0",
      "open_interest_notional_cap": "0"
    }
  }]
}`

func writeMarketsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "markets.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write markets file: %v", err)
	}
	return path
}

func TestLoadMarketsFile(t *testing.T) {
	mf, err := loadMarketsFile(writeMarketsFile(t, validMarkets))
	if err != nil {
		t.Fatalf("loadMarketsFile: %v", err)
	}

	if len(mf.Markets) != 1 {
		t.Fatalf("got %d markets, want 1", len(mf.Markets))
	}
	md := mf.Markets[0]
	if md.ID != "ETH-USDC" || md.PriceFeedKey != "ETH_USD" {
		t.Errorf("market = %+v", md)
	}
	if !md.QuoteReserve.Equal(fixed.MustFromString("10000000")) {
		t.Errorf("quote reserve = %s", md.QuoteReserve)
	}

	sc := mf.settingsConfig()
	if sc.OvernightFeePeriod != 86400 || !sc.BlockTransfer {
		t.Errorf("settings = %+v", sc)
	}
}

func TestLoadMarketsFileRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad json", `{`, "parse markets file"},
		{"no markets", `{"markets": []}`, "no markets"},
		{"missing id", strings.Replace(validMarkets, `"id": "ETH-USDC",`, "", 1), "required"},
		{
			"duplicate id",
			strings.Replace(validMarkets, `"markets": [{`, `"markets": [{
    "id": "ETH-USDC", "quote_asset": "USDC", "price_feed_key": "ETH_USD",
    "insurance_fund": {}, "params": {}
  }, {`, 1),
			"duplicate",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadMarketsFile(writeMarketsFile(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMarketsFileMissing(t *testing.T) {
	if _, err := loadMarketsFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuildMarket(t *testing.T) {
	mf, err := loadMarketsFile(writeMarketsFile(t, validMarkets))
	if err != nil {
		t.Fatalf("loadMarketsFile: %v", err)
	}

	settings := risk.NewSettings("admin", mf.settingsConfig())
	feed := oracle.NewStaticFeed()
	router := insurance.NewStaticRouter()
	book := ledger.NewBalanceTracker()
	genesis := vamm.Block{Height: 1, Time: 1700000000}

	m, err := mf.Markets[0].buildMarket("admin", settings, feed, router, book, genesis)
	if err != nil {
		t.Fatalf("buildMarket: %v", err)
	}
	if m.ID != "ETH-USDC" || m.QuoteAsset != "USDC" {
		t.Errorf("market = %s/%s", m.ID, m.QuoteAsset)
	}

	// Initial price must be live before the first feed update.
	price, err := feed.GetPrice("ETH_USD")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if !price.Equal(fixed.MustFromString("2000")) {
		t.Errorf("seeded price = %s, want 2000", price)
	}

	if m.Params.TrancheToken(risk.TrancheHigh) == nil || m.Params.TrancheToken(risk.TrancheLow) == nil {
		t.Error("tranche tokens not initialized")
	}
	if tok := m.Params.TrancheToken(risk.TrancheHigh); tok.Exchange() != "ETH-USDC" {
		t.Errorf("tranche exchange = %s", tok.Exchange())
	}
}

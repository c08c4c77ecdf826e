package main

import (
	"encoding/json"
	"fmt"
	"os"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/insurance"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/oracle"
	"PerpVamm/internal/risk"
	"PerpVamm/internal/vamm"
)

// marketsFile is the deployment-time market inventory. Markets are runtime
// wiring, not engine state: they must be registered before a snapshot is
// restored, so they live in a config file rather than in the event log.
type marketsFile struct {
	Settings  settingsJSON `json:"settings"`
	SwapRates []swapRate   `json:"swap_rates"`
	Markets   []marketDef  `json:"markets"`
}

type settingsJSON struct {
	InsuranceFundFeeRatio    fixed.Decimal `json:"insurance_fund_fee_ratio"`
	LpWithdrawFeeRatio       fixed.Decimal `json:"lp_withdraw_fee_ratio"`
	OvernightFeeRatio        fixed.Decimal `json:"overnight_fee_ratio"`
	OvernightFeePeriod       int64         `json:"overnight_fee_period"`
	OvernightFeeLpShareRatio fixed.Decimal `json:"overnight_fee_lp_share_ratio"`
	FundingFeeLpShareRatio   fixed.Decimal `json:"funding_fee_lp_share_ratio"`
	BlockTransfer            bool          `json:"block_transfer"`
}

type swapRate struct {
	From string        `json:"from"`
	To   string        `json:"to"`
	Rate fixed.Decimal `json:"rate"`
}

type marketDef struct {
	ID           string `json:"id"`
	QuoteAsset   string `json:"quote_asset"`
	PriceFeedKey string `json:"price_feed_key"`

	QuoteReserve          fixed.Decimal `json:"quote_reserve"`
	BaseReserve           fixed.Decimal `json:"base_reserve"`
	TradeLimitRatio       fixed.Decimal `json:"trade_limit_ratio"`
	FluctuationLimitRatio fixed.Decimal `json:"fluctuation_limit_ratio"`
	SpotPriceTwapInterval int64         `json:"spot_price_twap_interval"`
	FundingPeriod         int64         `json:"funding_period"`

	InsuranceFund insuranceFundDef `json:"insurance_fund"`
	Params        paramsJSON       `json:"params"`

	// Optional initial oracle price so the market is tradeable before the
	// first feed update arrives.
	InitialPrice *fixed.Decimal `json:"initial_price,omitempty"`
}

type insuranceFundDef struct {
	ID           string `json:"id"`
	Beneficiary  string `json:"beneficiary"`
	ReserveAsset string `json:"reserve_asset"`
}

type paramsJSON struct {
	SpreadRatio             fixed.Decimal `json:"spread_ratio"`
	InitMarginRatio         fixed.Decimal `json:"init_margin_ratio"`
	MaintenanceMarginRatio  fixed.Decimal `json:"maintenance_margin_ratio"`
	LiquidationFeeRatio     fixed.Decimal `json:"liquidation_fee_ratio"`
	MaxLiquidationFee       fixed.Decimal `json:"max_liquidation_fee"`
	MaxHoldingBaseAsset     fixed.Decimal `json:"max_holding_base_asset"`
	OpenInterestNotionalCap fixed.Decimal `json:"open_interest_notional_cap"`
}

func loadMarketsFile(path string) (*marketsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	var mf marketsFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse markets file %s: %w", path, err)
	}
	if len(mf.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s defines no markets", path)
	}
	seen := make(map[string]bool, len(mf.Markets))
	for _, md := range mf.Markets {
		if md.ID == "" || md.QuoteAsset == "" || md.PriceFeedKey == "" {
			return nil, fmt.Errorf("market %q: id, quote_asset and price_feed_key are required", md.ID)
		}
		if seen[md.ID] {
			return nil, fmt.Errorf("duplicate market id %q", md.ID)
		}
		seen[md.ID] = true
	}
	return &mf, nil
}

func (mf *marketsFile) settingsConfig() risk.SettingsConfig {
	s := mf.Settings
	return risk.SettingsConfig{
		InsuranceFundFeeRatio:    s.InsuranceFundFeeRatio,
		LpWithdrawFeeRatio:       s.LpWithdrawFeeRatio,
		OvernightFeeRatio:        s.OvernightFeeRatio,
		OvernightFeePeriod:       s.OvernightFeePeriod,
		OvernightFeeLpShareRatio: s.OvernightFeeLpShareRatio,
		FundingFeeLpShareRatio:   s.FundingFeeLpShareRatio,
		BlockTransfer:            s.BlockTransfer,
	}
}

// buildMarket constructs the exchange, risk params, LP tranches and
// insurance fund for one market definition and seeds the feed with the
// initial price if given.
func (md *marketDef) buildMarket(
	owner string,
	settings *risk.Settings,
	feed *oracle.StaticFeed,
	router insurance.SwapRouter,
	book *ledger.BalanceTracker,
	genesis vamm.Block,
) (*clearing.Market, error) {
	if md.InitialPrice != nil {
		feed.SetPrice(md.PriceFeedKey, *md.InitialPrice, genesis.Time)
	}

	ex, err := vamm.NewExchange(vamm.Config{
		QuoteReserve:          md.QuoteReserve,
		BaseReserve:           md.BaseReserve,
		TradeLimitRatio:       md.TradeLimitRatio,
		FluctuationLimitRatio: md.FluctuationLimitRatio,
		SpotPriceTwapInterval: md.SpotPriceTwapInterval,
		FundingPeriod:         md.FundingPeriod,
		PriceFeedKey:          md.PriceFeedKey,
		PriceFeed:             feed,
		GenesisBlock:          genesis,
	})
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", md.ID, err)
	}

	params := risk.NewParams(owner, risk.ParamsConfig{
		SpreadRatio:             md.Params.SpreadRatio,
		InitMarginRatio:         md.Params.InitMarginRatio,
		MaintenanceMarginRatio:  md.Params.MaintenanceMarginRatio,
		LiquidationFeeRatio:     md.Params.LiquidationFeeRatio,
		MaxLiquidationFee:       md.Params.MaxLiquidationFee,
		MaxHoldingBaseAsset:     md.Params.MaxHoldingBaseAsset,
		OpenInterestNotionalCap: md.Params.OpenInterestNotionalCap,
	})
	params.InitTranches(md.ID, settings)

	fund := insurance.NewFund(
		md.InsuranceFund.ID,
		md.InsuranceFund.Beneficiary,
		md.QuoteAsset,
		md.InsuranceFund.ReserveAsset,
		router,
		book,
	)

	return clearing.NewMarket(md.ID, md.QuoteAsset, ex, feed, params, fund), nil
}

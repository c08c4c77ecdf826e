package server

import (
	"net/http"
	"time"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/fixed"
)

// Live endpoints read engine memory instead of the projections. Each request
// is run between commands on the dispatch goroutine via Engine.Inspect, so
// responses are always from a consistent state.

type marginRatioResponse struct {
	Exchange    string        `json:"exchange"`
	Trader      string        `json:"trader"`
	MarginRatio fixed.Decimal `json:"margin_ratio"`
}

type exchangeParamsJSON struct {
	SpreadRatio             fixed.Decimal `json:"spread_ratio"`
	InitMarginRatio         fixed.Decimal `json:"init_margin_ratio"`
	MaintenanceMarginRatio  fixed.Decimal `json:"maintenance_margin_ratio"`
	LiquidationFeeRatio     fixed.Decimal `json:"liquidation_fee_ratio"`
	MaxLiquidationFee       fixed.Decimal `json:"max_liquidation_fee"`
	MaxHoldingBaseAsset     fixed.Decimal `json:"max_holding_base_asset"`
	OpenInterestNotionalCap fixed.Decimal `json:"open_interest_notional_cap"`
}

type exchangeInfo struct {
	ID                    string             `json:"id"`
	QuoteAsset            string             `json:"quote_asset"`
	Open                  bool               `json:"open"`
	QuoteReserve          fixed.Decimal      `json:"quote_reserve"`
	BaseReserve           fixed.Decimal      `json:"base_reserve"`
	TotalPositionSize     fixed.Decimal      `json:"total_position_size"`
	NextFundingTime       int64              `json:"next_funding_time"`
	FundingPeriod         int64              `json:"funding_period"`
	SpotPriceTwapInterval int64              `json:"spot_price_twap_interval"`
	FluctuationLimitRatio fixed.Decimal      `json:"fluctuation_limit_ratio"`
	LatestPremiumFraction fixed.Decimal      `json:"latest_cumulative_premium_fraction"`
	LatestOvernightRate   fixed.Decimal      `json:"latest_cumulative_overnight_fee_rate"`
	NextOvernightFeeTime  int64              `json:"next_overnight_fee_time"`
	Params                exchangeParamsJSON `json:"params"`
}

type pricesResponse struct {
	Exchange        string         `json:"exchange"`
	SpotPrice       fixed.Decimal  `json:"spot_price"`
	TwapPrice       *fixed.Decimal `json:"twap_price,omitempty"`
	IndexPrice      *fixed.Decimal `json:"index_price,omitempty"`
	SettlementPrice *fixed.Decimal `json:"settlement_price,omitempty"`
}

func (h *apiHandler) getMarginRatio(w http.ResponseWriter, r *http.Request) {
	exchange := r.PathValue("exchange")
	trader := r.PathValue("trader")

	var (
		ratio   fixed.Decimal
		lookErr error
	)
	err := h.deps.Engine.Inspect(r.Context(), func(house *clearing.ClearingHouse) {
		ratio, lookErr = house.MarginRatio(exchange, trader, time.Now().Unix())
	})
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	if lookErr != nil {
		h.writeError(w, http.StatusNotFound, lookErr.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, marginRatioResponse{
		Exchange:    exchange,
		Trader:      trader,
		MarginRatio: ratio,
	})
}

func (h *apiHandler) getExchanges(w http.ResponseWriter, r *http.Request) {
	var infos []exchangeInfo
	err := h.deps.Engine.Inspect(r.Context(), func(house *clearing.ClearingHouse) {
		for _, id := range house.Markets() {
			m, err := house.Market(id)
			if err != nil {
				continue
			}
			infos = append(infos, describeMarket(m))
		}
	})
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"exchanges": infos})
}

func describeMarket(m *clearing.Market) exchangeInfo {
	ex := m.Exchange
	return exchangeInfo{
		ID:                    m.ID,
		QuoteAsset:            m.QuoteAsset,
		Open:                  ex.Open(),
		QuoteReserve:          ex.QuoteReserve(),
		BaseReserve:           ex.BaseReserve(),
		TotalPositionSize:     ex.TotalPositionSize(),
		NextFundingTime:       ex.NextFundingTime(),
		FundingPeriod:         ex.FundingPeriod(),
		SpotPriceTwapInterval: ex.SpotPriceTwapInterval(),
		FluctuationLimitRatio: ex.FluctuationLimitRatio(),
		LatestPremiumFraction: m.LatestCumulativePremiumFraction(),
		LatestOvernightRate:   m.LatestCumulativeOvernightFeeRate(),
		NextOvernightFeeTime:  m.NextOvernightFeeTime(),
		Params: exchangeParamsJSON{
			SpreadRatio:             m.Params.SpreadRatio(),
			InitMarginRatio:         m.Params.InitMarginRatio(),
			MaintenanceMarginRatio:  m.Params.MaintenanceMarginRatio(),
			LiquidationFeeRatio:     m.Params.LiquidationFeeRatio(),
			MaxLiquidationFee:       m.Params.MaxLiquidationFee(),
			MaxHoldingBaseAsset:     m.Params.MaxHoldingBaseAsset(),
			OpenInterestNotionalCap: m.Params.OpenInterestNotionalCap(),
		},
	}
}

func (h *apiHandler) getPrices(w http.ResponseWriter, r *http.Request) {
	exchange := r.PathValue("exchange")

	var (
		resp    pricesResponse
		lookErr error
	)
	err := h.deps.Engine.Inspect(r.Context(), func(house *clearing.ClearingHouse) {
		m, err := house.Market(exchange)
		if err != nil {
			lookErr = err
			return
		}
		ex := m.Exchange
		resp = pricesResponse{Exchange: exchange, SpotPrice: ex.SpotPrice()}
		now := time.Now().Unix()
		if twap, err := ex.GetTwapPrice(ex.SpotPriceTwapInterval(), now); err == nil {
			resp.TwapPrice = &twap
		}
		if idx, err := ex.UnderlyingPrice(); err == nil {
			resp.IndexPrice = &idx
		}
		if !ex.Open() {
			sp := ex.SettlementPrice()
			resp.SettlementPrice = &sp
		}
	})
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	if lookErr != nil {
		h.writeError(w, http.StatusNotFound, lookErr.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

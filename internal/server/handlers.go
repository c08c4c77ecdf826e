package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"PerpVamm/internal/fixed"
	"PerpVamm/internal/projection"
	"PerpVamm/internal/vamm"
)

func registerRoutes(mux *http.ServeMux, deps *Deps, log zerolog.Logger) {
	h := &apiHandler{deps: deps, log: log.With().Str("component", "api").Logger()}

	mux.HandleFunc("GET /v1/balance/{trader}", h.instrument("balance", h.getBalance))
	mux.HandleFunc("GET /v1/markets/{exchange}/balances", h.instrument("market_balances", h.getMarketBalances))
	mux.HandleFunc("GET /v1/insurance/{fund}/balance", h.instrument("insurance_balance", h.getInsuranceBalance))
	mux.HandleFunc("GET /v1/positions/{trader}", h.instrument("positions", h.getPositions))
	mux.HandleFunc("GET /v1/positions/{exchange}/{trader}", h.instrument("position", h.getPosition))
	mux.HandleFunc("GET /v1/funding/{exchange}", h.instrument("funding_history", h.getFundingHistory))
	mux.HandleFunc("GET /v1/journals/{trader}", h.instrument("journal_history", h.getJournalHistory))
	mux.HandleFunc("GET /v1/events", h.instrument("events", h.getEvents))
	mux.HandleFunc("GET /v1/integrity", h.instrument("integrity", h.verifyIntegrity))

	if deps.Engine != nil {
		mux.HandleFunc("GET /v1/exchanges", h.instrument("exchanges", h.getExchanges))
		mux.HandleFunc("GET /v1/prices/{exchange}", h.instrument("prices", h.getPrices))
		mux.HandleFunc("GET /v1/margin-ratio/{exchange}/{trader}", h.instrument("margin_ratio", h.getMarginRatio))
	}

	mux.HandleFunc("POST /v1/admin/deposit", h.instrument("admin_deposit", h.postDeposit))
	mux.HandleFunc("POST /v1/admin/withdraw", h.instrument("admin_withdraw", h.postWithdraw))
	mux.HandleFunc("POST /v1/admin/funding", h.instrument("admin_funding", h.postPayFunding))
	mux.HandleFunc("POST /v1/admin/overnight-fee", h.instrument("admin_overnight_fee", h.postPayOvernightFee))
	mux.HandleFunc("POST /v1/admin/shutdown", h.instrument("admin_shutdown", h.postShutdown))
	mux.HandleFunc("POST /v1/admin/rebuild-projections", h.instrument("admin_rebuild", h.postRebuildProjections))
	mux.HandleFunc("GET /v1/admin/event-log", h.instrument("admin_event_log", h.getEventLogInfo))
}

type apiHandler struct {
	deps *Deps
	log  zerolog.Logger
}

// instrument wraps a handler with request counting and latency observation.
func (h *apiHandler) instrument(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if m := h.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (h *apiHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// --- Queries ---

func (h *apiHandler) getBalance(w http.ResponseWriter, r *http.Request) {
	trader := r.PathValue("trader")
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		h.writeError(w, http.StatusBadRequest, "asset is required")
		return
	}

	bal, err := h.deps.QueryService.GetBalance(r.Context(), trader, asset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get balance failed")
		h.log.Error().Err(err).Str("trader", trader).Msg("get balance")
		return
	}
	h.writeJSON(w, http.StatusOK, bal)
}

func (h *apiHandler) getMarketBalances(w http.ResponseWriter, r *http.Request) {
	exchange := r.PathValue("exchange")
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		h.writeError(w, http.StatusBadRequest, "asset is required")
		return
	}

	bal, err := h.deps.QueryService.GetMarketBalances(r.Context(), exchange, asset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get market balances failed")
		h.log.Error().Err(err).Str("exchange", exchange).Msg("get market balances")
		return
	}
	h.writeJSON(w, http.StatusOK, bal)
}

func (h *apiHandler) getInsuranceBalance(w http.ResponseWriter, r *http.Request) {
	fund := r.PathValue("fund")
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		h.writeError(w, http.StatusBadRequest, "asset is required")
		return
	}

	bal, asOfSeq, err := h.deps.QueryService.GetInsuranceBalance(r.Context(), fund, asset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get insurance balance failed")
		h.log.Error().Err(err).Str("fund", fund).Msg("get insurance balance")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fund":           fund,
		"asset":          asset,
		"balance":        bal,
		"as_of_sequence": asOfSeq,
	})
}

func (h *apiHandler) getPositions(w http.ResponseWriter, r *http.Request) {
	trader := r.PathValue("trader")

	positions, err := h.deps.QueryService.GetPositions(r.Context(), trader)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get positions failed")
		h.log.Error().Err(err).Str("trader", trader).Msg("get positions")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (h *apiHandler) getPosition(w http.ResponseWriter, r *http.Request) {
	exchange := r.PathValue("exchange")
	trader := r.PathValue("trader")

	pos, err := h.deps.QueryService.GetPosition(r.Context(), exchange, trader)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get position failed")
		h.log.Error().Err(err).Str("exchange", exchange).Str("trader", trader).Msg("get position")
		return
	}
	if pos == nil {
		h.writeError(w, http.StatusNotFound, "no open position")
		return
	}
	h.writeJSON(w, http.StatusOK, pos)
}

func (h *apiHandler) getFundingHistory(w http.ResponseWriter, r *http.Request) {
	exchange := r.PathValue("exchange")
	q := r.URL.Query()

	limit := parseLimit(q.Get("limit"), 50, 200)

	var kind *string
	if k := q.Get("kind"); k != "" {
		kind = &k
	}

	var before *int64
	if b := q.Get("before"); b != "" {
		v, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &v
	}

	history, err := h.deps.QueryService.GetFundingHistory(r.Context(), exchange, kind, limit, before)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get funding history failed")
		h.log.Error().Err(err).Str("exchange", exchange).Msg("get funding history")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (h *apiHandler) getJournalHistory(w http.ResponseWriter, r *http.Request) {
	trader := r.PathValue("trader")
	q := r.URL.Query()

	limit := parseLimit(q.Get("limit"), 100, 500)

	var before *int64
	if b := q.Get("before"); b != "" {
		v, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &v
	}

	entries, err := h.deps.QueryService.GetJournalHistory(r.Context(), trader, limit, before)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get journal history failed")
		h.log.Error().Err(err).Str("trader", trader).Msg("get journal history")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (h *apiHandler) getEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from := int64(0)
	if f := q.Get("from"); f != "" {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid from sequence")
			return
		}
		from = v
	}
	limit := parseLimit(q.Get("limit"), 100, 1000)

	events, err := h.deps.QueryService.GetEvents(r.Context(), from, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get events failed")
		h.log.Error().Err(err).Msg("get events")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *apiHandler) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "integrity check failed")
		h.log.Error().Err(err).Msg("verify integrity")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// --- Admin ---

type balanceRequest struct {
	Trader      string `json:"trader"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	BlockHeight int64  `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

func (br *balanceRequest) block() vamm.Block {
	b := vamm.Block{Height: br.BlockHeight, Time: br.BlockTime}
	if b.Time == 0 {
		b.Time = time.Now().Unix()
	}
	return b
}

func (h *apiHandler) postDeposit(w http.ResponseWriter, r *http.Request) {
	h.handleBalanceOp(w, r, h.deps.Admin.InjectDeposit)
}

func (h *apiHandler) postWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleBalanceOp(w, r, h.deps.Admin.InjectWithdrawal)
}

func (h *apiHandler) handleBalanceOp(
	w http.ResponseWriter,
	r *http.Request,
	inject func(ctx context.Context, trader, asset string, amount fixed.Decimal, block vamm.Block) error,
) {
	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Trader == "" || req.Asset == "" {
		h.writeError(w, http.StatusBadRequest, "trader and asset are required")
		return
	}

	amount, err := fixed.FromString(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := inject(r.Context(), req.Trader, req.Asset, amount, req.block()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type exchangeRequest struct {
	Caller      string `json:"caller"`
	Exchange    string `json:"exchange"`
	BlockHeight int64  `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

func (er *exchangeRequest) block() vamm.Block {
	b := vamm.Block{Height: er.BlockHeight, Time: er.BlockTime}
	if b.Time == 0 {
		b.Time = time.Now().Unix()
	}
	return b
}

func (h *apiHandler) postPayFunding(w http.ResponseWriter, r *http.Request) {
	h.handleExchangeOp(w, r, h.deps.Admin.InjectPayFunding)
}

func (h *apiHandler) postPayOvernightFee(w http.ResponseWriter, r *http.Request) {
	h.handleExchangeOp(w, r, h.deps.Admin.InjectPayOvernightFee)
}

func (h *apiHandler) postShutdown(w http.ResponseWriter, r *http.Request) {
	h.handleExchangeOp(w, r, h.deps.Admin.InjectShutdown)
}

func (h *apiHandler) handleExchangeOp(
	w http.ResponseWriter,
	r *http.Request,
	inject func(ctx context.Context, caller, exchangeID string, block vamm.Block) error,
) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Caller == "" || req.Exchange == "" {
		h.writeError(w, http.StatusBadRequest, "caller and exchange are required")
		return
	}

	if err := inject(r.Context(), req.Caller, req.Exchange, req.block()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *apiHandler) postRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), h.deps.DB, h.deps.Metrics, h.log); err != nil {
		h.writeError(w, http.StatusInternalServerError, "rebuild failed")
		h.log.Error().Err(err).Msg("rebuild projections")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (h *apiHandler) getEventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := h.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get latest sequence failed")
		h.log.Error().Err(err).Msg("get event log info")
		return
	}

	watermark, err := h.deps.QueryService.Watermark(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get watermark failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{
		"last_sequence":        latestSeq,
		"projection_watermark": watermark,
	})
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

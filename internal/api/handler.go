// Package api is the HTTP surface of the portfolio engine.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/events"
	"github.com/blumarkets/portfolio-engine/internal/loan"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/price"
	"github.com/blumarkets/portfolio-engine/internal/rebalance"
	"github.com/blumarkets/portfolio-engine/internal/store"
	"github.com/blumarkets/portfolio-engine/internal/trade"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

// Handler serves /api/v1.
type Handler struct {
	trades    *trade.Service
	rebalance *rebalance.Service
	loans     *loan.Manager
	store     store.Store
	prices    price.Source
	hub       *events.Hub // optional
	now       func() time.Time
}

// NewHandler wires the HTTP surface. hub may be nil, which disables /ws.
func NewHandler(
	trades *trade.Service,
	rb *rebalance.Service,
	loans *loan.Manager,
	st store.Store,
	prices price.Source,
	hub *events.Hub,
) *Handler {
	return &Handler{
		trades:    trades,
		rebalance: rb,
		loans:     loans,
		store:     st,
		prices:    prices,
		hub:       hub,
		now:       time.Now,
	}
}

// Routes returns the router to mount at /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
	r.Get("/prices", h.GetPrices)

	r.Post("/portfolios", h.CreatePortfolio)
	r.Route("/portfolios/{userID}", func(r chi.Router) {
		r.Get("/", h.GetPortfolio)
		r.Get("/ledger", h.GetLedger)
		r.Get("/loans", h.ListLoans)
		r.Post("/trades/preview", h.PreviewTrade)
		r.Post("/trades", h.ExecuteTrade)
		r.Get("/rebalance", h.PreviewRebalance)
		r.Post("/rebalance", h.ExecuteRebalance)
	})

	r.Post("/loans", h.CreateLoan)
	r.Get("/loans/{loanID}", h.GetLoan)
	r.Post("/loans/{loanID}/repay", h.RepayLoan)

	return r
}

// --- Request types ---

// CreatePortfolioRequest is the hand-off from onboarding.
type CreatePortfolioRequest struct {
	UserID    string          `json:"user_id"`
	RiskScore int             `json:"risk_score"`
	CashIrr   decimal.Decimal `json:"cash_irr"`
}

// TradeRequest is a single trade for the user in the path.
type TradeRequest struct {
	Side      model.TradeSide `json:"side"`
	AssetID   string          `json:"asset_id"`
	AmountIrr decimal.Decimal `json:"amount_irr"`
}

// RebalanceRequest selects the rebalance mode. Empty means HOLDINGS_ONLY.
type RebalanceRequest struct {
	Mode model.RebalanceMode `json:"mode"`
}

// RepayRequest is a loan repayment.
type RepayRequest struct {
	AmountIrr decimal.Decimal `json:"amount_irr"`
}

// PriceView is one quote with its freshness band.
type PriceView struct {
	price.Quote
	Freshness price.Freshness `json:"freshness"`
}

// PricesResponse is the body of GET /prices.
type PricesResponse struct {
	Prices []PriceView  `json:"prices"`
	FX     price.FXRate `json:"fx"`
	AsOf   time.Time    `json:"as_of"`
}

// --- Portfolios ---

// CreatePortfolio handles POST /portfolios
func (h *Handler) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.trades.CreatePortfolio(r.Context(), req.UserID, req.RiskScore, req.CashIrr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPortfolio handles GET /portfolios/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ov, err := h.trades.Overview(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// GetLedger handles GET /portfolios/{userID}/ledger?limit=
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	limit := defaultLedgerLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", model.ErrValidation))
			return
		}
		limit = min(n, maxLedgerLimit)
	}
	entries, err := h.store.ListLedger(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListLoans handles GET /portfolios/{userID}/loans
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.loans.ListByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if loans == nil {
		loans = []model.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

// --- Trades ---

// PreviewTrade handles POST /portfolios/{userID}/trades/preview
func (h *Handler) PreviewTrade(w http.ResponseWriter, r *http.Request) {
	req, ok := tradeRequest(w, r)
	if !ok {
		return
	}
	res, err := h.trades.Preview(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExecuteTrade handles POST /portfolios/{userID}/trades
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	req, ok := tradeRequest(w, r)
	if !ok {
		return
	}
	res, err := h.trades.Execute(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func tradeRequest(w http.ResponseWriter, r *http.Request) (trade.Request, bool) {
	var body TradeRequest
	if !decode(w, r, &body) {
		return trade.Request{}, false
	}
	return trade.Request{
		UserID:    chi.URLParam(r, "userID"),
		Side:      body.Side,
		AssetID:   body.AssetID,
		AmountIrr: body.AmountIrr,
	}, true
}

// --- Rebalance ---

// PreviewRebalance handles GET /portfolios/{userID}/rebalance?mode=
func (h *Handler) PreviewRebalance(w http.ResponseWriter, r *http.Request) {
	mode, err := parseMode(model.RebalanceMode(r.URL.Query().Get("mode")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	plan, err := h.rebalance.Preview(r.Context(), chi.URLParam(r, "userID"), mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ExecuteRebalance handles POST /portfolios/{userID}/rebalance
func (h *Handler) ExecuteRebalance(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	plan, err := h.rebalance.Execute(r.Context(), chi.URLParam(r, "userID"), mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func parseMode(m model.RebalanceMode) (model.RebalanceMode, error) {
	if m == "" {
		return model.ModeHoldingsOnly, nil
	}
	if !m.Valid() {
		return "", fmt.Errorf("%w: mode must be %s or %s", model.ErrValidation, model.ModeHoldingsOnly, model.ModeHoldingsPlusCash)
	}
	return m, nil
}

// --- Loans ---

// CreateLoan handles POST /loans
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req loan.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.loans.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GetLoan handles GET /loans/{loanID}
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.loans.Get(r.Context(), chi.URLParam(r, "loanID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// RepayLoan handles POST /loans/{loanID}/repay
func (h *Handler) RepayLoan(w http.ResponseWriter, r *http.Request) {
	var req RepayRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.loans.Repay(r.Context(), chi.URLParam(r, "loanID"), req.AmountIrr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- Prices ---

// GetPrices handles GET /prices
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	snap, err := h.prices.CurrentPrices(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", model.ErrStalePrice, err))
		return
	}
	now := h.now().UTC()
	resp := PricesResponse{Prices: make([]PriceView, 0, len(snap.Quotes)), FX: snap.FX, AsOf: now}
	for _, q := range snap.Quotes {
		resp.Prices = append(resp.Prices, PriceView{Quote: q, Freshness: price.FreshnessOf(q.FetchedAt, now)})
	}
	sort.Slice(resp.Prices, func(i, j int) bool { return resp.Prices[i].AssetID < resp.Prices[j].AssetID })
	writeJSON(w, http.StatusOK, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body", model.ErrValidation))
		return false
	}
	return true
}

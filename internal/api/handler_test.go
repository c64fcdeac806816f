package api_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/allocation"
	"github.com/blumarkets/portfolio-engine/internal/api"
	"github.com/blumarkets/portfolio-engine/internal/loan"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
	"github.com/blumarkets/portfolio-engine/internal/price"
	"github.com/blumarkets/portfolio-engine/internal/rebalance"
	"github.com/blumarkets/portfolio-engine/internal/registry"
	"github.com/blumarkets/portfolio-engine/internal/store"
	"github.com/blumarkets/portfolio-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestRouter wires every service on an in-memory store with each
// catalog asset priced at 1,000,000 IRR.
func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	pol := policy.Default()
	reg := registry.Default(pol.MaxLTV)
	src := price.NewStaticSource()
	for _, a := range reg.Assets() {
		src.SetIRR(a.ID, d(1_000_000))
	}
	st := store.NewMemoryStore()
	cls := allocation.NewClassifier(pol, reg)
	exec := trade.NewExecutor(pol, reg)

	h := api.NewHandler(
		trade.NewService(st, src, cls, exec, pol, nil),
		rebalance.NewService(st, src, rebalance.NewPlanner(pol, cls, reg), exec, pol, nil),
		loan.NewManager(st, src, reg, cls, pol, nil),
		st,
		src,
		nil,
	)
	r := chi.NewRouter()
	r.Mount("/api/v1", h.Routes())
	return r
}

func do(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

type errResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	got := decodeBody[errResp](t, w)
	if got.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, got.Code, got.Error)
	}
}

func createPortfolio(t *testing.T, r chi.Router, userID string, cash float64) {
	t.Helper()
	w := do(t, r, "POST", "/api/v1/portfolios", api.CreatePortfolioRequest{
		UserID: userID, RiskScore: 5, CashIrr: d(cash),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create portfolio: %d %s", w.Code, w.Body.String())
	}
}

func buy(t *testing.T, r chi.Router, userID, asset string, amount float64) trade.Result {
	t.Helper()
	w := do(t, r, "POST", "/api/v1/portfolios/"+userID+"/trades", api.TradeRequest{
		Side: model.SideBuy, AssetID: asset, AmountIrr: d(amount),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy %s: %d %s", asset, w.Code, w.Body.String())
	}
	return decodeBody[trade.Result](t, w)
}

func TestCreatePortfolio(t *testing.T) {
	r := newTestRouter(t)
	createPortfolio(t, r, "u1", 100_000_000)

	w := do(t, r, "POST", "/api/v1/portfolios", api.CreatePortfolioRequest{UserID: "u1", RiskScore: 5, CashIrr: d(1)})
	expectError(t, w, http.StatusConflict, model.KindConflict)

	w = do(t, r, "POST", "/api/v1/portfolios", api.CreatePortfolioRequest{UserID: "u2", RiskScore: 11})
	expectError(t, w, http.StatusBadRequest, model.KindValidation)
}

func TestGetPortfolio(t *testing.T) {
	r := newTestRouter(t)
	createPortfolio(t, r, "u1", 100_000_000)
	buy(t, r, "u1", "USDT", 20_000_000)

	w := do(t, r, "GET", "/api/v1/portfolios/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ov := decodeBody[trade.Overview](t, w)
	if ov.Portfolio.UserID != "u1" {
		t.Errorf("expected u1, got %s", ov.Portfolio.UserID)
	}
	if !ov.Analysis.Current.Foundation.Equal(d(100)) {
		t.Errorf("expected 100%% foundation, got %s", ov.Analysis.Current.Foundation)
	}
	if ov.Analysis.Boundary != model.BoundaryStress {
		t.Errorf("expected STRESS, got %s", ov.Analysis.Boundary)
	}

	w = do(t, r, "GET", "/api/v1/portfolios/nobody", nil)
	expectError(t, w, http.StatusNotFound, model.KindNotFound)
}

func TestTrades(t *testing.T) {
	r := newTestRouter(t)
	createPortfolio(t, r, "u1", 100_000_000)

	w := do(t, r, "POST", "/api/v1/portfolios/u1/trades/preview", api.TradeRequest{
		Side: model.SideBuy, AssetID: "BTC", AmountIrr: d(10_000_000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("preview: %d %s", w.Code, w.Body.String())
	}
	preview := decodeBody[trade.Result](t, w)
	if preview.LedgerEntryID != "" {
		t.Error("preview must not write the ledger")
	}

	res := buy(t, r, "u1", "BTC", 10_000_000)
	if !res.Fill.Quantity.Equal(d(9.97)) {
		t.Errorf("expected 9.97 BTC, got %s", res.Fill.Quantity)
	}
	if res.LedgerEntryID == "" {
		t.Error("expected a ledger entry id")
	}

	w = do(t, r, "GET", "/api/v1/portfolios/u1/ledger?limit=1", nil)
	entries := decodeBody[[]model.LedgerEntry](t, w)
	if len(entries) != 1 || entries[0].Type != model.EntryTradeBuy {
		t.Fatalf("expected newest entry TRADE_BUY, got %+v", entries)
	}

	w = do(t, r, "GET", "/api/v1/portfolios/u1/ledger?limit=abc", nil)
	expectError(t, w, http.StatusBadRequest, model.KindValidation)
}

func TestTrades_Errors(t *testing.T) {
	r := newTestRouter(t)
	createPortfolio(t, r, "u1", 5_000_000)

	tests := []struct {
		name   string
		req    api.TradeRequest
		status int
		code   string
	}{
		{"below minimum", api.TradeRequest{Side: model.SideBuy, AssetID: "BTC", AmountIrr: d(500_000)}, http.StatusBadRequest, model.KindValidation},
		{"bad side", api.TradeRequest{Side: "HOLD", AssetID: "BTC", AmountIrr: d(2_000_000)}, http.StatusBadRequest, model.KindValidation},
		{"not enough cash", api.TradeRequest{Side: model.SideBuy, AssetID: "BTC", AmountIrr: d(6_000_000)}, http.StatusUnprocessableEntity, model.KindInsufficientFunds},
		{"sell unheld", api.TradeRequest{Side: model.SideSell, AssetID: "ETH", AmountIrr: d(2_000_000)}, http.StatusUnprocessableEntity, model.KindInsufficientFunds},
		{"unknown asset", api.TradeRequest{Side: model.SideBuy, AssetID: "DOGE", AmountIrr: d(2_000_000)}, http.StatusNotFound, model.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, "POST", "/api/v1/portfolios/u1/trades", tt.req)
			expectError(t, w, tt.status, tt.code)
		})
	}
}

func TestRebalance(t *testing.T) {
	r := newTestRouter(t)
	createPortfolio(t, r, "u1", 100_000_000)
	buy(t, r, "u1", "USDT", 50_000_000)

	w := do(t, r, "GET", "/api/v1/portfolios/u1/rebalance?mode=SIDEWAYS", nil)
	expectError(t, w, http.StatusBadRequest, model.KindValidation)

	w = do(t, r, "GET", "/api/v1/portfolios/u1/rebalance?mode=HOLDINGS_PLUS_CASH", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("preview: %d %s", w.Code, w.Body.String())
	}
	plan := decodeBody[model.RebalancePlan](t, w)
	if plan.Mode != model.ModeHoldingsPlusCash || len(plan.Trades) == 0 {
		t.Fatalf("expected trades for HOLDINGS_PLUS_CASH, got %+v", plan)
	}

	w = do(t, r, "POST", "/api/v1/portfolios/u1/rebalance", api.RebalanceRequest{Mode: model.ModeHoldingsPlusCash})
	if w.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", w.Code, w.Body.String())
	}

	// Drift is now small, so the cooldown applies.
	w = do(t, r, "POST", "/api/v1/portfolios/u1/rebalance", nil)
	expectError(t, w, http.StatusConflict, model.KindLimitExceeded)
}

func TestLoans_RoundTrip(t *testing.T) {
	r := newTestRouter(t)
	createPortfolio(t, r, "u1", 100_000_000)
	buy(t, r, "u1", "BTC", 40_000_000)

	w := do(t, r, "POST", "/api/v1/loans", loan.CreateRequest{
		UserID: "u1", AssetID: "BTC", PrincipalIrr: d(10_000_000), DurationMonths: 3,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create loan: %d %s", w.Code, w.Body.String())
	}
	l := decodeBody[model.Loan](t, w)
	if l.Status != model.LoanActive || !l.TotalDueIrr.Equal(d(10_750_000)) {
		t.Fatalf("unexpected loan %+v", l)
	}

	w = do(t, r, "GET", "/api/v1/loans/"+l.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get loan: %d", w.Code)
	}

	w = do(t, r, "POST", "/api/v1/loans/"+l.ID+"/repay", api.RepayRequest{AmountIrr: d(10_750_000)})
	if w.Code != http.StatusOK {
		t.Fatalf("repay: %d %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.Loan](t, w); got.Status != model.LoanRepaid {
		t.Errorf("expected REPAID, got %s", got.Status)
	}

	w = do(t, r, "POST", "/api/v1/loans/"+l.ID+"/repay", api.RepayRequest{AmountIrr: d(1_000)})
	expectError(t, w, http.StatusNotFound, model.KindNotFound)

	w = do(t, r, "GET", "/api/v1/portfolios/u1/loans", nil)
	if loans := decodeBody[[]model.Loan](t, w); len(loans) != 1 {
		t.Errorf("expected 1 loan, got %d", len(loans))
	}
}

func TestLoans_Rejections(t *testing.T) {
	r := newTestRouter(t)
	createPortfolio(t, r, "u1", 100_000_000)
	buy(t, r, "u1", "BTC", 90_000_000)

	// 30M fits the BTC LTV (about 44.9M) but not the 25% portfolio cap.
	w := do(t, r, "POST", "/api/v1/loans", loan.CreateRequest{
		UserID: "u1", AssetID: "BTC", PrincipalIrr: d(30_000_000), DurationMonths: 6,
	})
	expectError(t, w, http.StatusConflict, model.KindLimitExceeded)

	w = do(t, r, "POST", "/api/v1/loans", loan.CreateRequest{
		UserID: "u1", AssetID: "ETH", PrincipalIrr: d(1_000_000), DurationMonths: 3,
	})
	expectError(t, w, http.StatusUnprocessableEntity, model.KindInsufficientCollateral)

	w = do(t, r, "GET", "/api/v1/loans/missing", nil)
	expectError(t, w, http.StatusNotFound, model.KindNotFound)
}

func TestGetPrices(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, "GET", "/api/v1/prices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[api.PricesResponse](t, w)
	if len(resp.Prices) != 15 {
		t.Fatalf("expected 15 quotes, got %d", len(resp.Prices))
	}
	for i, p := range resp.Prices {
		if p.Freshness != price.Fresh {
			t.Errorf("%s: expected FRESH, got %s", p.AssetID, p.Freshness)
		}
		if i > 0 && resp.Prices[i-1].AssetID >= p.AssetID {
			t.Errorf("prices not sorted at %d", i)
		}
	}
}

func TestInvalidBody(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest("POST", "/api/v1/loans", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	expectError(t, w, http.StatusBadRequest, model.KindValidation)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: x", model.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: x", model.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", model.ErrInsufficientCollateral), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", model.ErrLimitExceeded), http.StatusConflict},
		{fmt.Errorf("%w: x", model.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", model.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: x", model.ErrStalePrice), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusOf(tt.err); got != tt.status {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.status, got)
		}
	}
}

// Package trade executes single trades against a portfolio and owns the
// portfolio entry points (creation, priced overview).
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/allocation"
	"github.com/blumarkets/portfolio-engine/internal/events"
	"github.com/blumarkets/portfolio-engine/internal/metrics"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
	"github.com/blumarkets/portfolio-engine/internal/price"
	"github.com/blumarkets/portfolio-engine/internal/registry"
	"github.com/blumarkets/portfolio-engine/internal/store"
)

// Service handles user trades and portfolio reads. Serialization per user
// comes from the row lock taken in the store transaction.
type Service struct {
	store      store.Store
	prices     price.Source
	classifier *allocation.Classifier
	executor   *Executor
	policy     policy.Policy
	events     events.Publisher // optional
	now        func() time.Time
	log        *slog.Logger
}

// NewService creates a new trade service. Pass nil for pub if realtime
// events are not needed.
func NewService(
	st store.Store,
	prices price.Source,
	classifier *allocation.Classifier,
	executor *Executor,
	p policy.Policy,
	pub events.Publisher,
) *Service {
	return &Service{
		store:      st,
		prices:     prices,
		classifier: classifier,
		executor:   executor,
		policy:     p,
		events:     pub,
		now:        time.Now,
		log:        slog.With("component", "trade"),
	}
}

// --- Request/Response types ---

// Request is a user-initiated single trade.
type Request struct {
	UserID    string          `json:"user_id"`
	Side      model.TradeSide `json:"side"`
	AssetID   string          `json:"asset_id"`
	AmountIrr decimal.Decimal `json:"amount_irr"`
}

// Result is returned by both Preview and Execute. LedgerEntryID is empty
// for a preview.
type Result struct {
	Fill              Fill             `json:"fill"`
	Before            model.Allocation `json:"before"`
	After             model.Allocation `json:"after"`
	Boundary          model.Boundary   `json:"boundary"`
	MovesTowardTarget bool             `json:"moves_toward_target"`
	CashAfterIrr      decimal.Decimal  `json:"cash_after_irr"`
	LedgerEntryID     string           `json:"ledger_entry_id,omitempty"`
}

// Overview is a portfolio priced at current market.
type Overview struct {
	Portfolio *model.Portfolio     `json:"portfolio"`
	Analysis  *allocation.Analysis `json:"analysis"`
}

func (s *Service) validate(req Request) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", model.ErrValidation)
	}
	if req.AssetID == "" {
		return fmt.Errorf("%w: asset_id is required", model.ErrValidation)
	}
	if req.AmountIrr.LessThan(s.policy.MinTradeIrr) {
		return fmt.Errorf("%w: amount must be at least %s IRR", model.ErrValidation, s.policy.MinTradeIrr)
	}
	return nil
}

// Preview prices the trade and its allocation impact without mutating anything.
func (s *Service) Preview(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	prices, err := s.currentPrices(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPortfolio(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	res, _, err := s.price(p, req, prices)
	return res, err
}

// Execute applies the trade, saves the portfolio and appends one ledger
// entry in a single transaction.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	prices, err := s.currentPrices(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var res *Result
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPortfolio(ctx, req.UserID)
		if err != nil {
			return err
		}
		r, t, err := s.price(p, req, prices)
		if err != nil {
			return err
		}
		entry, _, err := s.executor.Execute(ctx, tx, p, t, r.Fill.PriceIrr, "", r.Boundary)
		if err != nil {
			return err
		}
		if err := tx.SavePortfolio(ctx, p); err != nil {
			return err
		}
		r.CashAfterIrr = p.CashIrr
		r.LedgerEntryID = entry.ID
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side), "user").Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())

	s.log.Info("trade executed",
		"entry_id", res.LedgerEntryID,
		"user", req.UserID,
		"side", req.Side,
		"asset", req.AssetID,
		"amount", req.AmountIrr.String(),
		"quantity", res.Fill.Quantity.String(),
		"spread", res.Fill.SpreadIrr.String(),
		"boundary", res.Boundary,
	)

	if s.events != nil {
		s.events.Publish(events.Event{
			Type:      events.TypeTradeExecuted,
			UserID:    req.UserID,
			AssetID:   req.AssetID,
			Side:      string(req.Side),
			AmountIrr: req.AmountIrr.String(),
			Boundary:  string(res.Boundary),
		})
	}
	return res, nil
}

// price quotes req against p and classifies the post-trade allocation.
func (s *Service) price(p *model.Portfolio, req Request, prices model.Prices) (*Result, model.Trade, error) {
	a, err := s.classifier.Analyze(p, prices)
	if err != nil {
		return nil, model.Trade{}, err
	}
	layer, err := s.executor.layers.Layer(req.AssetID)
	if err != nil {
		return nil, model.Trade{}, err
	}
	px, err := prices.Get(req.AssetID)
	if err != nil {
		return nil, model.Trade{}, err
	}

	t := model.Trade{Side: req.Side, AssetID: req.AssetID, AmountIrr: req.AmountIrr, Layer: layer}
	f, err := s.executor.Quote(p, t, px)
	if err != nil {
		return nil, model.Trade{}, err
	}
	t.Layer = f.Trade.Layer

	impact, err := s.classifier.Impact(a, f.Trade, f.LayerDelta().Abs())
	if err != nil {
		return nil, model.Trade{}, err
	}

	cash := p.CashIrr.Add(f.NetIrr)
	if t.Side == model.SideBuy {
		cash = p.CashIrr.Sub(f.GrossIrr)
	}
	return &Result{
		Fill:              f,
		Before:            a.Current,
		After:             impact.After,
		Boundary:          impact.Boundary,
		MovesTowardTarget: impact.MovesTowardTarget,
		CashAfterIrr:      cash,
	}, t, nil
}

// CreatePortfolio opens a portfolio for a user handed off by onboarding.
func (s *Service) CreatePortfolio(ctx context.Context, userID string, riskScore int, cashIrr decimal.Decimal) (*model.Portfolio, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	if cashIrr.IsNegative() {
		return nil, fmt.Errorf("%w: cash must not be negative", model.ErrValidation)
	}
	target, err := registry.TargetForRisk(riskScore)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &model.Portfolio{
		UserID:    userID,
		CashIrr:   cashIrr,
		Holdings:  []model.Holding{},
		RiskScore: riskScore,
		Target:    target,
		CreatedAt: now,
	}
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      model.EntryPortfolioOpen,
		AmountIrr: cashIrr,
		Quantity:  decimal.Zero,
		Boundary:  model.BoundarySafe,
		After:     p.Snapshot(),
		Timestamp: now,
	}
	if err := s.store.CreatePortfolio(ctx, p, entry); err != nil {
		return nil, err
	}

	s.log.Info("portfolio created", "user", userID, "risk_score", riskScore, "cash", cashIrr.String())
	if s.events != nil {
		s.events.Publish(events.Event{Type: events.TypePortfolioCreated, UserID: userID, AmountIrr: cashIrr.String()})
	}
	return p, nil
}

// Overview returns the portfolio with its current allocation analysis.
func (s *Service) Overview(ctx context.Context, userID string) (*Overview, error) {
	p, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	prices, err := s.currentPrices(ctx)
	if err != nil {
		return nil, err
	}
	a, err := s.classifier.Analyze(p, prices)
	if err != nil {
		return nil, err
	}
	return &Overview{Portfolio: p, Analysis: a}, nil
}

func (s *Service) currentPrices(ctx context.Context) (model.Prices, error) {
	snap, err := s.prices.CurrentPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStalePrice, err)
	}
	return snap.IrrPrices(), nil
}

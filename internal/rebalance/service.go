package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blumarkets/portfolio-engine/internal/events"
	"github.com/blumarkets/portfolio-engine/internal/metrics"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
	"github.com/blumarkets/portfolio-engine/internal/price"
	"github.com/blumarkets/portfolio-engine/internal/store"
	"github.com/blumarkets/portfolio-engine/internal/trade"
)

// Service previews and executes rebalances.
type Service struct {
	store    store.Store
	prices   price.Source
	planner  *Planner
	executor *trade.Executor
	policy   policy.Policy
	events   events.Publisher // optional
	now      func() time.Time
	log      *slog.Logger
}

// NewService creates a rebalance service. pub may be nil.
func NewService(st store.Store, prices price.Source, planner *Planner, executor *trade.Executor, p policy.Policy, pub events.Publisher) *Service {
	return &Service{
		store:    st,
		prices:   prices,
		planner:  planner,
		executor: executor,
		policy:   p,
		events:   pub,
		now:      time.Now,
		log:      slog.With("component", "rebalance"),
	}
}

// Preview returns the plan for userID without mutating anything. The
// cooldown does not apply.
func (s *Service) Preview(ctx context.Context, userID string, mode model.RebalanceMode) (*model.RebalancePlan, error) {
	prices, err := s.currentPrices(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, _, err := s.planner.Plan(p, prices, mode)
	return plan, err
}

// Execute plans and applies a rebalance in one transaction: every trade,
// its ledger entry and the new lastRebalanceAt commit together or not at
// all. Within the cooldown window it fails with ErrLimitExceeded unless
// the overall drift exceeds the emergency threshold.
func (s *Service) Execute(ctx context.Context, userID string, mode model.RebalanceMode) (*model.RebalancePlan, error) {
	prices, err := s.currentPrices(ctx)
	if err != nil {
		return nil, err
	}

	var plan *model.RebalancePlan
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPortfolio(ctx, userID)
		if err != nil {
			return err
		}
		pl, _, err := s.planner.Plan(p, prices, mode)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if err := s.checkCooldown(p, pl, now); err != nil {
			return err
		}
		if len(pl.Trades) == 0 {
			plan = pl
			return nil
		}

		for _, t := range pl.Trades {
			px, err := prices.Get(t.AssetID)
			if err != nil {
				return err
			}
			if _, _, err := s.executor.Execute(ctx, tx, p, t, px, model.EntryRebalance, pl.Boundary); err != nil {
				return fmt.Errorf("rebalance %s %s: %w", t.Side, t.AssetID, err)
			}
		}
		p.LastRebalanceAt = &now
		if err := tx.SavePortfolio(ctx, p); err != nil {
			return err
		}
		plan = pl
		return nil
	})
	if err != nil {
		outcome := "failed"
		if model.KindOf(err) == model.KindLimitExceeded {
			outcome = "cooldown"
		}
		metrics.RebalancesTotal.WithLabelValues(string(mode), outcome).Inc()
		return nil, err
	}

	if len(plan.Trades) == 0 {
		metrics.RebalancesTotal.WithLabelValues(string(mode), "noop").Inc()
		return plan, nil
	}

	metrics.RebalancesTotal.WithLabelValues(string(mode), "executed").Inc()
	metrics.DiscardedTrades.Add(float64(plan.DiscardedTrades))
	for _, t := range plan.Trades {
		metrics.TradesTotal.WithLabelValues(string(t.Side), "rebalance").Inc()
	}

	s.log.Info("rebalance executed",
		"user", userID,
		"mode", mode,
		"trades", len(plan.Trades),
		"discarded", plan.DiscardedTrades,
		"sell", plan.TotalSellIrr.String(),
		"buy", plan.TotalBuyIrr.String(),
		"drift", plan.OverallDrift.String(),
		"residual", plan.ResidualDrift.String(),
		"locked_collateral", plan.HasLockedCollateral,
	)
	if s.events != nil {
		s.events.Publish(events.Event{
			Type:      events.TypeRebalanceExecuted,
			UserID:    userID,
			AmountIrr: plan.TotalBuyIrr.Add(plan.TotalSellIrr).String(),
			Boundary:  string(plan.Boundary),
		})
	}
	return plan, nil
}

func (s *Service) checkCooldown(p *model.Portfolio, plan *model.RebalancePlan, now time.Time) error {
	if p.LastRebalanceAt == nil {
		return nil
	}
	next := p.LastRebalanceAt.Add(s.policy.RebalanceCooldown)
	if !now.Before(next) {
		return nil
	}
	if plan.OverallDrift.GreaterThan(s.policy.EmergencyThreshold) {
		s.log.Warn("cooldown bypassed by emergency drift", "user", p.UserID, "drift", plan.OverallDrift.String())
		return nil
	}
	return fmt.Errorf("%w: rebalance cooldown until %s", model.ErrLimitExceeded, next.Format(time.RFC3339))
}

func (s *Service) currentPrices(ctx context.Context) (model.Prices, error) {
	snap, err := s.prices.CurrentPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStalePrice, err)
	}
	return snap.IrrPrices(), nil
}

// Package rebalance derives and executes the trades that bring a portfolio
// back toward its target allocation.
package rebalance

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/allocation"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
)

var hundred = decimal.NewFromInt(100)

// WeightSource provides the intra-layer target weights used to spread buys.
type WeightSource interface {
	Weights(l model.Layer) map[string]decimal.Decimal
}

// Planner builds rebalance plans. It is pure: nothing is mutated.
type Planner struct {
	policy     policy.Policy
	classifier *allocation.Classifier
	weights    WeightSource
}

// NewPlanner creates a planner.
func NewPlanner(p policy.Policy, classifier *allocation.Classifier, weights WeightSource) *Planner {
	return &Planner{policy: p, classifier: classifier, weights: weights}
}

// Plan computes the trades for p at prices.
//
// Gaps are measured against the holdings value in HOLDINGS_ONLY mode and
// against holdings plus cash in HOLDINGS_PLUS_CASH mode. Overweight layers
// sell only their unfrozen value, spread across holdings by value.
// Underweight layers share the net sell proceeds (plus cash when allowed)
// in proportion to their gap, never beyond it, and split their share by
// intra-layer weight. Trades under the rebalance floor are dropped and
// their amount is not redistributed.
func (pl *Planner) Plan(p *model.Portfolio, prices model.Prices, mode model.RebalanceMode) (*model.RebalancePlan, *allocation.Analysis, error) {
	if !mode.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown rebalance mode %q", model.ErrValidation, mode)
	}
	a, err := pl.classifier.Analyze(p, prices)
	if err != nil {
		return nil, nil, err
	}

	base := a.HoldingsValueIrr
	if mode == model.ModeHoldingsPlusCash {
		base = base.Add(a.CashIrr)
	}

	gaps := make(map[model.Layer]decimal.Decimal, len(model.Layers))
	for _, l := range model.Layers {
		target := base.Mul(a.Target.Of(l)).Div(hundred)
		gaps[l] = target.Sub(a.LayerValues[l])
	}

	plan := &model.RebalancePlan{
		Mode:              mode,
		Trades:            []model.Trade{},
		TotalBuyIrr:       decimal.Zero,
		TotalSellIrr:      decimal.Zero,
		CurrentAllocation: a.Current,
		TargetAllocation:  a.Target,
		OverallDrift:      a.OverallDrift,
		Boundary:          a.Boundary,
	}
	plan.HasLockedCollateral = allFrozen(a)

	// Sell phase.
	delta := make(map[model.Layer]decimal.Decimal, len(model.Layers))
	pool := decimal.Zero
	for _, l := range model.Layers {
		if !gaps[l].IsNegative() {
			continue
		}
		required := gaps[l].Neg()
		sellable := a.AvailableValues[l]
		if required.GreaterThan(sellable) && a.LayerValues[l].GreaterThan(sellable) {
			plan.HasLockedCollateral = true
		}
		sell := decimal.Min(required, sellable)
		if !sell.IsPositive() {
			continue
		}
		for _, hv := range a.Holdings {
			if hv.Layer != l || !hv.AvailableIrr.IsPositive() {
				continue
			}
			t := model.Trade{Side: model.SideSell, AssetID: hv.AssetID, Layer: l}
			share := sell.Mul(hv.AvailableIrr).Div(sellable).Truncate(0)
			if share.GreaterThanOrEqual(hv.AvailableIrr.Truncate(0)) {
				// Whole unfrozen position: pin the quantity so no dust is left.
				share = hv.AvailableIrr
				t.Quantity = hv.Quantity.Sub(hv.FrozenQuantity)
			}
			t.AmountIrr = share
			if share.LessThan(pl.policy.MinRebalanceTradeIrr) {
				plan.DiscardedTrades++
				continue
			}
			plan.Trades = append(plan.Trades, t)
			plan.TotalSellIrr = plan.TotalSellIrr.Add(share)
			delta[l] = delta[l].Sub(share)
			pool = pool.Add(share.Mul(decimal.NewFromInt(1).Sub(pl.policy.Spread(l))))
		}
	}

	// Buy phase.
	if mode == model.ModeHoldingsPlusCash {
		pool = pool.Add(a.CashIrr)
	}
	totalGap := decimal.Zero
	for _, l := range model.Layers {
		if gaps[l].IsPositive() {
			totalGap = totalGap.Add(gaps[l])
		}
	}
	if pool.IsPositive() && totalGap.IsPositive() {
		for _, l := range model.Layers {
			if !gaps[l].IsPositive() {
				continue
			}
			budget := decimal.Min(gaps[l], pool.Mul(gaps[l]).Div(totalGap))
			for _, asset := range sortedWeights(pl.weights.Weights(l)) {
				amount := budget.Mul(asset.weight).Truncate(0)
				if !amount.IsPositive() {
					continue
				}
				if amount.LessThan(pl.policy.MinRebalanceTradeIrr) {
					plan.DiscardedTrades++
					continue
				}
				plan.Trades = append(plan.Trades, model.Trade{Side: model.SideBuy, AssetID: asset.id, Layer: l, AmountIrr: amount})
				plan.TotalBuyIrr = plan.TotalBuyIrr.Add(amount)
				delta[l] = delta[l].Add(amount.Mul(decimal.NewFromInt(1).Sub(pl.policy.Spread(l))))
			}
		}
	}

	sortTrades(plan.Trades)

	plan.AfterAllocation = a.Project(delta)
	plan.ResidualDrift = allocation.MaxAbs(allocation.Drift(plan.AfterAllocation, a.Target))
	plan.CanFullyRebalance = plan.ResidualDrift.LessThanOrEqual(pl.policy.RebalanceTolerance)
	plan.GapAnalysis = pl.gapAnalysis(a, gaps)
	return plan, a, nil
}

// allFrozen reports whether the portfolio holds something and every
// holding is entirely pledged as collateral.
func allFrozen(a *allocation.Analysis) bool {
	if len(a.Holdings) == 0 {
		return false
	}
	for _, hv := range a.Holdings {
		if hv.Quantity.GreaterThan(hv.FrozenQuantity) {
			return false
		}
	}
	return true
}

func (pl *Planner) gapAnalysis(a *allocation.Analysis, gaps map[model.Layer]decimal.Decimal) []model.LayerGap {
	rows := make([]model.LayerGap, 0, len(model.Layers))
	for _, l := range model.Layers {
		dir := "HOLD"
		switch {
		case gaps[l].GreaterThanOrEqual(pl.policy.MinRebalanceTradeIrr):
			dir = "BUY"
		case gaps[l].Neg().GreaterThanOrEqual(pl.policy.MinRebalanceTradeIrr):
			dir = "SELL"
		}
		rows = append(rows, model.LayerGap{
			Layer:      l,
			TargetPct:  a.Target.Of(l),
			CurrentPct: a.Current.Of(l),
			GapPct:     a.Target.Of(l).Sub(a.Current.Of(l)),
			GapIrr:     gaps[l],
			Direction:  dir,
		})
	}
	return rows
}

type weightedAsset struct {
	id     string
	weight decimal.Decimal
}

func sortedWeights(w map[string]decimal.Decimal) []weightedAsset {
	out := make([]weightedAsset, 0, len(w))
	for id, v := range w {
		if v.IsPositive() {
			out = append(out, weightedAsset{id: id, weight: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func layerRank(l model.Layer) int {
	for i, x := range model.Layers {
		if x == l {
			return i
		}
	}
	return len(model.Layers)
}

// sortTrades orders sells before buys, then by layer and asset.
func sortTrades(trades []model.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		a, b := trades[i], trades[j]
		if a.Side != b.Side {
			return a.Side == model.SideSell
		}
		if ra, rb := layerRank(a.Layer), layerRank(b.Layer); ra != rb {
			return ra < rb
		}
		return a.AssetID < b.AssetID
	})
}

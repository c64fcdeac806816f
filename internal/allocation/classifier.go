// Package allocation computes a portfolio's per-layer allocation, its drift
// from target and the resulting boundary tier.
//
// Percentages are taken over the value of holdings, so the three layers
// always sum to 100 whenever anything is held. Idle cash is reported
// separately in TotalValueIrr and is never part of a layer. Including cash
// in the denominator would leave the layers short of 100 for any portfolio
// holding cash, so loan caps use TotalValueIrr and allocation does not.
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
)

var hundred = decimal.NewFromInt(100)

// LayerResolver maps an asset to its layer.
type LayerResolver interface {
	Layer(assetID string) (model.Layer, error)
}

// HoldingValue is the priced view of one holding.
type HoldingValue struct {
	AssetID        string          `json:"asset_id"`
	Layer          model.Layer     `json:"layer"`
	PriceIrr       decimal.Decimal `json:"price_irr"`
	ValueIrr       decimal.Decimal `json:"value_irr"`
	AvailableIrr   decimal.Decimal `json:"available_irr"` // value of the unfrozen quantity
	Quantity       decimal.Decimal `json:"quantity"`
	FrozenQuantity decimal.Decimal `json:"frozen_quantity"`
}

// Analysis is the classifier output for one portfolio at one set of prices.
type Analysis struct {
	CashIrr          decimal.Decimal                 `json:"cash_irr"`
	HoldingsValueIrr decimal.Decimal                 `json:"holdings_value_irr"`
	TotalValueIrr    decimal.Decimal                 `json:"total_value_irr"`
	LayerValues      map[model.Layer]decimal.Decimal `json:"layer_values"`
	AvailableValues  map[model.Layer]decimal.Decimal `json:"available_values"`
	Holdings         []HoldingValue                  `json:"holdings"`
	Current          model.Allocation                `json:"current"`
	Target           model.Allocation                `json:"target"`
	Drift            model.Allocation                `json:"drift"` // current - target
	OverallDrift     decimal.Decimal                 `json:"overall_drift"`
	Boundary         model.Boundary                  `json:"boundary"`
}

// Classifier is stateless apart from its policy and asset lookup.
type Classifier struct {
	policy policy.Policy
	layers LayerResolver
}

// NewClassifier creates a classifier.
func NewClassifier(p policy.Policy, layers LayerResolver) *Classifier {
	return &Classifier{policy: p, layers: layers}
}

// Analyze prices every holding and classifies the portfolio. A held asset
// without a price yields ErrStalePrice.
func (c *Classifier) Analyze(p *model.Portfolio, prices model.Prices) (*Analysis, error) {
	a := &Analysis{
		CashIrr:          p.CashIrr,
		HoldingsValueIrr: decimal.Zero,
		LayerValues:      make(map[model.Layer]decimal.Decimal, len(model.Layers)),
		AvailableValues:  make(map[model.Layer]decimal.Decimal, len(model.Layers)),
		Target:           p.Target,
	}
	for _, l := range model.Layers {
		a.LayerValues[l] = decimal.Zero
		a.AvailableValues[l] = decimal.Zero
	}

	for _, h := range p.Holdings {
		if !h.Quantity.IsPositive() {
			continue
		}
		layer, err := c.layers.Layer(h.AssetID)
		if err != nil {
			return nil, err
		}
		price, err := prices.Get(h.AssetID)
		if err != nil {
			return nil, err
		}
		value := h.Quantity.Mul(price)
		avail := h.Available().Mul(price)

		a.Holdings = append(a.Holdings, HoldingValue{
			AssetID:        h.AssetID,
			Layer:          layer,
			PriceIrr:       price,
			ValueIrr:       value,
			AvailableIrr:   avail,
			Quantity:       h.Quantity,
			FrozenQuantity: h.FrozenQuantity,
		})
		a.LayerValues[layer] = a.LayerValues[layer].Add(value)
		a.AvailableValues[layer] = a.AvailableValues[layer].Add(avail)
		a.HoldingsValueIrr = a.HoldingsValueIrr.Add(value)
	}
	a.TotalValueIrr = a.CashIrr.Add(a.HoldingsValueIrr)

	a.Current = Percentages(a.LayerValues)
	a.Drift = Drift(a.Current, a.Target)
	a.OverallDrift = MaxAbs(a.Drift)
	a.Boundary = c.Classify(a.OverallDrift)
	return a, nil
}

// Classify maps an overall drift to its boundary tier.
func (c *Classifier) Classify(overallDrift decimal.Decimal) model.Boundary {
	d := overallDrift.Abs()
	switch {
	case d.GreaterThanOrEqual(c.policy.StressThreshold):
		return model.BoundaryStress
	case d.GreaterThanOrEqual(c.policy.StructuralThreshold):
		return model.BoundaryStructural
	case d.GreaterThanOrEqual(c.policy.DriftThreshold):
		return model.BoundaryDrift
	default:
		return model.BoundarySafe
	}
}

// Project returns the allocation after adding delta to each layer's value.
func (a *Analysis) Project(delta map[model.Layer]decimal.Decimal) model.Allocation {
	values := make(map[model.Layer]decimal.Decimal, len(model.Layers))
	for _, l := range model.Layers {
		v := a.LayerValues[l].Add(delta[l])
		if v.IsNegative() {
			v = decimal.Zero
		}
		values[l] = v
	}
	return Percentages(values)
}

// TradeImpact describes the effect of a single trade on allocation.
type TradeImpact struct {
	After             model.Allocation `json:"after"`
	OverallDrift      decimal.Decimal  `json:"overall_drift"`
	Boundary          model.Boundary   `json:"boundary"`
	MovesTowardTarget bool             `json:"moves_toward_target"`
}

// Impact applies t to the analysed allocation. netIrr is the value that
// reaches or leaves the layer: the post-spread amount for a buy, the gross
// amount for a sell. MovesTowardTarget is true iff |drift| of the traded
// layer strictly shrinks.
func (c *Classifier) Impact(a *Analysis, t model.Trade, netIrr decimal.Decimal) (*TradeImpact, error) {
	if !t.Layer.Valid() {
		return nil, fmt.Errorf("%w: trade has no layer", model.ErrValidation)
	}
	delta := netIrr
	if t.Side == model.SideSell {
		delta = delta.Neg()
	}
	after := a.Project(map[model.Layer]decimal.Decimal{t.Layer: delta})
	drift := Drift(after, a.Target)
	overall := MaxAbs(drift)

	before := a.Drift.Of(t.Layer).Abs()
	return &TradeImpact{
		After:             after,
		OverallDrift:      overall,
		Boundary:          c.Classify(overall),
		MovesTowardTarget: drift.Of(t.Layer).Abs().LessThan(before),
	}, nil
}

// Percentages converts layer values to percentages of their sum. All zero
// when nothing is held.
func Percentages(values map[model.Layer]decimal.Decimal) model.Allocation {
	total := decimal.Zero
	for _, l := range model.Layers {
		total = total.Add(values[l])
	}
	var out model.Allocation
	for _, l := range model.Layers {
		pct := decimal.Zero
		if total.IsPositive() {
			pct = values[l].Div(total).Mul(hundred)
		}
		out = out.With(l, pct)
	}
	return out
}

// Drift returns current - target per layer.
func Drift(current, target model.Allocation) model.Allocation {
	var out model.Allocation
	for _, l := range model.Layers {
		out = out.With(l, current.Of(l).Sub(target.Of(l)))
	}
	return out
}

// MaxAbs returns the largest absolute layer value.
func MaxAbs(a model.Allocation) decimal.Decimal {
	m := decimal.Zero
	for _, l := range model.Layers {
		m = decimal.Max(m, a.Of(l).Abs())
	}
	return m
}

// Package registry holds the static asset catalog: which layer each asset
// belongs to, its intra-layer target weight and its loan-to-value cap, plus
// the fixed risk-score → target allocation table.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

var (
	// ErrInvalidCatalog is returned when weights or layers are inconsistent.
	ErrInvalidCatalog = errors.New("registry: invalid asset catalog")

	// ErrInvalidRiskScore is returned for scores outside 1..10.
	ErrInvalidRiskScore = fmt.Errorf("%w: risk score must be between 1 and 10", model.ErrValidation)
)

// riskTargets maps a 1–10 risk score to {foundation, growth, upside}.
// Every row sums to 100.
var riskTargets = [10][3]int64{
	{85, 12, 3},
	{80, 15, 5},
	{70, 22, 8},
	{65, 25, 10},
	{55, 30, 15},
	{50, 32, 18},
	{45, 35, 20},
	{40, 35, 25},
	{35, 35, 30},
	{30, 35, 35},
}

// TargetForRisk returns the target allocation for a risk score.
func TargetForRisk(score int) (model.Allocation, error) {
	if score < 1 || score > len(riskTargets) {
		return model.Allocation{}, fmt.Errorf("%w: got %d", ErrInvalidRiskScore, score)
	}
	row := riskTargets[score-1]
	return model.Allocation{
		Foundation: decimal.NewFromInt(row[0]),
		Growth:     decimal.NewFromInt(row[1]),
		Upside:     decimal.NewFromInt(row[2]),
	}, nil
}

// Registry is safe for concurrent use. Intra-layer weights may be replaced
// at runtime by the HRAM job; layers and LTV caps are fixed.
type Registry struct {
	mu     sync.RWMutex
	assets map[string]model.AssetConfig
	order  []string
}

// New builds a registry from the given catalog, validating that every
// asset has a known layer, a positive LTV, and that intra-layer weights
// sum to exactly 1 for each populated layer.
func New(assets []model.AssetConfig) (*Registry, error) {
	r := &Registry{assets: make(map[string]model.AssetConfig, len(assets))}
	for _, a := range assets {
		if a.ID == "" || !a.Layer.Valid() {
			return nil, fmt.Errorf("%w: asset %q has no valid layer", ErrInvalidCatalog, a.ID)
		}
		if _, dup := r.assets[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate asset %s", ErrInvalidCatalog, a.ID)
		}
		if !a.MaxLTV.IsPositive() || a.MaxLTV.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: asset %s max ltv must be in (0,1]", ErrInvalidCatalog, a.ID)
		}
		r.assets[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	for _, l := range model.Layers {
		weights := r.weightsLocked(l)
		if len(weights) == 0 {
			continue
		}
		if err := checkWeights(l, weights); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns the production catalog with per-layer LTV caps applied.
func Default(maxLTV map[model.Layer]decimal.Decimal) *Registry {
	r, err := New(DefaultCatalog(maxLTV))
	if err != nil {
		panic(err) // the built-in catalog is a programming constant
	}
	return r
}

// Asset returns the catalog entry for id.
func (r *Registry) Asset(id string) (model.AssetConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[id]
	if !ok {
		return model.AssetConfig{}, fmt.Errorf("%w: unknown asset %s", model.ErrNotFound, id)
	}
	return a, nil
}

// Layer returns the layer of asset id.
func (r *Registry) Layer(id string) (model.Layer, error) {
	a, err := r.Asset(id)
	if err != nil {
		return "", err
	}
	return a.Layer, nil
}

// MaxLTV returns the loan-to-value cap for asset id.
func (r *Registry) MaxLTV(id string) (decimal.Decimal, error) {
	a, err := r.Asset(id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.MaxLTV, nil
}

// Assets returns every asset in catalog order.
func (r *Registry) Assets() []model.AssetConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AssetConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.assets[id])
	}
	return out
}

// LayerAssets returns the assets of layer l in catalog order.
func (r *Registry) LayerAssets(l model.Layer) []model.AssetConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.AssetConfig
	for _, id := range r.order {
		if a := r.assets[id]; a.Layer == l {
			out = append(out, a)
		}
	}
	return out
}

// Weights returns asset id → intra-layer target weight for layer l.
func (r *Registry) Weights(l model.Layer) map[string]decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weightsLocked(l)
}

// SetLayerWeights replaces the intra-layer weights of layer l. Every asset
// of the layer must be present and the weights must sum to exactly 1.
func (r *Registry) SetLayerWeights(l model.Layer, weights map[string]decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.weightsLocked(l)
	if len(current) != len(weights) {
		return fmt.Errorf("%w: %s expects %d weights, got %d", ErrInvalidCatalog, l, len(current), len(weights))
	}
	for id := range weights {
		if _, ok := current[id]; !ok {
			return fmt.Errorf("%w: asset %s is not in layer %s", ErrInvalidCatalog, id, l)
		}
	}
	if err := checkWeights(l, weights); err != nil {
		return err
	}
	for id, w := range weights {
		a := r.assets[id]
		a.LayerWeight = w
		r.assets[id] = a
	}
	return nil
}

func (r *Registry) weightsLocked(l model.Layer) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, a := range r.assets {
		if a.Layer == l {
			out[a.ID] = a.LayerWeight
		}
	}
	return out
}

func checkWeights(l model.Layer, weights map[string]decimal.Decimal) error {
	sum := decimal.Zero
	ids := make([]string, 0, len(weights))
	for id, w := range weights {
		if w.IsNegative() {
			return fmt.Errorf("%w: negative weight for %s", ErrInvalidCatalog, id)
		}
		sum = sum.Add(w)
		ids = append(ids, id)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		sort.Strings(ids)
		return fmt.Errorf("%w: %s weights %v sum to %s, want 1", ErrInvalidCatalog, l, ids, sum)
	}
	return nil
}

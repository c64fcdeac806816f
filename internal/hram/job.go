package hram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// HistoryReader returns the most recent daily closes of an asset, oldest first.
type HistoryReader interface {
	PriceHistory(ctx context.Context, assetID string, limit int) ([]model.PricePoint, error)
}

// WeightPublisher receives recomputed weights.
type WeightPublisher interface {
	LayerAssets(l model.Layer) []model.AssetConfig
	SetLayerWeights(l model.Layer, weights map[string]decimal.Decimal) error
}

// RefreshJob recomputes intra-layer weights for every layer and publishes
// them to the asset registry.
type RefreshJob struct {
	history  HistoryReader
	registry WeightPublisher
	params   Params
	logger   *slog.Logger
}

// NewRefreshJob creates the weight refresh job.
func NewRefreshJob(history HistoryReader, registry WeightPublisher, params Params) *RefreshJob {
	return &RefreshJob{
		history:  history,
		registry: registry,
		params:   params,
		logger:   slog.With("component", "hram"),
	}
}

func (j *RefreshJob) Name() string { return "hram-refresh" }

// Run refreshes each layer independently. A failing layer keeps its
// previous weights and does not stop the others.
func (j *RefreshJob) Run(ctx context.Context) error {
	var firstErr error
	for _, l := range model.Layers {
		if err := j.refreshLayer(ctx, l); err != nil {
			j.logger.Error("layer weight refresh failed", "layer", l, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (j *RefreshJob) refreshLayer(ctx context.Context, l model.Layer) error {
	assets := j.registry.LayerAssets(l)
	if len(assets) == 0 {
		return nil
	}

	closes := make(map[string][]float64, len(assets))
	for _, a := range assets {
		points, err := j.history.PriceHistory(ctx, a.ID, j.params.Lookback())
		if err != nil {
			return fmt.Errorf("price history %s: %w", a.ID, err)
		}
		series := make([]float64, len(points))
		for i, pt := range points {
			series[i] = pt.PriceIrr.InexactFloat64()
		}
		closes[a.ID] = series
	}

	weights := Compute(assets, closes, j.params)
	if err := j.registry.SetLayerWeights(l, weights); err != nil {
		return err
	}

	attrs := make([]any, 0, 2*len(weights)+2)
	attrs = append(attrs, "layer", l)
	for _, a := range assets {
		attrs = append(attrs, a.ID, weights[a.ID].String())
	}
	j.logger.Info("layer weights refreshed", attrs...)
	return nil
}

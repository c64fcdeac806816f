// Package price is the boundary to the market-data collaborator. The engine
// only consumes snapshots; ingestion from exchanges happens elsewhere and
// lands in Redis.
package price

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// Quote is the latest price of one asset.
type Quote struct {
	AssetID   string          `json:"asset_id"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	PriceIRR  decimal.Decimal `json:"price_irr"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// FXRate is the USD→IRR conversion rate.
type FXRate struct {
	UsdIrr    decimal.Decimal `json:"usd_irr"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Snapshot is the full set of quotes at one point in time.
type Snapshot struct {
	Quotes map[string]Quote `json:"quotes"`
	FX     FXRate           `json:"fx"`
}

// IrrPrices projects the snapshot to the asset → IRR price map used by the engine.
func (s *Snapshot) IrrPrices() model.Prices {
	out := make(model.Prices, len(s.Quotes))
	for id, q := range s.Quotes {
		out[id] = q.PriceIRR
	}
	return out
}

// Source provides current prices.
type Source interface {
	CurrentPrices(ctx context.Context) (*Snapshot, error)
}

// StaticSource serves prices set in process. Used in development and tests.
type StaticSource struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		snap: Snapshot{Quotes: make(map[string]Quote)},
		now:  time.Now,
	}
}

// SetIRR stores an IRR price for assetID, stamped now.
func (s *StaticSource) SetIRR(assetID string, irr decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := Quote{AssetID: assetID, PriceIRR: irr, FetchedAt: s.now().UTC()}
	if s.snap.FX.UsdIrr.IsPositive() {
		q.PriceUSD = irr.Div(s.snap.FX.UsdIrr)
	}
	s.snap.Quotes[assetID] = q
}

// Set stores a full quote.
func (s *StaticSource) Set(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Quotes[q.AssetID] = q
}

// Remove drops the quote for assetID.
func (s *StaticSource) Remove(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snap.Quotes, assetID)
}

// SetFX stores the FX rate.
func (s *StaticSource) SetFX(fx FXRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.FX = fx
}

func (s *StaticSource) CurrentPrices(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &Snapshot{Quotes: make(map[string]Quote, len(s.snap.Quotes)), FX: s.snap.FX}
	for id, q := range s.snap.Quotes {
		out.Quotes[id] = q
	}
	return out, nil
}

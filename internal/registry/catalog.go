package registry

import (
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// DefaultCatalog returns the built-in asset list. Each asset's MaxLTV is the
// cap of its layer.
func DefaultCatalog(maxLTV map[model.Layer]decimal.Decimal) []model.AssetConfig {
	entries := []struct {
		id, name string
		layer    model.Layer
		weight   string
		vol, liq string
		major    bool
	}{
		{"USDT", "Tether", model.LayerFoundation, "0.40", "0.01", "0.99", true},
		{"PAXG", "Pax Gold", model.LayerFoundation, "0.30", "0.12", "0.85", false},
		{"IRR_FIXED_INCOME", "Fixed Income (IRR)", model.LayerFoundation, "0.30", "0.02", "0.70", false},

		{"BTC", "Bitcoin", model.LayerGrowth, "0.25", "0.45", "0.98", true},
		{"ETH", "Ethereum", model.LayerGrowth, "0.20", "0.55", "0.97", true},
		{"BNB", "BNB", model.LayerGrowth, "0.15", "0.50", "0.90", false},
		{"XRP", "XRP", model.LayerGrowth, "0.10", "0.60", "0.90", false},
		{"KAG", "Kinesis Silver", model.LayerGrowth, "0.15", "0.25", "0.70", false},
		{"QQQ", "Nasdaq-100 Tracker", model.LayerGrowth, "0.15", "0.22", "0.85", false},

		{"SOL", "Solana", model.LayerUpside, "0.20", "0.75", "0.92", false},
		{"TON", "Toncoin", model.LayerUpside, "0.18", "0.70", "0.80", false},
		{"LINK", "Chainlink", model.LayerUpside, "0.18", "0.70", "0.85", false},
		{"AVAX", "Avalanche", model.LayerUpside, "0.16", "0.80", "0.82", false},
		{"MATIC", "Polygon", model.LayerUpside, "0.14", "0.80", "0.80", false},
		{"ARB", "Arbitrum", model.LayerUpside, "0.14", "0.85", "0.78", false},
	}

	out := make([]model.AssetConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.AssetConfig{
			ID:             e.id,
			Name:           e.name,
			Layer:          e.layer,
			LayerWeight:    decimal.RequireFromString(e.weight),
			MaxLTV:         maxLTV[e.layer],
			Volatility:     decimal.RequireFromString(e.vol),
			LiquidityScore: decimal.RequireFromString(e.liq),
			Major:          e.major,
		})
	}
	return out
}

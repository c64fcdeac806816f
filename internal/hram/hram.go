// Package hram computes dynamic intra-layer asset weights from price history.
//
// Each asset is scored as
//
//	score = riskParity × momentum × correlation × liquidity
//
// where riskParity = 1/annualised volatility, momentum = 1 + 0.3·(P/SMA − 1)
// floored at 0.1, correlation = 1 − 0.2·mean(correlation row) and liquidity
// is a bonus for major assets. Scores are normalised within the layer,
// clamped to [MinWeight, MaxWeight] and renormalised.
//
// Statistics run in float64 via gonum; the published weights are decimals
// rounded to four places that sum to exactly 1.
package hram

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// WeightScale is the number of decimal places of a published weight.
const WeightScale int32 = 4

// Params tunes the factor model.
type Params struct {
	VolWindow          int
	MomentumWindow     int
	CorrelationWindow  int
	MinWeight          float64
	MaxWeight          float64
	MomentumScale      float64
	MomentumFloor      float64
	CorrelationPenalty float64
	MajorBonus         float64
	ClampPasses        int
}

// DefaultParams returns the production factor settings.
func DefaultParams() Params {
	return Params{
		VolWindow:          30,
		MomentumWindow:     50,
		CorrelationWindow:  60,
		MinWeight:          0.05,
		MaxWeight:          0.40,
		MomentumScale:      0.3,
		MomentumFloor:      0.1,
		CorrelationPenalty: 0.2,
		MajorBonus:         1.1,
		ClampPasses:        3,
	}
}

// Lookback is the number of closes required before the model departs from
// equal weights.
func (p Params) Lookback() int {
	return max(p.VolWindow, p.MomentumWindow, p.CorrelationWindow)
}

// Compute returns weights for the given assets, which should all belong to
// one layer. closes maps asset id to daily closes, oldest first. When any
// asset has fewer than Lookback closes every asset gets an equal weight.
func Compute(assets []model.AssetConfig, closes map[string][]float64, p Params) map[string]decimal.Decimal {
	if len(assets) == 0 {
		return map[string]decimal.Decimal{}
	}

	lookback := p.Lookback()
	windows := make([][]float64, len(assets))
	for i, a := range assets {
		series := closes[a.ID]
		if len(series) < lookback {
			return equalWeights(assets)
		}
		windows[i] = series[len(series)-lookback:]
	}

	corrReturns := make([][]float64, len(assets))
	for i, w := range windows {
		corrReturns[i] = returns(w[len(w)-p.CorrelationWindow:])
	}

	raw := make([]float64, len(assets))
	for i, a := range assets {
		w := windows[i]

		vol := stat.StdDev(returns(w[len(w)-p.VolWindow:]), nil) * math.Sqrt(365)
		if math.IsNaN(vol) {
			vol = 0
		}
		fRisk := 1 / (vol + 1e-6)

		sma := stat.Mean(w[len(w)-p.MomentumWindow:], nil)
		fMom := 1.0
		if sma > 0 {
			fMom = 1 + p.MomentumScale*(w[len(w)-1]/sma-1)
		}
		fMom = math.Max(p.MomentumFloor, fMom)

		fCorr := 1 - p.CorrelationPenalty*meanCorrelation(i, corrReturns)

		fLiq := 1.0
		if a.Major {
			fLiq = p.MajorBonus
		}

		raw[i] = fRisk * fMom * fCorr * fLiq
	}

	return toDecimal(assets, clamp(raw, p))
}

// returns converts closes to simple percentage returns.
func returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// meanCorrelation averages the correlation row of asset i, self included.
// Undefined correlations (zero variance) count as 0.
func meanCorrelation(i int, series [][]float64) float64 {
	sum := 0.0
	for j := range series {
		if i == j {
			sum++
			continue
		}
		c := stat.Correlation(series[i], series[j], nil)
		if math.IsNaN(c) {
			c = 0
		}
		sum += c
	}
	return sum / float64(len(series))
}

// clamp normalises then clamps to [MinWeight, MaxWeight] for ClampPasses
// rounds and renormalises once more.
func clamp(raw []float64, p Params) []float64 {
	w := append([]float64(nil), raw...)
	for pass := 0; pass < p.ClampPasses; pass++ {
		normalise(w)
		for i := range w {
			w[i] = math.Max(p.MinWeight, math.Min(p.MaxWeight, w[i]))
		}
	}
	normalise(w)
	return w
}

func normalise(w []float64) {
	total := 0.0
	for _, v := range w {
		total += v
	}
	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		for i := range w {
			w[i] = 1 / float64(len(w))
		}
		return
	}
	for i := range w {
		w[i] /= total
	}
}

func equalWeights(assets []model.AssetConfig) map[string]decimal.Decimal {
	w := make([]float64, len(assets))
	for i := range w {
		w[i] = 1 / float64(len(assets))
	}
	return toDecimal(assets, w)
}

// toDecimal rounds each weight to WeightScale places and assigns the
// rounding remainder to the largest weight so the result sums to 1.
func toDecimal(assets []model.AssetConfig, w []float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(assets))
	sum := decimal.Zero
	for i, a := range assets {
		v := decimal.NewFromFloat(w[i]).Round(WeightScale)
		out[a.ID] = v
		sum = sum.Add(v)
	}

	ids := make([]string, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if c := out[ids[i]].Cmp(out[ids[j]]); c != 0 {
			return c > 0
		}
		return ids[i] < ids[j]
	})
	largest := ids[0]
	out[largest] = out[largest].Add(decimal.NewFromInt(1).Sub(sum))
	return out
}

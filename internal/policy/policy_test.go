package policy

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default policy should validate, got %v", err)
	}
}

func TestDefault_SpreadsStrictlyOrdered(t *testing.T) {
	p := Default()
	f, g, u := p.Spread(model.LayerFoundation), p.Spread(model.LayerGrowth), p.Spread(model.LayerUpside)
	if !f.LessThan(g) || !g.LessThan(u) {
		t.Errorf("expected foundation < growth < upside, got %s %s %s", f, g, u)
	}
}

func TestValidate_RejectsUnorderedThresholds(t *testing.T) {
	p := Default()
	p.StressThreshold = decimal.NewFromInt(8)
	if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestValidate_RejectsNonIncreasingSpreads(t *testing.T) {
	p := Default()
	p.Spreads = map[model.Layer]decimal.Decimal{
		model.LayerFoundation: decimal.RequireFromString("0.003"),
		model.LayerGrowth:     decimal.RequireFromString("0.003"),
		model.LayerUpside:     decimal.RequireFromString("0.006"),
	}
	if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestValidate_RejectsLtvAboveOne(t *testing.T) {
	p := Default()
	p.MaxLTV[model.LayerGrowth] = decimal.RequireFromString("1.2")
	if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestAllowedDuration(t *testing.T) {
	p := Default()
	for _, m := range []int{3, 6} {
		if !p.AllowedDuration(m) {
			t.Errorf("duration %d should be allowed", m)
		}
	}
	for _, m := range []int{0, 1, 12} {
		if p.AllowedDuration(m) {
			t.Errorf("duration %d should be rejected", m)
		}
	}
}

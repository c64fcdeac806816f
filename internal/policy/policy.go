// Package policy holds the named policy constants of the portfolio engine.
// Every threshold is a decimal so comparisons never go through float64.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// ErrInvalidPolicy is returned by Validate.
var ErrInvalidPolicy = errors.New("policy: invalid configuration")

// Policy groups the tunable constants used by the classifier, planner,
// executor, loan manager and liquidation monitor.
type Policy struct {
	// Boundary floors on overall drift, in percentage points.
	DriftThreshold      decimal.Decimal
	StructuralThreshold decimal.Decimal
	StressThreshold     decimal.Decimal
	// EmergencyThreshold bypasses the rebalance cooldown when exceeded.
	EmergencyThreshold decimal.Decimal

	// Spreads is the fractional cost applied to every trade, per layer.
	Spreads map[model.Layer]decimal.Decimal

	// MaxLTV is the canonical loan-to-value cap per layer.
	MaxLTV map[model.Layer]decimal.Decimal

	// PortfolioLoanCap is the maximum share of total portfolio value that
	// active loan principal may reach.
	PortfolioLoanCap decimal.Decimal

	// AnnualInterestRate is prorated over the loan duration.
	AnnualInterestRate decimal.Decimal

	// LoanDurations lists the allowed durations in months.
	LoanDurations []int

	// LiquidationLtv triggers liquidation when currentLtv reaches it.
	LiquidationLtv decimal.Decimal

	RebalanceCooldown  time.Duration
	RebalanceTolerance decimal.Decimal // residual drift allowed for canFullyRebalance

	// MinTradeIrr is enforced on user-facing trades; MinRebalanceTradeIrr
	// is the smaller internal floor used by the planner.
	MinTradeIrr          decimal.Decimal
	MinRebalanceTradeIrr decimal.Decimal
}

// Default returns the canonical policy.
func Default() Policy {
	return Policy{
		DriftThreshold:      decimal.NewFromInt(5),
		StructuralThreshold: decimal.NewFromInt(10),
		StressThreshold:     decimal.NewFromInt(20),
		EmergencyThreshold:  decimal.NewFromInt(10),
		Spreads: map[model.Layer]decimal.Decimal{
			model.LayerFoundation: decimal.RequireFromString("0.0015"),
			model.LayerGrowth:     decimal.RequireFromString("0.003"),
			model.LayerUpside:     decimal.RequireFromString("0.006"),
		},
		MaxLTV: map[model.Layer]decimal.Decimal{
			model.LayerFoundation: decimal.RequireFromString("0.7"),
			model.LayerGrowth:     decimal.RequireFromString("0.5"),
			model.LayerUpside:     decimal.RequireFromString("0.3"),
		},
		PortfolioLoanCap:     decimal.RequireFromString("0.25"),
		AnnualInterestRate:   decimal.RequireFromString("0.30"),
		LoanDurations:        []int{3, 6},
		LiquidationLtv:       decimal.RequireFromString("0.90"),
		RebalanceCooldown:    24 * time.Hour,
		RebalanceTolerance:   decimal.NewFromInt(5),
		MinTradeIrr:          decimal.NewFromInt(1_000_000),
		MinRebalanceTradeIrr: decimal.NewFromInt(100_000),
	}
}

// Validate checks the ordering constraints between the constants.
func (p Policy) Validate() error {
	if !p.DriftThreshold.IsPositive() ||
		!p.DriftThreshold.LessThan(p.StructuralThreshold) ||
		!p.StructuralThreshold.LessThan(p.StressThreshold) {
		return fmt.Errorf("%w: boundary thresholds must satisfy 0 < drift < structural < stress", ErrInvalidPolicy)
	}
	if !p.EmergencyThreshold.IsPositive() {
		return fmt.Errorf("%w: emergency threshold must be positive", ErrInvalidPolicy)
	}

	prev := decimal.NewFromInt(-1)
	for _, l := range model.Layers {
		s, ok := p.Spreads[l]
		if !ok || s.IsNegative() || s.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: spread for %s must be in [0,1)", ErrInvalidPolicy, l)
		}
		if !s.GreaterThan(prev) {
			return fmt.Errorf("%w: spreads must strictly increase with layer risk", ErrInvalidPolicy)
		}
		prev = s

		ltv, ok := p.MaxLTV[l]
		if !ok || !inUnitInterval(ltv) {
			return fmt.Errorf("%w: max ltv for %s must be in (0,1]", ErrInvalidPolicy, l)
		}
	}

	if !inUnitInterval(p.PortfolioLoanCap) {
		return fmt.Errorf("%w: portfolio loan cap must be in (0,1]", ErrInvalidPolicy)
	}
	if !inUnitInterval(p.LiquidationLtv) {
		return fmt.Errorf("%w: liquidation ltv must be in (0,1]", ErrInvalidPolicy)
	}
	if p.AnnualInterestRate.IsNegative() {
		return fmt.Errorf("%w: interest rate must not be negative", ErrInvalidPolicy)
	}
	if len(p.LoanDurations) == 0 {
		return fmt.Errorf("%w: at least one loan duration is required", ErrInvalidPolicy)
	}
	if p.MinRebalanceTradeIrr.GreaterThan(p.MinTradeIrr) {
		return fmt.Errorf("%w: rebalance trade floor must not exceed the user trade floor", ErrInvalidPolicy)
	}
	return nil
}

// Spread returns the spread for layer l.
func (p Policy) Spread(l model.Layer) decimal.Decimal {
	return p.Spreads[l]
}

// AllowedDuration reports whether months is an allowed loan duration.
func (p Policy) AllowedDuration(months int) bool {
	for _, m := range p.LoanDurations {
		if m == months {
			return true
		}
	}
	return false
}

func inUnitInterval(v decimal.Decimal) bool {
	return v.IsPositive() && v.LessThanOrEqual(decimal.NewFromInt(1))
}

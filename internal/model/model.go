// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Layer is a risk tier grouping assets with similar volatility.
type Layer string

const (
	LayerFoundation Layer = "FOUNDATION"
	LayerGrowth     Layer = "GROWTH"
	LayerUpside     Layer = "UPSIDE"
)

// Layers lists every layer in ascending risk order.
var Layers = []Layer{LayerFoundation, LayerGrowth, LayerUpside}

// Valid reports whether l is one of the three known layers.
func (l Layer) Valid() bool {
	return l == LayerFoundation || l == LayerGrowth || l == LayerUpside
}

// Boundary is the ordered severity classification SAFE < DRIFT < STRUCTURAL < STRESS.
type Boundary string

const (
	BoundarySafe       Boundary = "SAFE"
	BoundaryDrift      Boundary = "DRIFT"
	BoundaryStructural Boundary = "STRUCTURAL"
	BoundaryStress     Boundary = "STRESS"
)

// Severity returns the rank of b; higher is more severe.
func (b Boundary) Severity() int {
	switch b {
	case BoundaryDrift:
		return 1
	case BoundaryStructural:
		return 2
	case BoundaryStress:
		return 3
	default:
		return 0
	}
}

// AssetConfig is a static catalog entry.
type AssetConfig struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Layer          Layer           `json:"layer"`
	LayerWeight    decimal.Decimal `json:"layer_weight"` // intra-layer target weight, sums to 1 per layer
	MaxLTV         decimal.Decimal `json:"max_ltv"`
	Volatility     decimal.Decimal `json:"volatility"` // informational
	LiquidityScore decimal.Decimal `json:"liquidity_score"`
	Major          bool            `json:"major"` // liquidity bonus in HRAM weighting
}

// Allocation holds a percentage per layer. Target allocations always sum to 100.
type Allocation struct {
	Foundation decimal.Decimal `json:"foundation"`
	Growth     decimal.Decimal `json:"growth"`
	Upside     decimal.Decimal `json:"upside"`
}

// Of returns the value for layer l.
func (a Allocation) Of(l Layer) decimal.Decimal {
	switch l {
	case LayerFoundation:
		return a.Foundation
	case LayerGrowth:
		return a.Growth
	case LayerUpside:
		return a.Upside
	}
	return decimal.Zero
}

// With returns a copy of a with layer l set to v.
func (a Allocation) With(l Layer, v decimal.Decimal) Allocation {
	switch l {
	case LayerFoundation:
		a.Foundation = v
	case LayerGrowth:
		a.Growth = v
	case LayerUpside:
		a.Upside = v
	}
	return a
}

// Sum returns Foundation + Growth + Upside.
func (a Allocation) Sum() decimal.Decimal {
	return a.Foundation.Add(a.Growth).Add(a.Upside)
}

// Holding is a quantity of one asset. FrozenQuantity is the part that
// collateralizes active loans and is never sold or rebalanced.
// Value is derived from price, never stored.
type Holding struct {
	AssetID        string          `json:"asset_id" db:"asset_id"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	FrozenQuantity decimal.Decimal `json:"frozen_quantity" db:"frozen_quantity"`
}

// Frozen reports whether any quantity of the holding backs a loan.
func (h Holding) Frozen() bool {
	return h.FrozenQuantity.IsPositive()
}

// Available returns the unfrozen, tradeable quantity.
func (h Holding) Available() decimal.Decimal {
	avail := h.Quantity.Sub(h.FrozenQuantity)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Portfolio is owned exclusively by one user.
type Portfolio struct {
	UserID          string          `json:"user_id" db:"user_id"`
	CashIrr         decimal.Decimal `json:"cash_irr" db:"cash_irr"`
	Holdings        []Holding       `json:"holdings"`
	RiskScore       int             `json:"risk_score" db:"risk_score"`
	Target          Allocation      `json:"target"`
	LastRebalanceAt *time.Time      `json:"last_rebalance_at,omitempty" db:"last_rebalance_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Holding returns the holding for assetID, or nil.
func (p *Portfolio) Holding(assetID string) *Holding {
	for i := range p.Holdings {
		if p.Holdings[i].AssetID == assetID {
			return &p.Holdings[i]
		}
	}
	return nil
}

// SetHolding inserts or replaces the holding for h.AssetID, deleting it
// when the resulting quantity is exactly zero.
func (p *Portfolio) SetHolding(h Holding) {
	for i := range p.Holdings {
		if p.Holdings[i].AssetID == h.AssetID {
			if h.Quantity.IsZero() {
				p.Holdings = append(p.Holdings[:i], p.Holdings[i+1:]...)
				return
			}
			p.Holdings[i] = h
			return
		}
	}
	if !h.Quantity.IsZero() {
		p.Holdings = append(p.Holdings, h)
	}
}

// RemoveHolding deletes the holding for assetID if present.
func (p *Portfolio) RemoveHolding(assetID string) {
	for i := range p.Holdings {
		if p.Holdings[i].AssetID == assetID {
			p.Holdings = append(p.Holdings[:i], p.Holdings[i+1:]...)
			return
		}
	}
}

// Clone returns a deep copy.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Holdings = append([]Holding(nil), p.Holdings...)
	if p.LastRebalanceAt != nil {
		t := *p.LastRebalanceAt
		c.LastRebalanceAt = &t
	}
	return &c
}

// Snapshot captures cash and holdings for a ledger entry.
func (p *Portfolio) Snapshot() *Snapshot {
	return &Snapshot{
		CashIrr:  p.CashIrr,
		Holdings: append([]Holding(nil), p.Holdings...),
	}
}

// Snapshot is the before/after state recorded on a ledger entry.
type Snapshot struct {
	CashIrr  decimal.Decimal `json:"cash_irr"`
	Holdings []Holding       `json:"holdings"`
}

// LedgerEntryType identifies the operation that produced a ledger entry.
type LedgerEntryType string

const (
	EntryTradeBuy      LedgerEntryType = "TRADE_BUY"
	EntryTradeSell     LedgerEntryType = "TRADE_SELL"
	EntryRebalance     LedgerEntryType = "REBALANCE"
	EntryLoanCreate    LedgerEntryType = "LOAN_CREATE"
	EntryLoanRepay     LedgerEntryType = "LOAN_REPAY"
	EntryLoanLiquidate LedgerEntryType = "LOAN_LIQUIDATE"
	EntryPortfolioOpen LedgerEntryType = "PORTFOLIO_CREATE"
)

// LedgerEntry is an immutable record of a state-changing operation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Type      LedgerEntryType `json:"type" db:"entry_type"`
	AssetID   string          `json:"asset_id,omitempty" db:"asset_id"`
	AmountIrr decimal.Decimal `json:"amount_irr" db:"amount_irr"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	LoanID    string          `json:"loan_id,omitempty" db:"loan_id"`
	Boundary  Boundary        `json:"boundary" db:"boundary"`
	Before    *Snapshot       `json:"before" db:"before_snapshot"`
	After     *Snapshot       `json:"after" db:"after_snapshot"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// ActionLog is an append-only operational record, e.g. an autonomous liquidation.
type ActionLog struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Action    string    `json:"action" db:"action"`
	Boundary  Boundary  `json:"boundary" db:"boundary"`
	LoanID    string    `json:"loan_id,omitempty" db:"loan_id"`
	Message   string    `json:"message" db:"message"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// LoanStatus is ACTIVE until it reaches one of the terminal states.
type LoanStatus string

const (
	LoanActive     LoanStatus = "ACTIVE"
	LoanRepaid     LoanStatus = "REPAID"
	LoanLiquidated LoanStatus = "LIQUIDATED"
)

// InstallmentStatus tracks payment progress of one installment.
type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "PENDING"
	InstallmentPartial InstallmentStatus = "PARTIAL"
	InstallmentPaid    InstallmentStatus = "PAID"
)

// LoanInstallment is one scheduled partial repayment.
type LoanInstallment struct {
	Number       int               `json:"number" db:"number"`
	DueDate      time.Time         `json:"due_date" db:"due_date"`
	PrincipalIrr decimal.Decimal   `json:"principal_irr" db:"principal_irr"`
	InterestIrr  decimal.Decimal   `json:"interest_irr" db:"interest_irr"`
	TotalIrr     decimal.Decimal   `json:"total_irr" db:"total_irr"`
	PaidIrr      decimal.Decimal   `json:"paid_irr" db:"paid_irr"`
	Status       InstallmentStatus `json:"status" db:"status"`
}

// Loan is collateralized by an exact frozen quantity of one holding.
type Loan struct {
	ID                 string              `json:"id" db:"id"`
	UserID             string              `json:"user_id" db:"user_id"`
	CollateralAssetID  string              `json:"collateral_asset_id" db:"collateral_asset_id"`
	CollateralQuantity decimal.Decimal     `json:"collateral_quantity" db:"collateral_quantity"`
	PrincipalIrr       decimal.Decimal     `json:"principal_irr" db:"principal_irr"`
	InterestRate       decimal.Decimal     `json:"interest_rate" db:"interest_rate"` // annual
	TotalDueIrr        decimal.Decimal     `json:"total_due_irr" db:"total_due_irr"`
	PaidIrr            decimal.Decimal     `json:"paid_irr" db:"paid_irr"`
	DurationMonths     int                 `json:"duration_months" db:"duration_months"`
	Installments       []LoanInstallment   `json:"installments"`
	CurrentLtv         decimal.Decimal     `json:"current_ltv" db:"current_ltv"`
	Status             LoanStatus          `json:"status" db:"status"`
	ShortfallIrr       decimal.NullDecimal `json:"shortfall_irr" db:"shortfall_irr"`
	CreatedAt          time.Time           `json:"created_at" db:"created_at"`
	ClosedAt           *time.Time          `json:"closed_at,omitempty" db:"closed_at"`
}

// RemainingDue returns max(0, TotalDueIrr - PaidIrr).
func (l *Loan) RemainingDue() decimal.Decimal {
	return decimal.Max(decimal.Zero, l.TotalDueIrr.Sub(l.PaidIrr))
}

// Clone returns a deep copy.
func (l *Loan) Clone() *Loan {
	c := *l
	c.Installments = append([]LoanInstallment(nil), l.Installments...)
	if l.ClosedAt != nil {
		t := *l.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Prices maps asset id to its current IRR price.
type Prices map[string]decimal.Decimal

// Get returns the price of assetID or ErrStalePrice when none is known.
func (p Prices) Get(assetID string) (decimal.Decimal, error) {
	v, ok := p[assetID]
	if !ok || v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrStalePrice, assetID)
	}
	return v, nil
}

// PricePoint is one daily close recorded for an asset.
type PricePoint struct {
	AssetID  string          `json:"asset_id" db:"asset_id"`
	Day      time.Time       `json:"day" db:"day"`
	PriceUSD decimal.Decimal `json:"price_usd" db:"price_usd"`
	PriceIrr decimal.Decimal `json:"price_irr" db:"price_irr"`
}

// TradeSide is BUY or SELL.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Trade is one proposed or executed order. Quantity, when set on a SELL,
// pins the exact units to sell instead of deriving them from AmountIrr.
type Trade struct {
	Side      TradeSide       `json:"side"`
	AssetID   string          `json:"asset_id"`
	Layer     Layer           `json:"layer"`
	AmountIrr decimal.Decimal `json:"amount_irr"`
	Quantity  decimal.Decimal `json:"quantity,omitempty"`
}

// RebalanceMode selects whether idle cash may fund buys.
type RebalanceMode string

const (
	ModeHoldingsOnly     RebalanceMode = "HOLDINGS_ONLY"
	ModeHoldingsPlusCash RebalanceMode = "HOLDINGS_PLUS_CASH"
)

// Valid reports whether m is a known mode.
func (m RebalanceMode) Valid() bool {
	return m == ModeHoldingsOnly || m == ModeHoldingsPlusCash
}

// LayerGap is one row of a rebalance gap analysis.
type LayerGap struct {
	Layer      Layer           `json:"layer"`
	TargetPct  decimal.Decimal `json:"target_pct"`
	CurrentPct decimal.Decimal `json:"current_pct"`
	GapPct     decimal.Decimal `json:"gap_pct"` // target - current
	GapIrr     decimal.Decimal `json:"gap_irr"`
	Direction  string          `json:"direction"` // BUY, SELL or HOLD
}

// RebalancePlan is the output of the planner.
type RebalancePlan struct {
	Mode                RebalanceMode   `json:"mode"`
	Trades              []Trade         `json:"trades"`
	TotalBuyIrr         decimal.Decimal `json:"total_buy_irr"`
	TotalSellIrr        decimal.Decimal `json:"total_sell_irr"`
	CurrentAllocation   Allocation      `json:"current_allocation"`
	TargetAllocation    Allocation      `json:"target_allocation"`
	AfterAllocation     Allocation      `json:"after_allocation"`
	GapAnalysis         []LayerGap      `json:"gap_analysis"`
	OverallDrift        decimal.Decimal `json:"overall_drift"`
	Boundary            Boundary        `json:"boundary"`
	ResidualDrift       decimal.Decimal `json:"residual_drift"`
	CanFullyRebalance   bool            `json:"can_fully_rebalance"`
	HasLockedCollateral bool            `json:"has_locked_collateral"`
	DiscardedTrades     int             `json:"discarded_trades"`
}

// Package loan manages collateralized loans: origination against a frozen
// quantity of one holding, installment repayment and liquidation.
//
// All monetary values use shopspring/decimal, never float64.
package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/allocation"
	"github.com/blumarkets/portfolio-engine/internal/events"
	"github.com/blumarkets/portfolio-engine/internal/metrics"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
	"github.com/blumarkets/portfolio-engine/internal/price"
	"github.com/blumarkets/portfolio-engine/internal/store"
)

// CollateralScale is the decimal precision of collateral quantities.
const CollateralScale = 8

var (
	// ErrLoanResolved is returned by Liquidate when the loan is no longer
	// ACTIVE once locked.
	ErrLoanResolved = errors.New("loan: already resolved")

	// ErrLoanHealthy is returned by Liquidate when the locked loan's LTV is
	// below the liquidation threshold at the given price.
	ErrLoanHealthy = errors.New("loan: ltv below liquidation threshold")
)

// AssetLookup resolves catalog entries.
type AssetLookup interface {
	Asset(id string) (model.AssetConfig, error)
}

// Manager owns the loan lifecycle. All mutations run inside a store
// transaction that locks the loan row before the portfolio row.
type Manager struct {
	store      store.Store
	prices     price.Source
	assets     AssetLookup
	classifier *allocation.Classifier
	limits     *Limits
	policy     policy.Policy
	events     events.Publisher // optional
	now        func() time.Time
	log        *slog.Logger
}

// NewManager creates a loan manager. pub may be nil.
func NewManager(
	st store.Store,
	prices price.Source,
	assets AssetLookup,
	classifier *allocation.Classifier,
	p policy.Policy,
	pub events.Publisher,
) *Manager {
	return &Manager{
		store:      st,
		prices:     prices,
		assets:     assets,
		classifier: classifier,
		limits:     NewLimits(p.PortfolioLoanCap),
		policy:     p,
		events:     pub,
		now:        time.Now,
		log:        slog.With("component", "loan"),
	}
}

// CreateRequest asks for a loan against one holding. When
// CollateralQuantity is zero the manager freezes the smallest quantity that
// covers the principal at the asset's max LTV.
type CreateRequest struct {
	UserID             string          `json:"user_id"`
	AssetID            string          `json:"asset_id"`
	PrincipalIrr       decimal.Decimal `json:"principal_irr"`
	DurationMonths     int             `json:"duration_months"`
	CollateralQuantity decimal.Decimal `json:"collateral_quantity,omitempty"`
}

// LiquidationResult reports the settlement of one liquidated loan.
type LiquidationResult struct {
	Loan         *model.Loan     `json:"loan"`
	ProceedsIrr  decimal.Decimal `json:"proceeds_irr"`
	ExcessIrr    decimal.Decimal `json:"excess_irr"`
	ShortfallIrr decimal.Decimal `json:"shortfall_irr"`
}

func (m *Manager) validate(req CreateRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	if req.AssetID == "" {
		return fmt.Errorf("%w: asset_id is required", model.ErrValidation)
	}
	if !req.PrincipalIrr.IsPositive() {
		return fmt.Errorf("%w: principal must be positive", model.ErrValidation)
	}
	if !m.policy.AllowedDuration(req.DurationMonths) {
		return fmt.Errorf("%w: duration %d months is not offered", model.ErrValidation, req.DurationMonths)
	}
	if req.CollateralQuantity.IsNegative() {
		return fmt.Errorf("%w: collateral quantity must not be negative", model.ErrValidation)
	}
	return nil
}

// Create originates a loan: it checks the per-asset LTV and the portfolio
// cap, freezes the collateral, credits the principal to cash and appends a
// LOAN_CREATE ledger entry, all in one transaction.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Loan, error) {
	if err := m.validate(req); err != nil {
		return nil, err
	}
	asset, err := m.assets.Asset(req.AssetID)
	if err != nil {
		return nil, err
	}
	prices, err := m.currentPrices(ctx)
	if err != nil {
		return nil, err
	}
	px, err := prices.Get(req.AssetID)
	if err != nil {
		return nil, err
	}
	if !px.IsPositive() {
		return nil, fmt.Errorf("%w: no usable price for %s", model.ErrStalePrice, req.AssetID)
	}

	var loan *model.Loan
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPortfolio(ctx, req.UserID)
		if err != nil {
			return err
		}
		h := p.Holding(req.AssetID)
		if h == nil || !h.Quantity.IsPositive() {
			return fmt.Errorf("%w: no %s holding", model.ErrInsufficientCollateral, req.AssetID)
		}
		avail := h.Available()
		if !avail.IsPositive() {
			return fmt.Errorf("%w: %s is already frozen by another loan", model.ErrConflict, req.AssetID)
		}

		basis := avail
		if req.CollateralQuantity.IsPositive() {
			if req.CollateralQuantity.GreaterThan(avail) {
				return fmt.Errorf("%w: %s of %s requested, %s unfrozen",
					model.ErrInsufficientCollateral, req.CollateralQuantity, req.AssetID, avail)
			}
			basis = req.CollateralQuantity
		}
		maxLoan := basis.Mul(px).Mul(asset.MaxLTV)

		a, err := m.classifier.Analyze(p, prices)
		if err != nil {
			return err
		}
		active, err := tx.ListActiveLoansForUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if err := m.limits.CheckLimit(req.PrincipalIrr, maxLoan, active, a.TotalValueIrr); err != nil {
			return err
		}

		qty := req.CollateralQuantity
		if !qty.IsPositive() {
			qty = decimal.Min(avail, req.PrincipalIrr.Div(px.Mul(asset.MaxLTV)).RoundUp(CollateralScale))
		}

		now := m.now().UTC()
		before := p.Snapshot()
		h.FrozenQuantity = h.FrozenQuantity.Add(qty)
		p.CashIrr = p.CashIrr.Add(req.PrincipalIrr)

		totalDue := TotalDue(req.PrincipalIrr, m.policy.AnnualInterestRate, req.DurationMonths)
		l := &model.Loan{
			ID:                 uuid.New().String(),
			UserID:             req.UserID,
			CollateralAssetID:  req.AssetID,
			CollateralQuantity: qty,
			PrincipalIrr:       req.PrincipalIrr,
			InterestRate:       m.policy.AnnualInterestRate,
			TotalDueIrr:        totalDue,
			PaidIrr:            decimal.Zero,
			DurationMonths:     req.DurationMonths,
			Installments:       Schedule(req.PrincipalIrr, totalDue, req.DurationMonths, now),
			Status:             model.LoanActive,
			CreatedAt:          now,
		}
		l.CurrentLtv = LtvAt(l, px)

		if err := tx.InsertLoan(ctx, l); err != nil {
			return err
		}
		if err := tx.SavePortfolio(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, &model.LedgerEntry{
			ID:        uuid.New().String(),
			UserID:    req.UserID,
			Type:      model.EntryLoanCreate,
			AssetID:   req.AssetID,
			AmountIrr: req.PrincipalIrr,
			Quantity:  qty,
			LoanID:    l.ID,
			Boundary:  a.Boundary,
			Before:    before,
			After:     p.Snapshot(),
			Timestamp: now,
		}); err != nil {
			return err
		}
		loan = l
		return nil
	})
	if err != nil {
		if model.KindOf(err) == model.KindLimitExceeded {
			metrics.LoansTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	metrics.LoansTotal.WithLabelValues("created").Inc()
	m.log.Info("loan created",
		"loan_id", loan.ID,
		"user", loan.UserID,
		"asset", loan.CollateralAssetID,
		"collateral", loan.CollateralQuantity.String(),
		"principal", loan.PrincipalIrr.String(),
		"total_due", loan.TotalDueIrr.String(),
		"ltv", loan.CurrentLtv.StringFixed(4),
	)
	m.publish(events.TypeLoanCreated, loan, loan.PrincipalIrr)
	return loan, nil
}

// Repay applies amount to the loan's installments oldest first and debits
// cash. The payment is capped at the remaining due. Paying off the loan
// unfreezes exactly its collateral quantity.
func (m *Manager) Repay(ctx context.Context, loanID string, amount decimal.Decimal) (*model.Loan, error) {
	if loanID == "" {
		return nil, fmt.Errorf("%w: loan id is required", model.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrValidation)
	}

	var loan *model.Loan
	var paid decimal.Decimal
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if l.Status != model.LoanActive {
			return fmt.Errorf("%w: no active loan %s", model.ErrNotFound, loanID)
		}
		p, err := tx.LockPortfolio(ctx, l.UserID)
		if err != nil {
			return err
		}

		pay := decimal.Min(amount, l.RemainingDue())
		if p.CashIrr.LessThan(pay) {
			return fmt.Errorf("%w: cash %s, repayment %s", model.ErrInsufficientFunds, p.CashIrr, pay)
		}

		now := m.now().UTC()
		before := p.Snapshot()
		ApplyPayment(l.Installments, pay)
		l.PaidIrr = l.PaidIrr.Add(pay)
		p.CashIrr = p.CashIrr.Sub(pay)

		if !l.RemainingDue().IsPositive() {
			l.Status = model.LoanRepaid
			l.CurrentLtv = decimal.Zero
			l.ClosedAt = &now
			h := p.Holding(l.CollateralAssetID)
			if h == nil {
				return fmt.Errorf("%w: collateral holding %s missing for loan %s", model.ErrInternal, l.CollateralAssetID, l.ID)
			}
			h.FrozenQuantity = decimal.Max(decimal.Zero, h.FrozenQuantity.Sub(l.CollateralQuantity))
		} else if px, ok := m.priceOf(ctx, l.CollateralAssetID); ok {
			l.CurrentLtv = LtvAt(l, px)
		}

		if err := tx.SaveLoan(ctx, l); err != nil {
			return err
		}
		if err := tx.SavePortfolio(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, &model.LedgerEntry{
			ID:        uuid.New().String(),
			UserID:    l.UserID,
			Type:      model.EntryLoanRepay,
			AssetID:   l.CollateralAssetID,
			AmountIrr: pay,
			Quantity:  decimal.Zero,
			LoanID:    l.ID,
			Boundary:  model.BoundarySafe,
			Before:    before,
			After:     p.Snapshot(),
			Timestamp: now,
		}); err != nil {
			return err
		}
		loan, paid = l, pay
		return nil
	})
	if err != nil {
		return nil, err
	}

	if loan.Status == model.LoanRepaid {
		metrics.LoansTotal.WithLabelValues("repaid").Inc()
	}
	m.log.Info("loan repayment",
		"loan_id", loan.ID,
		"user", loan.UserID,
		"amount", paid.String(),
		"remaining", loan.RemainingDue().String(),
		"status", loan.Status,
	)
	m.publish(events.TypeLoanRepaid, loan, paid)
	return loan, nil
}

// Liquidate settles an ACTIVE loan against its collateral at price in one
// transaction. It returns ErrLoanResolved if the locked loan is no longer
// ACTIVE, and ErrLoanHealthy if its LTV at price is below the threshold.
func (m *Manager) Liquidate(ctx context.Context, loanID string, price decimal.Decimal) (*LiquidationResult, error) {
	var res *LiquidationResult
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if l.Status != model.LoanActive {
			return ErrLoanResolved
		}

		value := CollateralValue(l, price)
		remaining := l.RemainingDue()
		ltv := CurrentLtv(remaining, value)
		if ltv.LessThan(m.policy.LiquidationLtv) {
			return ErrLoanHealthy
		}

		p, err := tx.LockPortfolio(ctx, l.UserID)
		if err != nil {
			return err
		}

		proceeds := decimal.Min(value, remaining)
		excess := decimal.Max(decimal.Zero, value.Sub(remaining))
		shortfall := decimal.Max(decimal.Zero, remaining.Sub(value))

		now := m.now().UTC()
		before := p.Snapshot()

		h := p.Holding(l.CollateralAssetID)
		if h == nil {
			return fmt.Errorf("%w: collateral holding %s missing for loan %s", model.ErrInternal, l.CollateralAssetID, l.ID)
		}
		qty := h.Quantity.Sub(l.CollateralQuantity)
		if !qty.IsPositive() {
			p.RemoveHolding(l.CollateralAssetID)
		} else {
			h.Quantity = qty
			h.FrozenQuantity = decimal.Max(decimal.Zero, h.FrozenQuantity.Sub(l.CollateralQuantity))
		}
		if excess.IsPositive() {
			p.CashIrr = p.CashIrr.Add(excess)
		}

		l.Status = model.LoanLiquidated
		l.PaidIrr = l.PaidIrr.Add(proceeds)
		l.CurrentLtv = ltv
		l.ClosedAt = &now
		if shortfall.IsPositive() {
			l.ShortfallIrr = decimal.NewNullDecimal(shortfall)
		}
		MarkAllPaid(l.Installments)

		if err := tx.SaveLoan(ctx, l); err != nil {
			return err
		}
		if err := tx.SavePortfolio(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, &model.LedgerEntry{
			ID:        uuid.New().String(),
			UserID:    l.UserID,
			Type:      model.EntryLoanLiquidate,
			AssetID:   l.CollateralAssetID,
			AmountIrr: proceeds,
			Quantity:  l.CollateralQuantity,
			LoanID:    l.ID,
			Boundary:  model.BoundaryStress,
			Before:    before,
			After:     p.Snapshot(),
			Timestamp: now,
		}); err != nil {
			return err
		}
		if err := tx.AppendAction(ctx, &model.ActionLog{
			ID:       uuid.New().String(),
			UserID:   l.UserID,
			Action:   "LOAN_LIQUIDATED",
			Boundary: model.BoundaryStress,
			LoanID:   l.ID,
			Message: fmt.Sprintf("ltv %s: sold %s %s for %s IRR, excess %s, shortfall %s",
				ltv.StringFixed(4), l.CollateralQuantity, l.CollateralAssetID, proceeds, excess, shortfall),
			Timestamp: now,
		}); err != nil {
			return err
		}

		res = &LiquidationResult{Loan: l, ProceedsIrr: proceeds, ExcessIrr: excess, ShortfallIrr: shortfall}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LoansTotal.WithLabelValues("liquidated").Inc()
	if res.ShortfallIrr.IsPositive() {
		metrics.LiquidationShortfall.Add(res.ShortfallIrr.InexactFloat64())
	}
	m.log.Warn("loan liquidated",
		"loan_id", res.Loan.ID,
		"user", res.Loan.UserID,
		"asset", res.Loan.CollateralAssetID,
		"ltv", res.Loan.CurrentLtv.StringFixed(4),
		"proceeds", res.ProceedsIrr.String(),
		"excess", res.ExcessIrr.String(),
		"shortfall", res.ShortfallIrr.String(),
	)
	m.publish(events.TypeLoanLiquidated, res.Loan, res.ProceedsIrr)
	return res, nil
}

// Get returns a loan by id.
func (m *Manager) Get(ctx context.Context, loanID string) (*model.Loan, error) {
	return m.store.GetLoan(ctx, loanID)
}

// ListByUser returns every loan of userID, oldest first.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]model.Loan, error) {
	return m.store.ListLoansByUser(ctx, userID)
}

func (m *Manager) publish(typ string, l *model.Loan, amount decimal.Decimal) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.Event{
		Type:      typ,
		UserID:    l.UserID,
		LoanID:    l.ID,
		AssetID:   l.CollateralAssetID,
		AmountIrr: amount.String(),
	})
}

// priceOf returns the current price of assetID, or false when none is known.
func (m *Manager) priceOf(ctx context.Context, assetID string) (decimal.Decimal, bool) {
	prices, err := m.currentPrices(ctx)
	if err != nil {
		return decimal.Zero, false
	}
	px, err := prices.Get(assetID)
	if err != nil {
		return decimal.Zero, false
	}
	return px, true
}

func (m *Manager) currentPrices(ctx context.Context) (model.Prices, error) {
	snap, err := m.prices.CurrentPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStalePrice, err)
	}
	return snap.IrrPrices(), nil
}

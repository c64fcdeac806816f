package loan

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

var (
	// ErrLtvExceeded is returned when the principal exceeds what the
	// collateral supports at the asset's max LTV.
	ErrLtvExceeded = fmt.Errorf("%w: loan exceeds collateral max ltv", model.ErrLimitExceeded)

	// ErrPortfolioCapExceeded is returned when active principal plus the
	// request would pass the portfolio-wide cap.
	ErrPortfolioCapExceeded = fmt.Errorf("%w: portfolio loan cap", model.ErrLimitExceeded)
)

// Limits enforces borrowing limits at origination.
type Limits struct {
	// PortfolioCap is the share of total portfolio value (cash + holdings)
	// that the principal of all ACTIVE loans may reach.
	PortfolioCap decimal.Decimal
}

// NewLimits creates a limiter with the given portfolio cap.
func NewLimits(portfolioCap decimal.Decimal) *Limits {
	return &Limits{PortfolioCap: portfolioCap}
}

// CheckLimit validates a loan request.
//
// Parameters:
//   - requested: principal asked for
//   - maxLoan: collateral value × max LTV of the collateral asset
//   - active: the user's ACTIVE loans
//   - portfolioValue: cash + holdings value at current prices
//
// Returns nil if the request is within limits.
func (l *Limits) CheckLimit(requested, maxLoan decimal.Decimal, active []model.Loan, portfolioValue decimal.Decimal) error {
	// 1. Per-asset LTV.
	if requested.GreaterThan(maxLoan) {
		return fmt.Errorf("%w: requested %s, collateral supports %s", ErrLtvExceeded, requested, maxLoan.Truncate(0))
	}

	// 2. Aggregate principal across active loans.
	total := requested
	for _, a := range active {
		if a.Status == model.LoanActive {
			total = total.Add(a.PrincipalIrr)
		}
	}
	limit := portfolioValue.Mul(l.PortfolioCap)
	if total.GreaterThan(limit) {
		return fmt.Errorf("%w: active principal would be %s, cap is %s", ErrPortfolioCapExceeded, total, limit.Truncate(0))
	}
	return nil
}

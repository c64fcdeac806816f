package loan

import (
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

var one = decimal.NewFromInt(1)

// CurrentLtv returns remaining / collateralValue. A worthless collateral
// yields exactly 1 so callers never divide by zero.
func CurrentLtv(remaining, collateralValue decimal.Decimal) decimal.Decimal {
	if !collateralValue.IsPositive() {
		return one
	}
	return remaining.Div(collateralValue)
}

// CollateralValue prices the frozen quantity of l.
func CollateralValue(l *model.Loan, price decimal.Decimal) decimal.Decimal {
	return l.CollateralQuantity.Mul(price)
}

// LtvAt is the loan's LTV with its collateral at price.
func LtvAt(l *model.Loan, price decimal.Decimal) decimal.Decimal {
	return CurrentLtv(l.RemainingDue(), CollateralValue(l, price))
}

package loan

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

var twelve = decimal.NewFromInt(12)

// TotalDue is principal × (1 + annualRate × months / 12).
func TotalDue(principal, annualRate decimal.Decimal, months int) decimal.Decimal {
	interest := principal.Mul(annualRate).Mul(decimal.NewFromInt(int64(months))).Div(twelve)
	return principal.Add(interest.Round(0))
}

// Schedule splits principal and interest evenly over months monthly
// installments, in whole IRR. The last installment absorbs the remainder.
func Schedule(principal, totalDue decimal.Decimal, months int, start time.Time) []model.LoanInstallment {
	n := decimal.NewFromInt(int64(months))
	interest := totalDue.Sub(principal)
	pEach := principal.Div(n).Truncate(0)
	iEach := interest.Div(n).Truncate(0)

	out := make([]model.LoanInstallment, months)
	for i := range out {
		p, in := pEach, iEach
		if i == months-1 {
			p = principal.Sub(pEach.Mul(decimal.NewFromInt(int64(months - 1))))
			in = interest.Sub(iEach.Mul(decimal.NewFromInt(int64(months - 1))))
		}
		out[i] = model.LoanInstallment{
			Number:       i + 1,
			DueDate:      start.AddDate(0, i+1, 0),
			PrincipalIrr: p,
			InterestIrr:  in,
			TotalIrr:     p.Add(in),
			PaidIrr:      decimal.Zero,
			Status:       model.InstallmentPending,
		}
	}
	return out
}

// ApplyPayment pays installments oldest first and returns what is left of
// amount once every installment is paid.
func ApplyPayment(insts []model.LoanInstallment, amount decimal.Decimal) decimal.Decimal {
	for i := range insts {
		if !amount.IsPositive() {
			break
		}
		inst := &insts[i]
		if inst.Status == model.InstallmentPaid {
			continue
		}
		pay := decimal.Min(inst.TotalIrr.Sub(inst.PaidIrr), amount)
		inst.PaidIrr = inst.PaidIrr.Add(pay)
		amount = amount.Sub(pay)
		if inst.PaidIrr.GreaterThanOrEqual(inst.TotalIrr) {
			inst.Status = model.InstallmentPaid
		} else if inst.PaidIrr.IsPositive() {
			inst.Status = model.InstallmentPartial
		}
	}
	return amount
}

// MarkAllPaid settles every installment.
func MarkAllPaid(insts []model.LoanInstallment) {
	for i := range insts {
		insts[i].PaidIrr = insts[i].TotalIrr
		insts[i].Status = model.InstallmentPaid
	}
}

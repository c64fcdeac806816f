// Package liquidation scans ACTIVE loans on a timer, persists their current
// LTV and liquidates the ones at or above the liquidation threshold.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/loan"
	"github.com/blumarkets/portfolio-engine/internal/metrics"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/price"
)

// LoanStore is the subset of the store the monitor reads and writes
// outside of a liquidation transaction.
type LoanStore interface {
	ListActiveLoans(ctx context.Context) ([]model.Loan, error)
	UpdateLoanLtv(ctx context.Context, loanID string, paidIrr, ltv decimal.Decimal) error
}

// Liquidator settles a loan against its collateral at price.
type Liquidator interface {
	Liquidate(ctx context.Context, loanID string, price decimal.Decimal) (*loan.LiquidationResult, error)
}

// Report summarizes one scan.
type Report struct {
	Checked    int
	Skipped    int
	Liquidated int
	Failed     int
}

// Monitor is the periodic liquidation scan. Register it with the
// scheduler wrapped in scheduler.Locked so one instance scans per period.
type Monitor struct {
	loans      LoanStore
	prices     price.Source
	liquidator Liquidator
	threshold  decimal.Decimal
	log        *slog.Logger
}

// NewMonitor creates a monitor that liquidates at threshold LTV.
func NewMonitor(loans LoanStore, prices price.Source, liq Liquidator, threshold decimal.Decimal) *Monitor {
	return &Monitor{
		loans:      loans,
		prices:     prices,
		liquidator: liq,
		threshold:  threshold,
		log:        slog.With("component", "liquidation"),
	}
}

func (m *Monitor) Name() string { return "liquidation-scan" }

// Run performs one scan. Per-loan failures are logged and counted; only a
// failure to list loans or fetch prices fails the tick.
func (m *Monitor) Run(ctx context.Context) error {
	rep, err := m.Scan(ctx)
	if err != nil {
		return err
	}
	if rep.Liquidated > 0 || rep.Failed > 0 {
		m.log.Info("liquidation scan finished",
			"checked", rep.Checked,
			"skipped", rep.Skipped,
			"liquidated", rep.Liquidated,
			"failed", rep.Failed,
		)
	}
	return nil
}

// Scan recomputes the LTV of every ACTIVE loan and liquidates breaches.
func (m *Monitor) Scan(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { metrics.ScanDuration.Observe(time.Since(start).Seconds()) }()

	var rep Report
	active, err := m.loans.ListActiveLoans(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active loans: %w", err)
	}
	metrics.ActiveLoans.Set(float64(len(active)))
	if len(active) == 0 {
		return rep, nil
	}

	snap, err := m.prices.CurrentPrices(ctx)
	if err != nil {
		return rep, fmt.Errorf("%w: %v", model.ErrStalePrice, err)
	}
	prices := snap.IrrPrices()

	for i := range active {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		l := &active[i]
		rep.Checked++

		px, err := prices.Get(l.CollateralAssetID)
		if err != nil {
			rep.Skipped++
			m.log.Warn("no price for collateral, skipping loan", "loan_id", l.ID, "asset", l.CollateralAssetID)
			continue
		}

		ltv := loan.LtvAt(l, px)
		if err := m.loans.UpdateLoanLtv(ctx, l.ID, l.PaidIrr, ltv); err != nil {
			m.log.Warn("persist ltv failed", "loan_id", l.ID, "err", err)
		}
		if ltv.LessThan(m.threshold) {
			continue
		}

		m.log.Warn("ltv breach", "loan_id", l.ID, "user", l.UserID, "ltv", ltv.StringFixed(4))
		_, err = m.liquidator.Liquidate(ctx, l.ID, px)
		switch {
		case err == nil:
			rep.Liquidated++
		case errors.Is(err, loan.ErrLoanResolved), errors.Is(err, loan.ErrLoanHealthy):
			m.log.Debug("loan resolved before liquidation", "loan_id", l.ID, "reason", err)
		default:
			rep.Failed++
			m.log.Error("liquidation failed", "loan_id", l.ID, "err", err)
		}
	}
	return rep, nil
}

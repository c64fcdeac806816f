package liquidation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blumarkets/portfolio-engine/internal/allocation"
	"github.com/blumarkets/portfolio-engine/internal/liquidation"
	"github.com/blumarkets/portfolio-engine/internal/loan"
	"github.com/blumarkets/portfolio-engine/internal/lock"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
	"github.com/blumarkets/portfolio-engine/internal/price"
	"github.com/blumarkets/portfolio-engine/internal/registry"
	"github.com/blumarkets/portfolio-engine/internal/scheduler"
	"github.com/blumarkets/portfolio-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	store   *store.MemoryStore
	prices  *price.StaticSource
	monitor *liquidation.Monitor
	manager *loan.Manager
}

// newEnv seeds one user holding 100 BTC, 100 ETH and 100 SOL (all frozen)
// with a loan against each. At a price of 1M per unit the BTC loan
// (95M remaining) breaches 0.90, ETH (50M) is healthy and SOL has no price.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	pol := policy.Default()
	reg := registry.Default(pol.MaxLTV)
	src := price.NewStaticSource()
	for _, a := range reg.Assets() {
		src.SetIRR(a.ID, d("1000000"))
	}
	src.Remove("SOL")

	st := store.NewMemoryStore()
	require.NoError(t, st.CreatePortfolio(ctx, &model.Portfolio{
		UserID: "u1",
		Holdings: []model.Holding{
			{AssetID: "BTC", Quantity: d("100"), FrozenQuantity: d("100")},
			{AssetID: "ETH", Quantity: d("100"), FrozenQuantity: d("100")},
			{AssetID: "SOL", Quantity: d("100"), FrozenQuantity: d("100")},
		},
		Target:    model.Allocation{Foundation: d("50"), Growth: d("35"), Upside: d("15")},
		CreatedAt: time.Now().UTC(),
	}, nil))

	for _, l := range []struct{ id, asset, due string }{
		{"breach", "BTC", "95000000"},
		{"healthy", "ETH", "50000000"},
		{"unpriced", "SOL", "60000000"},
	} {
		ln := &model.Loan{
			ID:                 l.id,
			UserID:             "u1",
			CollateralAssetID:  l.asset,
			CollateralQuantity: d("100"),
			PrincipalIrr:       d(l.due).Mul(d("0.9")).Round(0),
			TotalDueIrr:        d(l.due),
			PaidIrr:            decimal.Zero,
			DurationMonths:     3,
			Installments:       loan.Schedule(d(l.due), d(l.due), 3, time.Now()),
			CurrentLtv:         decimal.Zero,
			Status:             model.LoanActive,
		}
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.InsertLoan(ctx, ln) }))
	}

	mgr := loan.NewManager(st, src, reg, allocation.NewClassifier(pol, reg), pol, nil)
	return &env{
		store:   st,
		prices:  src,
		monitor: liquidation.NewMonitor(st, src, mgr, pol.LiquidationLtv),
		manager: mgr,
	}
}

func TestScan_LiquidatesOnlyBreaches(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	rep, err := e.monitor.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, liquidation.Report{Checked: 3, Skipped: 1, Liquidated: 1}, rep)

	breach, err := e.store.GetLoan(ctx, "breach")
	require.NoError(t, err)
	assert.Equal(t, model.LoanLiquidated, breach.Status)

	healthy, err := e.store.GetLoan(ctx, "healthy")
	require.NoError(t, err)
	assert.Equal(t, model.LoanActive, healthy.Status)
	assert.True(t, healthy.CurrentLtv.Equal(d("0.5")), "ltv persisted, got %s", healthy.CurrentLtv)

	unpriced, err := e.store.GetLoan(ctx, "unpriced")
	require.NoError(t, err)
	assert.Equal(t, model.LoanActive, unpriced.Status, "a missing price skips the loan")

	p, err := e.store.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, p.Holding("BTC"))
	assert.True(t, p.CashIrr.Equal(d("5000000")), "excess 100M - 95M credited")
}

// repayingStore commits a payment on one loan right after the scan has
// listed active loans.
type repayingStore struct {
	*store.MemoryStore
	loanID string
}

func (s *repayingStore) ListActiveLoans(ctx context.Context) ([]model.Loan, error) {
	loans, err := s.MemoryStore.ListActiveLoans(ctx)
	if err != nil {
		return nil, err
	}
	err = s.InTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockLoan(ctx, s.loanID)
		if err != nil {
			return err
		}
		l.PaidIrr = d("10000000")
		l.CurrentLtv = d("0.4")
		return tx.SaveLoan(ctx, l)
	})
	return loans, err
}

func TestScan_DoesNotOverwriteFresherLtv(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	pol := policy.Default()
	m := liquidation.NewMonitor(&repayingStore{MemoryStore: e.store, loanID: "healthy"}, e.prices, e.manager, pol.LiquidationLtv)

	_, err := m.Scan(ctx)
	require.NoError(t, err)

	healthy, err := e.store.GetLoan(ctx, "healthy")
	require.NoError(t, err)
	assert.True(t, healthy.PaidIrr.Equal(d("10000000")))
	assert.True(t, healthy.CurrentLtv.Equal(d("0.4")), "ltv from the stale read must not land, got %s", healthy.CurrentLtv)

	// The next scan sees the payment and persists its own value.
	_, err = e.monitor.Scan(ctx)
	require.NoError(t, err)
	healthy, err = e.store.GetLoan(ctx, "healthy")
	require.NoError(t, err)
	assert.True(t, healthy.CurrentLtv.Equal(d("0.4")), "got %s", healthy.CurrentLtv)
}

func TestScan_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.monitor.Scan(ctx)
	require.NoError(t, err)
	rep, err := e.monitor.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Liquidated)
	assert.Equal(t, 2, rep.Checked, "the liquidated loan is no longer listed")

	ledger, err := e.store.ListLedger(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

func TestScan_PriceDropTriggersLiquidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.prices.SetIRR("ETH", d("550000"))

	rep, err := e.monitor.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Liquidated)

	l, err := e.store.GetLoan(ctx, "healthy")
	require.NoError(t, err)
	assert.Equal(t, model.LoanLiquidated, l.Status)
}

type failingLiquidator struct{ calls int }

func (f *failingLiquidator) Liquidate(context.Context, string, decimal.Decimal) (*loan.LiquidationResult, error) {
	f.calls++
	return nil, errors.New("db down")
}

func TestScan_LiquidationFailureDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.prices.SetIRR("ETH", d("550000"))
	liq := &failingLiquidator{}
	m := liquidation.NewMonitor(e.store, e.prices, liq, d("0.90"))

	rep, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, liq.calls)
	assert.Equal(t, 2, rep.Failed)
	assert.NoError(t, m.Run(ctx), "per-loan failures do not fail the tick")
}

func TestRun_LockedSkipsWhenHeld(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := lock.NewMemoryLock()
	job := scheduler.Locked(e.monitor, l, 5*time.Minute)

	ok, err := l.Acquire(ctx, "job:"+e.monitor.Name(), 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = job.Run(ctx)
	assert.ErrorIs(t, err, lock.ErrSkipped)
	breach, err := e.store.GetLoan(ctx, "breach")
	require.NoError(t, err)
	assert.Equal(t, model.LoanActive, breach.Status)

	require.NoError(t, l.Release(ctx, "job:"+e.monitor.Name()))
	require.NoError(t, job.Run(ctx))
	breach, err = e.store.GetLoan(ctx, "breach")
	require.NoError(t, err)
	assert.Equal(t, model.LoanLiquidated, breach.Status)
}

package trade_test

import (
	"context"
	"errors"
	"testing"

	"github.com/blumarkets/portfolio-engine/internal/allocation"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
	"github.com/blumarkets/portfolio-engine/internal/price"
	"github.com/blumarkets/portfolio-engine/internal/registry"
	"github.com/blumarkets/portfolio-engine/internal/store"
	"github.com/blumarkets/portfolio-engine/internal/trade"
)

// newTestEnv creates a Service over an in-memory store and static prices.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, *price.StaticSource) {
	t.Helper()
	pol := policy.Default()
	reg := registry.Default(pol.MaxLTV)
	ms := store.NewMemoryStore()
	src := price.NewStaticSource()
	src.SetIRR("USDT", d(100_000))
	src.SetIRR("BTC", d(1_000_000_000))
	src.SetIRR("SOL", d(1_000_000))

	svc := trade.NewService(ms, src, allocation.NewClassifier(pol, reg), trade.NewExecutor(pol, reg), pol, nil)
	return svc, ms, src
}

// seedPortfolio stores 60M/30M/10M across the layers plus 50M cash, with a
// 55/30/15 target.
func seedPortfolio(t *testing.T, ms *store.MemoryStore, userID string) {
	t.Helper()
	target, _ := registry.TargetForRisk(5)
	p := &model.Portfolio{
		UserID:  userID,
		CashIrr: d(50_000_000),
		Holdings: []model.Holding{
			{AssetID: "USDT", Quantity: d(600)},
			{AssetID: "BTC", Quantity: d(0.03)},
			{AssetID: "SOL", Quantity: d(10), FrozenQuantity: d(8)},
		},
		RiskScore: 5,
		Target:    target,
	}
	if err := ms.CreatePortfolio(context.Background(), p, nil); err != nil {
		t.Fatalf("failed to seed portfolio: %v", err)
	}
}

func TestExecute_BelowMinimumTrade(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedPortfolio(t, ms, "u1")

	_, err := svc.Execute(context.Background(), trade.Request{UserID: "u1", Side: model.SideBuy, AssetID: "SOL", AmountIrr: d(999_999)})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPreview_DoesNotMutate(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedPortfolio(t, ms, "u1")
	ctx := context.Background()

	res, err := svc.Preview(ctx, trade.Request{UserID: "u1", Side: model.SideBuy, AssetID: "SOL", AmountIrr: d(2_000_000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.LedgerEntryID != "" {
		t.Error("preview must not produce a ledger entry")
	}
	if !res.CashAfterIrr.Equal(d(48_000_000)) {
		t.Errorf("cash after = %s", res.CashAfterIrr)
	}

	p, _ := ms.GetPortfolio(ctx, "u1")
	if !p.CashIrr.Equal(d(50_000_000)) {
		t.Errorf("preview changed cash to %s", p.CashIrr)
	}
	if entries, _ := ms.ListLedger(ctx, "u1", 0); len(entries) != 0 {
		t.Errorf("preview wrote %d ledger entries", len(entries))
	}
}

func TestExecute_BuyTowardTarget(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedPortfolio(t, ms, "u1")
	ctx := context.Background()

	res, err := svc.Execute(ctx, trade.Request{UserID: "u1", Side: model.SideBuy, AssetID: "SOL", AmountIrr: d(2_000_000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.MovesTowardTarget {
		t.Error("buying the underweight layer should move toward target")
	}
	// Drift falls from 5 to under 4 points.
	if res.Boundary != model.BoundarySafe {
		t.Errorf("boundary = %s, want SAFE", res.Boundary)
	}

	p, _ := ms.GetPortfolio(ctx, "u1")
	if !p.CashIrr.Equal(d(48_000_000)) {
		t.Errorf("cash = %s, want 48000000", p.CashIrr)
	}
	// 2,000,000 less 0.6% spread at 1,000,000 per unit.
	if h := p.Holding("SOL"); !h.Quantity.Equal(d(11.988)) || !h.FrozenQuantity.Equal(d(8)) {
		t.Errorf("SOL holding = %+v", h)
	}

	entries, _ := ms.ListLedger(ctx, "u1", 0)
	if len(entries) != 1 || entries[0].ID != res.LedgerEntryID || entries[0].Boundary != model.BoundarySafe {
		t.Errorf("unexpected ledger %+v", entries)
	}
}

func TestPreview_AwayFromTarget(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedPortfolio(t, ms, "u1")

	res, err := svc.Preview(context.Background(), trade.Request{UserID: "u1", Side: model.SideBuy, AssetID: "USDT", AmountIrr: d(2_000_000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MovesTowardTarget {
		t.Error("buying the overweight layer must not move toward target")
	}
}

func TestExecute_SellFrozenCollateral(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedPortfolio(t, ms, "u1")

	// 2 of 10 SOL are unfrozen; 5,000,000 IRR needs 5.
	_, err := svc.Execute(context.Background(), trade.Request{UserID: "u1", Side: model.SideSell, AssetID: "SOL", AmountIrr: d(5_000_000)})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestExecute_MissingPrice(t *testing.T) {
	svc, ms, src := newTestEnv(t)
	seedPortfolio(t, ms, "u1")
	src.Remove("BTC")

	_, err := svc.Execute(context.Background(), trade.Request{UserID: "u1", Side: model.SideBuy, AssetID: "SOL", AmountIrr: d(2_000_000)})
	if !errors.Is(err, model.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestCreatePortfolio(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()

	p, err := svc.CreatePortfolio(ctx, "u9", 3, d(10_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Target.Sum().Equal(d(100)) || !p.Target.Foundation.Equal(d(70)) {
		t.Errorf("target = %+v", p.Target)
	}
	entries, _ := ms.ListLedger(ctx, "u9", 0)
	if len(entries) != 1 || entries[0].Type != model.EntryPortfolioOpen {
		t.Errorf("unexpected ledger %+v", entries)
	}

	if _, err := svc.CreatePortfolio(ctx, "u9", 3, d(1)); !errors.Is(err, model.ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate, got %v", err)
	}
	if _, err := svc.CreatePortfolio(ctx, "u10", 11, d(1)); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation for risk score 11, got %v", err)
	}
}

func TestOverview(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedPortfolio(t, ms, "u1")

	ov, err := svc.Overview(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ov.Analysis.Boundary != model.BoundaryDrift {
		t.Errorf("boundary = %s, want DRIFT", ov.Analysis.Boundary)
	}
	if !ov.Analysis.TotalValueIrr.Equal(d(150_000_000)) {
		t.Errorf("total = %s", ov.Analysis.TotalValueIrr)
	}
}

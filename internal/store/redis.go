package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of portfolio snapshots. Transactions go to the primary store and
// invalidate every portfolio they saved once they commit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio, entry *model.LedgerEntry) error {
	if err := s.primary.CreatePortfolio(ctx, p, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, portfolioKey(p.UserID))
	return nil
}

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.InTx(ctx, func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	// Invalidate after commit; next read will re-populate.
	for _, uid := range touched {
		s.rdb.Del(ctx, portfolioKey(uid))
	}
	return nil
}

// trackingTx records which portfolios a transaction saved.
type trackingTx struct {
	Tx
	touched *[]string
}

func (t *trackingTx) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := t.Tx.SavePortfolio(ctx, p); err != nil {
		return err
	}
	*t.touched = append(*t.touched, p.UserID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioKey(userID), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetLoan(ctx context.Context, id string) (*model.Loan, error) {
	return s.primary.GetLoan(ctx, id)
}

func (s *CachedStore) ListLoansByUser(ctx context.Context, userID string) ([]model.Loan, error) {
	return s.primary.ListLoansByUser(ctx, userID)
}

func (s *CachedStore) ListActiveLoans(ctx context.Context) ([]model.Loan, error) {
	return s.primary.ListActiveLoans(ctx)
}

func (s *CachedStore) UpdateLoanLtv(ctx context.Context, loanID string, paidIrr, ltv decimal.Decimal) error {
	return s.primary.UpdateLoanLtv(ctx, loanID, paidIrr, ltv)
}

func (s *CachedStore) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.primary.ListLedger(ctx, userID, limit)
}

func (s *CachedStore) ListLedgerBetween(ctx context.Context, from, to time.Time) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerBetween(ctx, from, to)
}

func (s *CachedStore) ListActionLog(ctx context.Context, userID string) ([]model.ActionLog, error) {
	return s.primary.ListActionLog(ctx, userID)
}

func (s *CachedStore) RecordPrice(ctx context.Context, p model.PricePoint) error {
	return s.primary.RecordPrice(ctx, p)
}

func (s *CachedStore) PriceHistory(ctx context.Context, assetID string, limit int) ([]model.PricePoint, error) {
	return s.primary.PriceHistory(ctx, assetID, limit)
}

func portfolioKey(uid string) string { return fmt.Sprintf("portfolio:%s", uid) }

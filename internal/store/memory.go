package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by txMu, which stands in for row locks: a
// transaction sees committed state plus its own staged writes, and nothing
// it staged is visible until commit.
type MemoryStore struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	portfolios map[string]*model.Portfolio
	loans      map[string]*model.Loan
	loanOrder  []string
	ledger     []model.LedgerEntry
	actions    []model.ActionLog
	history    map[string][]model.PricePoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]*model.Portfolio),
		loans:      make(map[string]*model.Loan),
		history:    make(map[string][]model.PricePoint),
	}
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.UserID]; ok {
		return fmt.Errorf("%w: portfolio for user %s already exists", model.ErrConflict, p.UserID)
	}
	s.portfolios[p.UserID] = p.Clone()
	if entry != nil {
		s.ledger = append(s.ledger, *entry)
	}
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio for user %s", model.ErrNotFound, userID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetLoan(_ context.Context, id string) (*model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("%w: loan %s", model.ErrNotFound, id)
	}
	return l.Clone(), nil
}

func (s *MemoryStore) ListLoansByUser(_ context.Context, userID string) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Loan
	for _, id := range s.loanOrder {
		if l := s.loans[id]; l.UserID == userID {
			result = append(result, *l.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) ListActiveLoans(_ context.Context) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Loan
	for _, id := range s.loanOrder {
		if l := s.loans[id]; l.Status == model.LoanActive {
			result = append(result, *l.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateLoanLtv(_ context.Context, loanID string, paidIrr, ltv decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[loanID]
	if !ok {
		return fmt.Errorf("%w: loan %s", model.ErrNotFound, loanID)
	}
	if l.Status == model.LoanActive && l.PaidIrr.Equal(paidIrr) {
		l.CurrentLtv = ltv
	}
	return nil
}

func (s *MemoryStore) ListLedger(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].UserID != userID {
			continue
		}
		result = append(result, s.ledger[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListLedgerBetween(_ context.Context, from, to time.Time) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) ListActionLog(_ context.Context, userID string) ([]model.ActionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ActionLog
	for _, a := range s.actions {
		if a.UserID == userID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *MemoryStore) RecordPrice(_ context.Context, p model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.history[p.AssetID]
	for i := range series {
		if series[i].Day.Equal(p.Day) {
			series[i] = p
			return nil
		}
	}
	series = append(series, p)
	sort.Slice(series, func(i, j int) bool { return series[i].Day.Before(series[j].Day) })
	s.history[p.AssetID] = series
	return nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, assetID string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.history[assetID]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return append([]model.PricePoint(nil), series...), nil
}

// InTx runs fn against staged copies and applies them atomically on success.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		s:          s,
		portfolios: make(map[string]*model.Portfolio),
		loans:      make(map[string]*model.Loan),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range tx.portfolios {
		s.portfolios[id] = p
	}
	for _, id := range tx.newLoans {
		s.loanOrder = append(s.loanOrder, id)
	}
	for id, l := range tx.loans {
		s.loans[id] = l
	}
	s.ledger = append(s.ledger, tx.ledger...)
	s.actions = append(s.actions, tx.actions...)
}

// memTx holds the staged writes of one transaction.
type memTx struct {
	s          *MemoryStore
	portfolios map[string]*model.Portfolio
	loans      map[string]*model.Loan
	newLoans   []string
	ledger     []model.LedgerEntry
	actions    []model.ActionLog
}

func (t *memTx) LockPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if p, ok := t.portfolios[userID]; ok {
		return p.Clone(), nil
	}
	return t.s.GetPortfolio(ctx, userID)
}

func (t *memTx) SavePortfolio(_ context.Context, p *model.Portfolio) error {
	for _, h := range p.Holdings {
		if h.FrozenQuantity.GreaterThan(h.Quantity) {
			return fmt.Errorf("%w: frozen quantity of %s exceeds holding", model.ErrInternal, h.AssetID)
		}
	}
	t.portfolios[p.UserID] = p.Clone()
	return nil
}

func (t *memTx) LockLoan(ctx context.Context, loanID string) (*model.Loan, error) {
	if l, ok := t.loans[loanID]; ok {
		return l.Clone(), nil
	}
	return t.s.GetLoan(ctx, loanID)
}

func (t *memTx) ListActiveLoansForUser(ctx context.Context, userID string) ([]model.Loan, error) {
	committed, err := t.s.ListLoansByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var result []model.Loan
	seen := make(map[string]bool)
	for _, l := range committed {
		seen[l.ID] = true
		if staged, ok := t.loans[l.ID]; ok {
			l = *staged.Clone()
		}
		if l.Status == model.LoanActive {
			result = append(result, l)
		}
	}
	for _, id := range t.newLoans {
		if l := t.loans[id]; !seen[id] && l.UserID == userID && l.Status == model.LoanActive {
			result = append(result, *l.Clone())
		}
	}
	return result, nil
}

func (t *memTx) InsertLoan(_ context.Context, l *model.Loan) error {
	if _, ok := t.loans[l.ID]; ok {
		return fmt.Errorf("%w: loan %s already exists", model.ErrConflict, l.ID)
	}
	t.s.mu.RLock()
	_, exists := t.s.loans[l.ID]
	t.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: loan %s already exists", model.ErrConflict, l.ID)
	}
	t.loans[l.ID] = l.Clone()
	t.newLoans = append(t.newLoans, l.ID)
	return nil
}

func (t *memTx) SaveLoan(ctx context.Context, l *model.Loan) error {
	if _, ok := t.loans[l.ID]; !ok {
		if _, err := t.s.GetLoan(ctx, l.ID); err != nil {
			return err
		}
	}
	t.loans[l.ID] = l.Clone()
	return nil
}

func (t *memTx) AppendLedger(_ context.Context, e *model.LedgerEntry) error {
	t.ledger = append(t.ledger, *e)
	return nil
}

func (t *memTx) AppendAction(_ context.Context, a *model.ActionLog) error {
	t.actions = append(t.actions, *a)
	return nil
}

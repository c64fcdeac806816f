// Package store defines the persistence boundary of the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// Store is the persistence interface. Every mutation of cash, holdings or
// loans goes through InTx so the ledger append commits with the state change.
type Store interface {
	// --- Portfolios ---

	// CreatePortfolio inserts a new portfolio together with its opening
	// ledger entry. ErrConflict if the user already has one.
	CreatePortfolio(ctx context.Context, p *model.Portfolio, entry *model.LedgerEntry) error

	// GetPortfolio returns the committed snapshot for userID.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// --- Loans ---

	GetLoan(ctx context.Context, id string) (*model.Loan, error)
	ListLoansByUser(ctx context.Context, userID string) ([]model.Loan, error)
	ListActiveLoans(ctx context.Context) ([]model.Loan, error)

	// UpdateLoanLtv persists an LTV computed from a loan read with
	// paidIrr. No-op if the loan is no longer ACTIVE or a payment has
	// landed since that read.
	UpdateLoanLtv(ctx context.Context, loanID string, paidIrr, ltv decimal.Decimal) error

	// --- Immutable ledger ---

	// ListLedger returns the newest entries for a user, newest first.
	ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	// ListLedgerBetween returns entries with from <= timestamp < to, oldest first.
	ListLedgerBetween(ctx context.Context, from, to time.Time) ([]model.LedgerEntry, error)

	ListActionLog(ctx context.Context, userID string) ([]model.ActionLog, error)

	// --- Price history ---

	RecordPrice(ctx context.Context, p model.PricePoint) error

	// PriceHistory returns up to limit most recent daily closes, oldest first.
	PriceHistory(ctx context.Context, assetID string, limit int) ([]model.PricePoint, error)

	// --- Transactions ---

	// InTx runs fn in a transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view. Lock* methods take a pessimistic row lock
// held until the transaction ends.
type Tx interface {
	LockPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)
	SavePortfolio(ctx context.Context, p *model.Portfolio) error

	LockLoan(ctx context.Context, loanID string) (*model.Loan, error)
	ListActiveLoansForUser(ctx context.Context, userID string) ([]model.Loan, error)
	InsertLoan(ctx context.Context, l *model.Loan) error
	SaveLoan(ctx context.Context, l *model.Loan) error

	AppendLedger(ctx context.Context, e *model.LedgerEntry) error
	AppendAction(ctx context.Context, a *model.ActionLog) error
}

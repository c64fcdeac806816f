package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrate applies the embedded SQL files in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Portfolios ---

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio, entry *model.LedgerEntry) error {
	return s.InTx(ctx, func(t Tx) error {
		tx := t.(*pgTx)
		_, err := tx.tx.Exec(ctx,
			`INSERT INTO portfolios (user_id, cash_irr, risk_score, target_foundation, target_growth, target_upside, last_rebalance_at, created_at)
			 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
			p.UserID, p.CashIrr.String(), p.RiskScore,
			p.Target.Foundation.String(), p.Target.Growth.String(), p.Target.Upside.String(),
			p.LastRebalanceAt, p.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: portfolio for user %s already exists", model.ErrConflict, p.UserID)
			}
			return fmt.Errorf("postgres: insert portfolio %s: %w", p.UserID, err)
		}
		if err := insertHoldings(ctx, tx.tx, p); err != nil {
			return err
		}
		if entry != nil {
			return tx.AppendLedger(ctx, entry)
		}
		return nil
	})
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	return loadPortfolio(ctx, s.pool, userID, false)
}

func loadPortfolio(ctx context.Context, q querier, userID string, forUpdate bool) (*model.Portfolio, error) {
	query := `SELECT user_id, cash_irr::TEXT, risk_score,
	                 target_foundation::TEXT, target_growth::TEXT, target_upside::TEXT,
	                 last_rebalance_at, created_at
	          FROM portfolios WHERE user_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var p model.Portfolio
	var cash, tf, tg, tu string
	err := q.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &cash, &p.RiskScore, &tf, &tg, &tu, &p.LastRebalanceAt, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: portfolio for user %s", model.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("postgres: get portfolio %s: %w", userID, err)
	}
	p.CashIrr = dec(cash)
	p.Target = model.Allocation{Foundation: dec(tf), Growth: dec(tg), Upside: dec(tu)}

	hq := `SELECT asset_id, quantity::TEXT, frozen_quantity::TEXT
	       FROM holdings WHERE user_id = $1 ORDER BY asset_id`
	if forUpdate {
		hq += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, hq, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get holdings %s: %w", userID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var h model.Holding
		var qty, frozen string
		if err := rows.Scan(&h.AssetID, &qty, &frozen); err != nil {
			return nil, err
		}
		h.Quantity = dec(qty)
		h.FrozenQuantity = dec(frozen)
		p.Holdings = append(p.Holdings, h)
	}
	return &p, rows.Err()
}

func insertHoldings(ctx context.Context, q querier, p *model.Portfolio) error {
	for _, h := range p.Holdings {
		if h.Quantity.IsZero() {
			continue
		}
		_, err := q.Exec(ctx,
			`INSERT INTO holdings (user_id, asset_id, quantity, frozen_quantity)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)`,
			p.UserID, h.AssetID, h.Quantity.String(), h.FrozenQuantity.String(),
		)
		if err != nil {
			return fmt.Errorf("postgres: insert holding %s/%s: %w", p.UserID, h.AssetID, err)
		}
	}
	return nil
}

// --- Loans ---

const loanColumns = `id, user_id, collateral_asset_id, collateral_quantity::TEXT,
	principal_irr::TEXT, interest_rate::TEXT, total_due_irr::TEXT, paid_irr::TEXT,
	duration_months, current_ltv::TEXT, status, shortfall_irr::TEXT, created_at, closed_at`

func (s *PostgresStore) GetLoan(ctx context.Context, id string) (*model.Loan, error) {
	return loadLoan(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListLoansByUser(ctx context.Context, userID string) ([]model.Loan, error) {
	return listLoans(ctx, s.pool,
		`SELECT `+loanColumns+` FROM loans WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *PostgresStore) ListActiveLoans(ctx context.Context) ([]model.Loan, error) {
	return listLoans(ctx, s.pool,
		`SELECT `+loanColumns+` FROM loans WHERE status = 'ACTIVE' ORDER BY created_at`)
}

func (s *PostgresStore) UpdateLoanLtv(ctx context.Context, loanID string, paidIrr, ltv decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE loans SET current_ltv = $3::NUMERIC
		 WHERE id = $1 AND status = 'ACTIVE' AND paid_irr = $2::NUMERIC`,
		loanID, paidIrr.String(), ltv.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: update ltv %s: %w", loanID, err)
	}
	return nil
}

func loadLoan(ctx context.Context, q querier, id string, forUpdate bool) (*model.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	l, err := scanLoan(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: loan %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: get loan %s: %w", id, err)
	}
	if l.Installments, err = loadInstallments(ctx, q, l.ID); err != nil {
		return nil, err
	}
	return l, nil
}

func listLoans(ctx context.Context, q querier, query string, args ...any) ([]model.Loan, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list loans: %w", err)
	}
	var loans []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		loans = append(loans, *l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range loans {
		if loans[i].Installments, err = loadInstallments(ctx, q, loans[i].ID); err != nil {
			return nil, err
		}
	}
	return loans, nil
}

func scanLoan(row pgx.Row) (*model.Loan, error) {
	var l model.Loan
	var collQty, principal, rate, totalDue, paid, ltv string
	var shortfall *string
	err := row.Scan(&l.ID, &l.UserID, &l.CollateralAssetID, &collQty,
		&principal, &rate, &totalDue, &paid,
		&l.DurationMonths, &ltv, &l.Status, &shortfall, &l.CreatedAt, &l.ClosedAt)
	if err != nil {
		return nil, err
	}
	l.CollateralQuantity = dec(collQty)
	l.PrincipalIrr = dec(principal)
	l.InterestRate = dec(rate)
	l.TotalDueIrr = dec(totalDue)
	l.PaidIrr = dec(paid)
	l.CurrentLtv = dec(ltv)
	if shortfall != nil {
		l.ShortfallIrr = decimal.NewNullDecimal(dec(*shortfall))
	}
	return &l, nil
}

func loadInstallments(ctx context.Context, q querier, loanID string) ([]model.LoanInstallment, error) {
	rows, err := q.Query(ctx,
		`SELECT number, due_date, principal_irr::TEXT, interest_irr::TEXT, total_irr::TEXT, paid_irr::TEXT, status
		 FROM loan_installments WHERE loan_id = $1 ORDER BY number`, loanID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get installments %s: %w", loanID, err)
	}
	defer rows.Close()

	var out []model.LoanInstallment
	for rows.Next() {
		var in model.LoanInstallment
		var principal, interest, total, paid string
		if err := rows.Scan(&in.Number, &in.DueDate, &principal, &interest, &total, &paid, &in.Status); err != nil {
			return nil, err
		}
		in.PrincipalIrr = dec(principal)
		in.InterestIrr = dec(interest)
		in.TotalIrr = dec(total)
		in.PaidIrr = dec(paid)
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Immutable ledger ---

const ledgerColumns = `id, user_id, entry_type, asset_id, amount_irr::TEXT, quantity::TEXT,
	loan_id, boundary, before_snapshot, after_snapshot, timestamp`

func (s *PostgresStore) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger %s: %w", userID, err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) ListLedgerBetween(ctx context.Context, from, to time.Time) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger range: %w", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, qty string
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.AssetID, &amount, &qty,
			&e.LoanID, &e.Boundary, &before, &after, &e.Timestamp); err != nil {
			return nil, err
		}
		e.AmountIrr = dec(amount)
		e.Quantity = dec(qty)
		e.Before = decodeSnapshot(before)
		e.After = decodeSnapshot(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListActionLog(ctx context.Context, userID string) ([]model.ActionLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, action, boundary, loan_id, message, timestamp
		 FROM action_log WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list action log %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.ActionLog
	for rows.Next() {
		var a model.ActionLog
		if err := rows.Scan(&a.ID, &a.UserID, &a.Action, &a.Boundary, &a.LoanID, &a.Message, &a.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Price history ---

func (s *PostgresStore) RecordPrice(ctx context.Context, p model.PricePoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (asset_id, day, price_usd, price_irr)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (asset_id, day) DO UPDATE
		 SET price_usd = EXCLUDED.price_usd, price_irr = EXCLUDED.price_irr`,
		p.AssetID, p.Day, p.PriceUSD.String(), p.PriceIrr.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: record price %s: %w", p.AssetID, err)
	}
	return nil
}

func (s *PostgresStore) PriceHistory(ctx context.Context, assetID string, limit int) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, day, price_usd::TEXT, price_irr::TEXT FROM (
		     SELECT * FROM price_history WHERE asset_id = $1 ORDER BY day DESC LIMIT $2
		 ) recent ORDER BY day`, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: price history %s: %w", assetID, err)
	}
	defer rows.Close()

	var out []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var usd, irr string
		if err := rows.Scan(&p.AssetID, &p.Day, &usd, &irr); err != nil {
			return nil, err
		}
		p.PriceUSD = dec(usd)
		p.PriceIrr = dec(irr)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrInternal, err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	return loadPortfolio(ctx, t.tx, userID, true)
}

func (t *pgTx) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE portfolios SET cash_irr = $2::NUMERIC, last_rebalance_at = $3 WHERE user_id = $1`,
		p.UserID, p.CashIrr.String(), p.LastRebalanceAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update portfolio %s: %w", p.UserID, err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM holdings WHERE user_id = $1`, p.UserID); err != nil {
		return fmt.Errorf("postgres: clear holdings %s: %w", p.UserID, err)
	}
	return insertHoldings(ctx, t.tx, p)
}

func (t *pgTx) LockLoan(ctx context.Context, loanID string) (*model.Loan, error) {
	return loadLoan(ctx, t.tx, loanID, true)
}

func (t *pgTx) ListActiveLoansForUser(ctx context.Context, userID string) ([]model.Loan, error) {
	return listLoans(ctx, t.tx,
		`SELECT `+loanColumns+` FROM loans WHERE user_id = $1 AND status = 'ACTIVE' ORDER BY created_at`, userID)
}

func (t *pgTx) InsertLoan(ctx context.Context, l *model.Loan) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO loans (id, user_id, collateral_asset_id, collateral_quantity, principal_irr, interest_rate,
		                    total_due_irr, paid_irr, duration_months, current_ltv, status, shortfall_irr, created_at, closed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC, $11, $12::NUMERIC, $13, $14)`,
		l.ID, l.UserID, l.CollateralAssetID, l.CollateralQuantity.String(),
		l.PrincipalIrr.String(), l.InterestRate.String(), l.TotalDueIrr.String(), l.PaidIrr.String(),
		l.DurationMonths, l.CurrentLtv.String(), l.Status, nullDec(l.ShortfallIrr), l.CreatedAt, l.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert loan %s: %w", l.ID, err)
	}
	for _, in := range l.Installments {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO loan_installments (loan_id, number, due_date, principal_irr, interest_irr, total_irr, paid_irr, status)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
			l.ID, in.Number, in.DueDate, in.PrincipalIrr.String(), in.InterestIrr.String(),
			in.TotalIrr.String(), in.PaidIrr.String(), in.Status,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert installment %s/%d: %w", l.ID, in.Number, err)
		}
	}
	return nil
}

func (t *pgTx) SaveLoan(ctx context.Context, l *model.Loan) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE loans SET paid_irr = $2::NUMERIC, current_ltv = $3::NUMERIC, status = $4,
		                  shortfall_irr = $5::NUMERIC, closed_at = $6
		 WHERE id = $1`,
		l.ID, l.PaidIrr.String(), l.CurrentLtv.String(), l.Status, nullDec(l.ShortfallIrr), l.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update loan %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: loan %s", model.ErrNotFound, l.ID)
	}
	for _, in := range l.Installments {
		_, err := t.tx.Exec(ctx,
			`UPDATE loan_installments SET paid_irr = $3::NUMERIC, status = $4
			 WHERE loan_id = $1 AND number = $2`,
			l.ID, in.Number, in.PaidIrr.String(), in.Status,
		)
		if err != nil {
			return fmt.Errorf("postgres: update installment %s/%d: %w", l.ID, in.Number, err)
		}
	}
	return nil
}

func (t *pgTx) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	before, err := json.Marshal(e.Before)
	if err != nil {
		return fmt.Errorf("encode before snapshot: %w", err)
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return fmt.Errorf("encode after snapshot: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, entry_type, asset_id, amount_irr, quantity, loan_id, boundary,
		                             before_snapshot, after_snapshot, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11)`,
		e.ID, e.UserID, e.Type, e.AssetID, e.AmountIrr.String(), e.Quantity.String(),
		e.LoanID, e.Boundary, before, after, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (t *pgTx) AppendAction(ctx context.Context, a *model.ActionLog) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO action_log (id, user_id, action, boundary, loan_id, message, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.Action, a.Boundary, a.LoanID, a.Message, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert action %s: %w", a.ID, err)
	}
	return nil
}

// --- helpers ---

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func nullDec(n decimal.NullDecimal) *string {
	if !n.Valid {
		return nil
	}
	s := n.Decimal.String()
	return &s
}

func decodeSnapshot(data []byte) *model.Snapshot {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var snap model.Snapshot
	if json.Unmarshal(data, &snap) != nil {
		return nil
	}
	return &snap
}

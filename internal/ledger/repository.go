package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists ledger entries and monthly balances in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

func (r *txRepo) StockMonthly(ctx context.Context, itemID, branchID int64, p shared.Period) (*Monthly, error) {
	return r.monthly(ctx, "item_monthly_balances", "item_id", itemID, branchID, p)
}

func (r *txRepo) MoneyMonthly(ctx context.Context, accountID, branchID int64, p shared.Period) (*Monthly, error) {
	return r.monthly(ctx, "account_monthly_balances", "account_id", accountID, branchID, p)
}

func (r *txRepo) monthly(ctx context.Context, table, entityCol string, entityID, branchID int64, p shared.Period) (*Monthly, error) {
	query := `
		SELECT opening, total_in, total_out, total_in_value, total_out_value,
		       closing, txn_count, needs_recalculation
		FROM ` + table + `
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND year = $3 AND month = $4
		FOR UPDATE`

	m := Monthly{EntityID: entityID, BranchID: branchID, Period: p, Exists: true}
	err := r.tx.QueryRow(ctx, query, entityID, branchID, p.Year, p.Month).Scan(
		&m.Opening, &m.TotalIn, &m.TotalOut, &m.TotalInValue, &m.TotalOutValue,
		&m.Closing, &m.TxnCount, &m.Dirty,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *txRepo) PrevStockClosing(ctx context.Context, itemID, branchID int64, p shared.Period) (float64, bool, error) {
	return r.prevClosing(ctx, "item_monthly_balances", "item_id", itemID, branchID, p)
}

func (r *txRepo) PrevMoneyClosing(ctx context.Context, accountID, branchID int64, p shared.Period) (float64, bool, error) {
	return r.prevClosing(ctx, "account_monthly_balances", "account_id", accountID, branchID, p)
}

func (r *txRepo) prevClosing(ctx context.Context, table, entityCol string, entityID, branchID int64, p shared.Period) (float64, bool, error) {
	prev := p.Prev()
	query := `
		SELECT closing FROM ` + table + `
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND year = $3 AND month = $4`

	var closing float64
	err := r.tx.QueryRow(ctx, query, entityID, branchID, prev.Year, prev.Month).Scan(&closing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return closing, true, nil
}

func (r *txRepo) ItemOpeningQty(ctx context.Context, itemID int64) (float64, error) {
	var opening float64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(opening_qty, 0) FROM items WHERE id = $1`, itemID).Scan(&opening)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return opening, nil
}

func (r *txRepo) AccountOpeningBalance(ctx context.Context, accountID int64) (float64, error) {
	var opening float64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(opening_balance, 0) FROM accounts WHERE id = $1`, accountID).Scan(&opening)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return opening, nil
}

func (r *txRepo) InsertStockEntry(ctx context.Context, entry *StockEntry) error {
	query := `
		INSERT INTO item_ledger_entries (
			item_id, branch_id, txn_id, txn_type, txn_no, txn_date, movement,
			qty, rate, tax_pct, tax_amount, amount, running_qty, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	return r.tx.QueryRow(ctx, query,
		entry.ItemID, entry.BranchID, entry.TxnID, entry.TxnType, entry.TxnNo,
		entry.TxnDate, string(entry.Movement), entry.Qty, entry.Rate,
		entry.TaxPct, entry.TaxAmount, entry.Amount, entry.RunningQty,
	).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
}

func (r *txRepo) InsertMoneyEntry(ctx context.Context, entry *MoneyEntry) error {
	query := `
		INSERT INTO account_ledger_entries (
			account_id, branch_id, txn_id, txn_type, txn_no, txn_date, side,
			amount, running_balance, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	return r.tx.QueryRow(ctx, query,
		entry.AccountID, entry.BranchID, entry.TxnID, entry.TxnType, entry.TxnNo,
		entry.TxnDate, string(entry.Side), entry.Amount, entry.RunningBalance,
	).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
}

func (r *txRepo) UpsertStockMonthly(ctx context.Context, m Monthly) error {
	return r.upsertMonthly(ctx, "item_monthly_balances", "item_id", m)
}

func (r *txRepo) UpsertMoneyMonthly(ctx context.Context, m Monthly) error {
	return r.upsertMonthly(ctx, "account_monthly_balances", "account_id", m)
}

func (r *txRepo) upsertMonthly(ctx context.Context, table, entityCol string, m Monthly) error {
	query := `
		INSERT INTO ` + table + ` (
			` + entityCol + `, branch_id, year, month, opening,
			total_in, total_out, total_in_value, total_out_value,
			closing, txn_count, needs_recalculation, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (` + entityCol + `, branch_id, year, month) DO UPDATE SET
			opening = EXCLUDED.opening,
			total_in = EXCLUDED.total_in,
			total_out = EXCLUDED.total_out,
			total_in_value = EXCLUDED.total_in_value,
			total_out_value = EXCLUDED.total_out_value,
			closing = EXCLUDED.closing,
			txn_count = EXCLUDED.txn_count,
			needs_recalculation = ` + table + `.needs_recalculation OR EXCLUDED.needs_recalculation,
			last_updated = NOW()`

	_, err := r.tx.Exec(ctx, query,
		m.EntityID, m.BranchID, m.Period.Year, m.Period.Month, m.Opening,
		m.TotalIn, m.TotalOut, m.TotalInValue, m.TotalOutValue,
		m.Closing, m.TxnCount, m.Dirty,
	)
	return err
}

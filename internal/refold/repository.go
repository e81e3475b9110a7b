package refold

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/adjustment"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// StockBook is the item-quantity instantiation of the refold algorithm.
type StockBook struct {
	pool *pgxpool.Pool
}

// NewStockBook constructs the stock book over PostgreSQL.
func NewStockBook(pool *pgxpool.Pool) *StockBook {
	return &StockBook{pool: pool}
}

func (b *StockBook) Name() string { return "stock" }

// DirtyPairs lists every (item, branch) pair with at least one dirty period.
func (b *StockBook) DirtyPairs(ctx context.Context) ([]Pair, error) {
	return listDirtyPairs(ctx, b.pool, "item_monthly_balances", "item_id")
}

// WithPair runs fn inside one repeatable-read transaction covering all dirty
// periods of the pair.
func (b *StockBook) WithPair(ctx context.Context, pair Pair, fn func(BookTx) error) error {
	return withPairTx(ctx, b.pool, fn, func(tx pgx.Tx) BookTx {
		return &stockBookTx{tx: tx}
	})
}

// BuildDeltas folds item adjustments into per-transaction deltas.
func (b *StockBook) BuildDeltas(entityID int64, adjs []adjustment.Entry) map[int64]Delta {
	return BuildStockDeltas(entityID, adjs)
}

// Replay recomputes one period of the stock book.
func (b *StockBook) Replay(opening float64, entries []Entry, deltas map[int64]Delta) (Summary, []Entry) {
	return ReplayStock(opening, entries, deltas)
}

// MoneyBook is the account-balance instantiation of the refold algorithm.
type MoneyBook struct {
	pool *pgxpool.Pool
	eps  float64
}

// NewMoneyBook constructs the money book over PostgreSQL.
func NewMoneyBook(pool *pgxpool.Pool, eps float64) *MoneyBook {
	return &MoneyBook{pool: pool, eps: eps}
}

func (b *MoneyBook) Name() string { return "money" }

// DirtyPairs lists every (account, branch) pair with at least one dirty period.
func (b *MoneyBook) DirtyPairs(ctx context.Context) ([]Pair, error) {
	return listDirtyPairs(ctx, b.pool, "account_monthly_balances", "account_id")
}

// WithPair runs fn inside one repeatable-read transaction covering all dirty
// periods of the pair.
func (b *MoneyBook) WithPair(ctx context.Context, pair Pair, fn func(BookTx) error) error {
	return withPairTx(ctx, b.pool, fn, func(tx pgx.Tx) BookTx {
		return &moneyBookTx{tx: tx}
	})
}

// BuildDeltas folds money adjustments into per-transaction deltas.
func (b *MoneyBook) BuildDeltas(entityID int64, adjs []adjustment.Entry) map[int64]Delta {
	return BuildMoneyDeltas(entityID, adjs)
}

// Replay recomputes one period of the money book.
func (b *MoneyBook) Replay(opening float64, entries []Entry, deltas map[int64]Delta) (Summary, []Entry) {
	return ReplayMoney(opening, entries, deltas, b.eps)
}

func listDirtyPairs(ctx context.Context, pool *pgxpool.Pool, table, entityCol string) ([]Pair, error) {
	query := `
		SELECT DISTINCT ` + entityCol + `, branch_id
		FROM ` + table + `
		WHERE needs_recalculation
		ORDER BY ` + entityCol + `, branch_id`

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.EntityID, &p.BranchID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func withPairTx(ctx context.Context, pool *pgxpool.Pool, fn func(BookTx) error, wrap func(pgx.Tx) BookTx) error {
	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		return fn(wrap(tx))
	})
}

type stockBookTx struct {
	tx pgx.Tx
}

func (r *stockBookTx) DirtyPeriods(ctx context.Context, pair Pair) ([]shared.Period, error) {
	return dirtyPeriods(ctx, r.tx, "item_monthly_balances", "item_id", pair)
}

func (r *stockBookTx) PrevClosing(ctx context.Context, pair Pair, p shared.Period) (float64, bool, error) {
	return prevClosing(ctx, r.tx, "item_monthly_balances", "item_id", pair, p)
}

func (r *stockBookTx) MasterOpening(ctx context.Context, pair Pair) (float64, error) {
	return masterOpening(ctx, r.tx, `SELECT COALESCE(opening_qty, 0) FROM items WHERE id = $1`, pair.EntityID)
}

func (r *stockBookTx) Entries(ctx context.Context, pair Pair, p shared.Period) ([]Entry, error) {
	query := `
		SELECT id, txn_id, txn_date, movement, qty, rate, tax_pct, tax_amount, amount, running_qty
		FROM item_ledger_entries
		WHERE item_id = $1 AND branch_id = $2 AND txn_date >= $3 AND txn_date < $4
		ORDER BY txn_date, id`

	rows, err := r.tx.Query(ctx, query, pair.EntityID, pair.BranchID, p.Start(), p.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var movement string
		err := rows.Scan(&e.ID, &e.TxnID, &e.TxnDate, &movement, &e.Qty, &e.Rate,
			&e.TaxPct, &e.TaxAmount, &e.Amount, &e.Running)
		if err != nil {
			return nil, err
		}
		e.Inward = movement == "in"
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *stockBookTx) Adjustments(ctx context.Context, pair Pair, p shared.Period) ([]adjustment.Entry, error) {
	query := `
		SELECT DISTINCT a.id, a.txn_id, a.txn_type, a.txn_no, a.txn_date, a.branch_id,
		       a.classification, a.old_amount, a.new_amount,
		       a.old_account_id, a.new_account_id, a.status, a.is_reversed, a.created_at
		FROM adjustments a
		JOIN adjustment_items ai ON ai.adjustment_id = a.id
		WHERE ai.item_id = $1 AND a.branch_id = $2
		  AND a.txn_date >= $3 AND a.txn_date < $4
		  AND a.status = 'active' AND NOT a.is_reversed
		ORDER BY a.id`

	return queryAdjustments(ctx, r.tx, query, pair.EntityID, pair.BranchID, p.Start(), p.End())
}

func (r *stockBookTx) UpdateEntry(ctx context.Context, entry Entry) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE item_ledger_entries
		SET qty = $2, rate = $3, tax_amount = $4, amount = $5, running_qty = $6, updated_at = NOW()
		WHERE id = $1`,
		entry.ID, entry.Qty, entry.Rate, entry.TaxAmount, entry.Amount, entry.Running)
	return err
}

func (r *stockBookTx) SaveSummary(ctx context.Context, pair Pair, p shared.Period, s Summary) error {
	return saveSummary(ctx, r.tx, "item_monthly_balances", "item_id", pair, p, s)
}

func (r *stockBookTx) MarkNextDirty(ctx context.Context, pair Pair, p shared.Period) (bool, error) {
	return markNextDirty(ctx, r.tx, "item_monthly_balances", "item_id", pair, p)
}

type moneyBookTx struct {
	tx pgx.Tx
}

func (r *moneyBookTx) DirtyPeriods(ctx context.Context, pair Pair) ([]shared.Period, error) {
	return dirtyPeriods(ctx, r.tx, "account_monthly_balances", "account_id", pair)
}

func (r *moneyBookTx) PrevClosing(ctx context.Context, pair Pair, p shared.Period) (float64, bool, error) {
	return prevClosing(ctx, r.tx, "account_monthly_balances", "account_id", pair, p)
}

func (r *moneyBookTx) MasterOpening(ctx context.Context, pair Pair) (float64, error) {
	return masterOpening(ctx, r.tx, `SELECT COALESCE(opening_balance, 0) FROM accounts WHERE id = $1`, pair.EntityID)
}

func (r *moneyBookTx) Entries(ctx context.Context, pair Pair, p shared.Period) ([]Entry, error) {
	query := `
		SELECT id, txn_id, txn_date, side, amount, running_balance
		FROM account_ledger_entries
		WHERE account_id = $1 AND branch_id = $2 AND txn_date >= $3 AND txn_date < $4
		ORDER BY txn_date, id`

	rows, err := r.tx.Query(ctx, query, pair.EntityID, pair.BranchID, p.Start(), p.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var side string
		if err := rows.Scan(&e.ID, &e.TxnID, &e.TxnDate, &side, &e.Amount, &e.Running); err != nil {
			return nil, err
		}
		e.Inward = side == "debit"
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *moneyBookTx) Adjustments(ctx context.Context, pair Pair, p shared.Period) ([]adjustment.Entry, error) {
	// The pair's account matches either as the account the transaction
	// moved away from or as the one it moved onto.
	query := `
		SELECT a.id, a.txn_id, a.txn_type, a.txn_no, a.txn_date, a.branch_id,
		       a.classification, a.old_amount, a.new_amount,
		       a.old_account_id, a.new_account_id, a.status, a.is_reversed, a.created_at
		FROM adjustments a
		WHERE (a.old_account_id = $1 OR a.new_account_id = $1) AND a.branch_id = $2
		  AND a.txn_date >= $3 AND a.txn_date < $4
		  AND a.status = 'active' AND NOT a.is_reversed
		ORDER BY a.id`

	return queryAdjustments(ctx, r.tx, query, pair.EntityID, pair.BranchID, p.Start(), p.End())
}

func (r *moneyBookTx) UpdateEntry(ctx context.Context, entry Entry) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE account_ledger_entries
		SET amount = $2, running_balance = $3, updated_at = NOW()
		WHERE id = $1`,
		entry.ID, entry.Amount, entry.Running)
	return err
}

func (r *moneyBookTx) SaveSummary(ctx context.Context, pair Pair, p shared.Period, s Summary) error {
	return saveSummary(ctx, r.tx, "account_monthly_balances", "account_id", pair, p, s)
}

func (r *moneyBookTx) MarkNextDirty(ctx context.Context, pair Pair, p shared.Period) (bool, error) {
	return markNextDirty(ctx, r.tx, "account_monthly_balances", "account_id", pair, p)
}

func dirtyPeriods(ctx context.Context, tx pgx.Tx, table, entityCol string, pair Pair) ([]shared.Period, error) {
	query := `
		SELECT year, month FROM ` + table + `
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND needs_recalculation
		ORDER BY year, month
		FOR UPDATE`

	rows, err := tx.Query(ctx, query, pair.EntityID, pair.BranchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []shared.Period
	for rows.Next() {
		var p shared.Period
		if err := rows.Scan(&p.Year, &p.Month); err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func prevClosing(ctx context.Context, tx pgx.Tx, table, entityCol string, pair Pair, p shared.Period) (float64, bool, error) {
	prev := p.Prev()
	query := `
		SELECT closing FROM ` + table + `
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND year = $3 AND month = $4`

	var closing float64
	err := tx.QueryRow(ctx, query, pair.EntityID, pair.BranchID, prev.Year, prev.Month).Scan(&closing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return closing, true, nil
}

func masterOpening(ctx context.Context, tx pgx.Tx, query string, entityID int64) (float64, error) {
	var opening float64
	err := tx.QueryRow(ctx, query, entityID).Scan(&opening)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return opening, nil
}

func saveSummary(ctx context.Context, tx pgx.Tx, table, entityCol string, pair Pair, p shared.Period, s Summary) error {
	query := `
		UPDATE ` + table + ` SET
			opening = $5,
			total_in = $6,
			total_out = $7,
			total_in_value = $8,
			total_out_value = $9,
			closing = $10,
			txn_count = $11,
			needs_recalculation = FALSE,
			last_updated = NOW()
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND year = $3 AND month = $4`

	_, err := tx.Exec(ctx, query,
		pair.EntityID, pair.BranchID, p.Year, p.Month,
		s.Opening, s.TotalIn, s.TotalOut, s.TotalInValue, s.TotalOutValue,
		s.Closing, s.TxnCount)
	return err
}

func markNextDirty(ctx context.Context, tx pgx.Tx, table, entityCol string, pair Pair, p shared.Period) (bool, error) {
	next := p.Next()
	query := `
		UPDATE ` + table + ` SET needs_recalculation = TRUE, last_updated = NOW()
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND year = $3 AND month = $4`

	tag, err := tx.Exec(ctx, query, pair.EntityID, pair.BranchID, next.Year, next.Month)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func queryAdjustments(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]adjustment.Entry, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []adjustment.Entry
	for rows.Next() {
		var entry adjustment.Entry
		var oldAcc, newAcc pgtype.Int8
		var class, status string
		err := rows.Scan(&entry.ID, &entry.TxnID, &entry.TxnType, &entry.TxnNo,
			&entry.TxnDate, &entry.BranchID, &class, &entry.OldAmount, &entry.NewAmount,
			&oldAcc, &newAcc, &status, &entry.IsReversed, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entry.Classification = adjustment.Classification(class)
		entry.Status = adjustment.Status(status)
		entry.OldAccountID = oldAcc.Int64
		entry.NewAccountID = newAcc.Int64
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		if err := loadItemDeltas(ctx, tx, &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func loadItemDeltas(ctx context.Context, tx pgx.Tx, entry *adjustment.Entry) error {
	rows, err := tx.Query(ctx, `
		SELECT item_id, qty_delta, rate_delta
		FROM adjustment_items
		WHERE adjustment_id = $1
		ORDER BY id`, entry.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var d adjustment.ItemDelta
		if err := rows.Scan(&d.ItemID, &d.QtyDelta, &d.RateDelta); err != nil {
			return err
		}
		entry.ItemDeltas = append(entry.ItemDeltas, d)
	}
	return rows.Err()
}

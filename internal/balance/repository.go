package balance

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/adjustment"
	"github.com/meridian-erp/meridian-erp/internal/refold"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence for monthly balances.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func tableFor(book shared.Book) (table, entityCol string) {
	if book == shared.BookStock {
		return "item_monthly_balances", "item_id"
	}
	return "account_monthly_balances", "account_id"
}

// Get loads one monthly balance row, nil when missing.
func (r *Repository) Get(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (*MonthlyBalance, error) {
	table, entityCol := tableFor(book)
	query := `
		SELECT id, ` + entityCol + `, branch_id, year, month, opening,
		       total_in, total_out, total_in_value, total_out_value,
		       closing, txn_count, needs_recalculation, last_updated
		FROM ` + table + `
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND year = $3 AND month = $4`

	row, err := scanMonthly(r.pool.QueryRow(ctx, query, entityID, branchID, p.Year, p.Month), book)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// Range loads the monthly rows inside [from, to], chronologically ordered.
func (r *Repository) Range(ctx context.Context, book shared.Book, entityID, branchID int64, from, to shared.Period) ([]MonthlyBalance, error) {
	table, entityCol := tableFor(book)
	query := `
		SELECT id, ` + entityCol + `, branch_id, year, month, opening,
		       total_in, total_out, total_in_value, total_out_value,
		       closing, txn_count, needs_recalculation, last_updated
		FROM ` + table + `
		WHERE ` + entityCol + ` = $1 AND branch_id = $2
		  AND (year * 100 + month) BETWEEN $3 AND $4
		ORDER BY year, month`

	rows, err := r.pool.Query(ctx, query, entityID, branchID,
		from.Year*100+from.Month, to.Year*100+to.Month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MonthlyBalance
	for rows.Next() {
		m, err := scanMonthly(rows, book)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkDirtyFrom flags the given period and all later existing rows.
func (r *Repository) MarkDirtyFrom(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (int64, error) {
	table, entityCol := tableFor(book)
	query := `
		UPDATE ` + table + `
		SET needs_recalculation = TRUE, last_updated = NOW()
		WHERE ` + entityCol + ` = $1 AND branch_id = $2
		  AND (year > $3 OR (year = $3 AND month >= $4))`

	tag, err := r.pool.Exec(ctx, query, entityID, branchID, p.Year, p.Month)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountDirtyInRange counts dirty rows overlapping the range.
func (r *Repository) CountDirtyInRange(ctx context.Context, book shared.Book, entityID, branchID int64, from, to shared.Period) (int, error) {
	table, entityCol := tableFor(book)
	query := `
		SELECT COUNT(*) FROM ` + table + `
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND needs_recalculation
		  AND (year * 100 + month) BETWEEN $3 AND $4`

	var count int
	err := r.pool.QueryRow(ctx, query, entityID, branchID,
		from.Year*100+from.Month, to.Year*100+to.Month).Scan(&count)
	return count, err
}

// CountAdjustmentsInRange counts unconsumed adjustments whose original
// transaction date falls in the range and which touch the entity.
func (r *Repository) CountAdjustmentsInRange(ctx context.Context, book shared.Book, entityID, branchID int64, from, to shared.Period) (int, error) {
	var query string
	if book == shared.BookStock {
		query = `
			SELECT COUNT(DISTINCT a.id)
			FROM adjustments a
			JOIN adjustment_items ai ON ai.adjustment_id = a.id
			WHERE ai.item_id = $1 AND a.branch_id = $2
			  AND a.txn_date >= $3 AND a.txn_date < $4
			  AND a.status = 'active' AND NOT a.is_reversed`
	} else {
		query = `
			SELECT COUNT(*)
			FROM adjustments a
			WHERE (a.old_account_id = $1 OR a.new_account_id = $1) AND a.branch_id = $2
			  AND a.txn_date >= $3 AND a.txn_date < $4
			  AND a.status = 'active' AND NOT a.is_reversed`
	}

	var count int
	err := r.pool.QueryRow(ctx, query, entityID, branchID, from.Start(), to.End()).Scan(&count)
	return count, err
}

// PrevClosing reads the closing balance of the immediately preceding period.
func (r *Repository) PrevClosing(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (float64, bool, error) {
	table, entityCol := tableFor(book)
	prev := p.Prev()
	query := `
		SELECT closing FROM ` + table + `
		WHERE ` + entityCol + ` = $1 AND branch_id = $2 AND year = $3 AND month = $4`

	var closing float64
	err := r.pool.QueryRow(ctx, query, entityID, branchID, prev.Year, prev.Month).Scan(&closing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return closing, true, nil
}

// MasterOpening reads the entity's configured opening value, zero when the
// master record is missing.
func (r *Repository) MasterOpening(ctx context.Context, book shared.Book, entityID int64) (float64, error) {
	query := `SELECT COALESCE(opening_balance, 0) FROM accounts WHERE id = $1`
	if book == shared.BookStock {
		query = `SELECT COALESCE(opening_qty, 0) FROM items WHERE id = $1`
	}

	var opening float64
	err := r.pool.QueryRow(ctx, query, entityID).Scan(&opening)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return opening, nil
}

// Entries loads one period's ledger rows in replay order.
func (r *Repository) Entries(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) ([]refold.Entry, error) {
	if book == shared.BookStock {
		query := `
			SELECT id, txn_id, txn_date, movement, qty, rate, tax_pct, tax_amount, amount, running_qty
			FROM item_ledger_entries
			WHERE item_id = $1 AND branch_id = $2 AND txn_date >= $3 AND txn_date < $4
			ORDER BY txn_date, id`

		rows, err := r.pool.Query(ctx, query, entityID, branchID, p.Start(), p.End())
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entries []refold.Entry
		for rows.Next() {
			var e refold.Entry
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

	query := `
		SELECT id, txn_id, txn_date, side, amount, running_balance
		FROM account_ledger_entries
		WHERE account_id = $1 AND branch_id = $2 AND txn_date >= $3 AND txn_date < $4
		ORDER BY txn_date, id`

	rows, err := r.pool.Query(ctx, query, entityID, branchID, p.Start(), p.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []refold.Entry
	for rows.Next() {
		var e refold.Entry
		var side string
		if err := rows.Scan(&e.ID, &e.TxnID, &e.TxnDate, &side, &e.Amount, &e.Running); err != nil {
			return nil, err
		}
		e.Inward = side == "debit"
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Adjustments loads one period's unconsumed adjustments touching the entity.
func (r *Repository) Adjustments(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) ([]adjustment.Entry, error) {
	var query string
	if book == shared.BookStock {
		query = `
			SELECT DISTINCT a.id, a.txn_id, a.txn_type, a.txn_no, a.txn_date, a.branch_id,
			       a.classification, a.old_amount, a.new_amount,
			       a.old_account_id, a.new_account_id, a.status, a.is_reversed, a.created_at
			FROM adjustments a
			JOIN adjustment_items ai ON ai.adjustment_id = a.id
			WHERE ai.item_id = $1 AND a.branch_id = $2
			  AND a.txn_date >= $3 AND a.txn_date < $4
			  AND a.status = 'active' AND NOT a.is_reversed
			ORDER BY a.id`
	} else {
		query = `
			SELECT a.id, a.txn_id, a.txn_type, a.txn_no, a.txn_date, a.branch_id,
			       a.classification, a.old_amount, a.new_amount,
			       a.old_account_id, a.new_account_id, a.status, a.is_reversed, a.created_at
			FROM adjustments a
			WHERE (a.old_account_id = $1 OR a.new_account_id = $1) AND a.branch_id = $2
			  AND a.txn_date >= $3 AND a.txn_date < $4
			  AND a.status = 'active' AND NOT a.is_reversed
			ORDER BY a.id`
	}

	rows, err := r.pool.Query(ctx, query, entityID, branchID, p.Start(), p.End())
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

	if book == shared.BookStock {
		for i := range entries {
			if err := r.loadItemDeltas(ctx, &entries[i]); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

func (r *Repository) loadItemDeltas(ctx context.Context, entry *adjustment.Entry) error {
	rows, err := r.pool.Query(ctx, `
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

func scanMonthly(row pgx.Row, book shared.Book) (*MonthlyBalance, error) {
	var m MonthlyBalance
	m.Book = book
	err := row.Scan(
		&m.ID, &m.EntityID, &m.BranchID, &m.Year, &m.Month, &m.Opening,
		&m.TotalIn, &m.TotalOut, &m.TotalInValue, &m.TotalOutValue,
		&m.Closing, &m.TxnCount, &m.NeedsRecalculation, &m.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

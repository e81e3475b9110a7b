package adjustment

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for the adjustment log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one adjustment entry with its item deltas.
func (r *Repository) Insert(ctx context.Context, entry Entry) (*Entry, error) {
	query := `
		INSERT INTO adjustments (
			txn_id, txn_type, txn_no, txn_date, branch_id, classification,
			old_amount, new_amount, old_account_id, new_account_id,
			status, is_reversed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'active', FALSE, NOW())
		RETURNING id, created_at`

	var oldAcc, newAcc pgtype.Int8
	if entry.OldAccountID > 0 {
		oldAcc = pgtype.Int8{Int64: entry.OldAccountID, Valid: true}
	}
	if entry.NewAccountID > 0 {
		newAcc = pgtype.Int8{Int64: entry.NewAccountID, Valid: true}
	}

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, query,
			entry.TxnID,
			entry.TxnType,
			entry.TxnNo,
			entry.TxnDate,
			entry.BranchID,
			string(entry.Classification),
			entry.OldAmount,
			entry.NewAmount,
			oldAcc,
			newAcc,
		).Scan(&entry.ID, &entry.CreatedAt)
		if err != nil {
			return err
		}

		for _, d := range entry.ItemDeltas {
			_, err = tx.Exec(ctx, `
				INSERT INTO adjustment_items (adjustment_id, item_id, qty_delta, rate_delta)
				VALUES ($1, $2, $3, $4)`,
				entry.ID, d.ItemID, d.QtyDelta, d.RateDelta,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	entry.Status = StatusActive
	return &entry, nil
}

// Get loads one adjustment entry including its item deltas.
func (r *Repository) Get(ctx context.Context, id int64) (*Entry, error) {
	query := `
		SELECT id, txn_id, txn_type, txn_no, txn_date, branch_id, classification,
		       old_amount, new_amount, old_account_id, new_account_id,
		       status, is_reversed, created_at
		FROM adjustments
		WHERE id = $1`

	entry, err := scanEntry(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.loadItemDeltas(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Cancel flips an entry to cancelled so the refold engine skips it.
func (r *Repository) Cancel(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE adjustments SET status = 'cancelled'
		WHERE id = $1 AND status = 'active' AND NOT is_reversed`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveByTxn returns active, unconsumed adjustments for one transaction.
func (r *Repository) ListActiveByTxn(ctx context.Context, txnID int64) ([]Entry, error) {
	query := `
		SELECT id, txn_id, txn_type, txn_no, txn_date, branch_id, classification,
		       old_amount, new_amount, old_account_id, new_account_id,
		       status, is_reversed, created_at
		FROM adjustments
		WHERE txn_id = $1 AND status = 'active' AND NOT is_reversed
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range entries {
		if err := r.loadItemDeltas(ctx, &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// MarkReversed retires consumed adjustments after a refold run. Reversed
// entries are never picked up again.
func (r *Repository) MarkReversed(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE adjustments
		SET status = 'reversed', is_reversed = TRUE
		WHERE id = ANY($1) AND status = 'active' AND NOT is_reversed`, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) loadItemDeltas(ctx context.Context, entry *Entry) error {
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
		var d ItemDelta
		if err := rows.Scan(&d.ItemID, &d.QtyDelta, &d.RateDelta); err != nil {
			return err
		}
		entry.ItemDeltas = append(entry.ItemDeltas, d)
	}
	return rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var entry Entry
	var oldAcc, newAcc pgtype.Int8
	var class, status string
	err := row.Scan(
		&entry.ID,
		&entry.TxnID,
		&entry.TxnType,
		&entry.TxnNo,
		&entry.TxnDate,
		&entry.BranchID,
		&class,
		&entry.OldAmount,
		&entry.NewAmount,
		&oldAcc,
		&newAcc,
		&status,
		&entry.IsReversed,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.Classification = Classification(class)
	entry.Status = Status(status)
	entry.OldAccountID = oldAcc.Int64
	entry.NewAccountID = newAcc.Int64
	return &entry, nil
}

package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for outstandings and
// their settlement links.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const outstandingColumns = `
	id, account_id, branch_id, type, voucher_id, voucher_no, voucher_date,
	due_date, total_amount, paid_amount, closing_balance, status,
	created_at, updated_at`

// WithTx runs fn inside one repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&txRepo{tx: tx})
	})
}

// InsertOutstanding opens a new outstanding row.
func (r *Repository) InsertOutstanding(ctx context.Context, o Outstanding) (*Outstanding, error) {
	query := `
		INSERT INTO outstandings (
			account_id, branch_id, type, voucher_id, voucher_no, voucher_date,
			due_date, total_amount, paid_amount, closing_balance, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		o.AccountID, o.BranchID, string(o.Type), o.VoucherID, o.VoucherNo,
		o.VoucherDate, o.DueDate, o.TotalAmount, o.ClosingBalance, string(o.Status),
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Get loads one outstanding row, nil when missing.
func (r *Repository) Get(ctx context.Context, id int64) (*Outstanding, error) {
	o, err := scanOutstanding(r.pool.QueryRow(ctx,
		`SELECT `+outstandingColumns+` FROM outstandings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// ListByAccount returns an account's outstanding rows in FIFO order.
func (r *Repository) ListByAccount(ctx context.Context, accountID, branchID int64, openOnly bool) ([]Outstanding, error) {
	query := `
		SELECT ` + outstandingColumns + `
		FROM outstandings
		WHERE account_id = $1 AND branch_id = $2
		ORDER BY due_date, voucher_date, id`
	if openOnly {
		query = `
			SELECT ` + outstandingColumns + `
			FROM outstandings
			WHERE account_id = $1 AND branch_id = $2
			  AND status IN ('pending', 'partial', 'overdue')
			ORDER BY due_date, voucher_date, id`
	}

	rows, err := r.pool.Query(ctx, query, accountID, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutstandings(rows)
}

// SetStatus moves one outstanding between lifecycle states, guarded on the
// allowed source states.
func (r *Repository) SetStatus(ctx context.Context, id int64, from []Status, to Status) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE outstandings
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`, id, string(to), states)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOverdue flips open rows whose due date has passed.
func (r *Repository) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outstandings
		SET status = 'overdue', updated_at = NOW()
		WHERE status IN ('pending', 'partial') AND due_date < $1`, asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) ListOpen(ctx context.Context, accountID, branchID int64, typ OutstandingType) ([]Outstanding, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+outstandingColumns+`
		FROM outstandings
		WHERE account_id = $1 AND branch_id = $2 AND type = $3
		  AND status IN ('pending', 'partial', 'overdue')
		ORDER BY due_date, voucher_date, id
		FOR UPDATE`, accountID, branchID, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutstandings(rows)
}

func (t *txRepo) GetOutstanding(ctx context.Context, id int64) (*Outstanding, error) {
	o, err := scanOutstanding(t.tx.QueryRow(ctx,
		`SELECT `+outstandingColumns+` FROM outstandings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func (t *txRepo) UpdateOutstanding(ctx context.Context, o Outstanding) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE outstandings
		SET paid_amount = $2, closing_balance = $3, status = $4, updated_at = NOW()
		WHERE id = $1`,
		o.ID, o.PaidAmount, o.ClosingBalance, string(o.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) InsertSettlement(ctx context.Context, s Settlement) (int64, error) {
	var voucherID, offsetID pgtype.Int8
	if s.VoucherID > 0 {
		voucherID = pgtype.Int8{Int64: s.VoucherID, Valid: true}
	}
	if s.OffsetID > 0 {
		offsetID = pgtype.Int8{Int64: s.OffsetID, Valid: true}
	}

	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO outstanding_settlements (
			outstanding_id, voucher_id, offset_id, voucher_no, previous_balance,
			settled_amount, remaining_balance, previous_status, status, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		s.OutstandingID, voucherID, offsetID, s.VoucherNo, s.PreviousBalance,
		s.SettledAmount, s.RemainingBalance, string(s.PreviousStatus),
		string(s.Status), s.SettledAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateSettlement
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) ActiveSettlementsByVoucher(ctx context.Context, voucherID int64) ([]Settlement, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+settlementColumns+`
		FROM outstanding_settlements
		WHERE voucher_id = $1 AND status = 'active'
		ORDER BY id
		FOR UPDATE`, voucherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return CollectSettlements(rows)
}

func (t *txRepo) MarkSettlementReversed(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE outstanding_settlements
		SET status = 'reversed'
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const settlementColumns = `
	id, outstanding_id, voucher_id, offset_id, voucher_no, previous_balance,
	settled_amount, remaining_balance, previous_status, status, settled_at`

// SettlementColumns is the select list matching ScanSettlement. The offset
// repository reads the same table.
func SettlementColumns() string { return settlementColumns }

// ScanSettlement decodes one outstanding_settlements row.
func ScanSettlement(row pgx.Row) (*Settlement, error) {
	var s Settlement
	var voucherID, offsetID pgtype.Int8
	var prevStatus, status string
	err := row.Scan(&s.ID, &s.OutstandingID, &voucherID, &offsetID, &s.VoucherNo,
		&s.PreviousBalance, &s.SettledAmount, &s.RemainingBalance,
		&prevStatus, &status, &s.SettledAt)
	if err != nil {
		return nil, err
	}
	s.VoucherID = voucherID.Int64
	s.OffsetID = offsetID.Int64
	s.PreviousStatus = Status(prevStatus)
	s.Status = SettlementStatus(status)
	return &s, nil
}

// CollectSettlements drains rows through ScanSettlement.
func CollectSettlements(rows pgx.Rows) ([]Settlement, error) {
	var out []Settlement
	for rows.Next() {
		s, err := ScanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func collectOutstandings(rows pgx.Rows) ([]Outstanding, error) {
	var out []Outstanding
	for rows.Next() {
		o, err := scanOutstanding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOutstanding(row pgx.Row) (*Outstanding, error) {
	var o Outstanding
	var typ, status string
	err := row.Scan(
		&o.ID, &o.AccountID, &o.BranchID, &typ, &o.VoucherID, &o.VoucherNo,
		&o.VoucherDate, &o.DueDate, &o.TotalAmount, &o.PaidAmount,
		&o.ClosingBalance, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Type = OutstandingType(typ)
	o.Status = Status(status)
	return &o, nil
}

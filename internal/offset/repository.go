package offset

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/settlement"
)

// Repository provides PostgreSQL backed persistence for offset vouchers.
// Outstanding and settlement rows live in the settlement tables; the offset
// transaction touches them directly so one commit covers the whole pass.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const voucherColumns = `
	id, voucher_no, account_id, branch_id, amount, status,
	reverse_reason, created_at, reversed_at`

// WithTx runs fn inside one repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&txRepo{tx: tx})
	})
}

// Get loads one offset voucher, nil when missing.
func (r *Repository) Get(ctx context.Context, id int64) (*Voucher, error) {
	v, err := scanVoucher(r.pool.QueryRow(ctx,
		`SELECT `+voucherColumns+` FROM outstanding_offsets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// ListByAccount returns an account's offset vouchers, newest first.
func (r *Repository) ListByAccount(ctx context.Context, accountID, branchID int64) ([]Voucher, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+voucherColumns+`
		FROM outstanding_offsets
		WHERE account_id = $1 AND branch_id = $2
		ORDER BY id DESC`, accountID, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) ActiveVoucher(ctx context.Context, accountID, branchID int64) (*Voucher, error) {
	v, err := scanVoucher(t.tx.QueryRow(ctx, `
		SELECT `+voucherColumns+`
		FROM outstanding_offsets
		WHERE account_id = $1 AND branch_id = $2 AND status = 'active'
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`, accountID, branchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (t *txRepo) GetVoucher(ctx context.Context, id int64) (*Voucher, error) {
	v, err := scanVoucher(t.tx.QueryRow(ctx,
		`SELECT `+voucherColumns+` FROM outstanding_offsets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (t *txRepo) InsertVoucher(ctx context.Context, v Voucher) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO outstanding_offsets (
			voucher_no, account_id, branch_id, amount, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		v.VoucherNo, v.AccountID, v.BranchID, v.Amount, string(v.Status), v.CreatedAt,
	).Scan(&id)
	return id, err
}

func (t *txRepo) MarkVoucherReversed(ctx context.Context, id int64, reason string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE outstanding_offsets
		SET status = 'reversed', reverse_reason = $2, reversed_at = $3
		WHERE id = $1 AND status = 'active'`, id, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReversed
	}
	return nil
}

func (t *txRepo) ListOpenByTxnDate(ctx context.Context, accountID, branchID int64, typ settlement.OutstandingType) ([]settlement.Outstanding, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, account_id, branch_id, type, voucher_id, voucher_no, voucher_date,
		       due_date, total_amount, paid_amount, closing_balance, status,
		       created_at, updated_at
		FROM outstandings
		WHERE account_id = $1 AND branch_id = $2 AND type = $3
		  AND status IN ('pending', 'partial', 'overdue')
		ORDER BY voucher_date, id
		FOR UPDATE`, accountID, branchID, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Outstanding
	for rows.Next() {
		var o settlement.Outstanding
		var otyp, status string
		err := rows.Scan(&o.ID, &o.AccountID, &o.BranchID, &otyp, &o.VoucherID,
			&o.VoucherNo, &o.VoucherDate, &o.DueDate, &o.TotalAmount,
			&o.PaidAmount, &o.ClosingBalance, &status, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, err
		}
		o.Type = settlement.OutstandingType(otyp)
		o.Status = settlement.Status(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *txRepo) GetOutstanding(ctx context.Context, id int64) (*settlement.Outstanding, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, account_id, branch_id, type, voucher_id, voucher_no, voucher_date,
		       due_date, total_amount, paid_amount, closing_balance, status,
		       created_at, updated_at
		FROM outstandings
		WHERE id = $1
		FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var o settlement.Outstanding
	var otyp, status string
	err = rows.Scan(&o.ID, &o.AccountID, &o.BranchID, &otyp, &o.VoucherID,
		&o.VoucherNo, &o.VoucherDate, &o.DueDate, &o.TotalAmount,
		&o.PaidAmount, &o.ClosingBalance, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Type = settlement.OutstandingType(otyp)
	o.Status = settlement.Status(status)
	return &o, nil
}

func (t *txRepo) UpdateOutstanding(ctx context.Context, o settlement.Outstanding) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE outstandings
		SET paid_amount = $2, closing_balance = $3, status = $4, updated_at = NOW()
		WHERE id = $1`,
		o.ID, o.PaidAmount, o.ClosingBalance, string(o.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return settlement.ErrNotFound
	}
	return nil
}

func (t *txRepo) InsertSettlement(ctx context.Context, s settlement.Settlement) (int64, error) {
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
	return id, err
}

func (t *txRepo) ActiveSettlementsByOffset(ctx context.Context, offsetID int64) ([]settlement.Settlement, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+settlement.SettlementColumns()+`
		FROM outstanding_settlements
		WHERE offset_id = $1 AND status = 'active'
		ORDER BY id
		FOR UPDATE`, offsetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return settlement.CollectSettlements(rows)
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
		return settlement.ErrNotFound
	}
	return nil
}

func scanVoucher(row pgx.Row) (*Voucher, error) {
	var v Voucher
	var status string
	var reason pgtype.Text
	var reversedAt pgtype.Timestamptz
	err := row.Scan(&v.ID, &v.VoucherNo, &v.AccountID, &v.BranchID, &v.Amount,
		&status, &reason, &v.CreatedAt, &reversedAt)
	if err != nil {
		return nil, err
	}
	v.Status = VoucherStatus(status)
	v.ReverseReason = reason.String
	if reversedAt.Valid {
		t := reversedAt.Time
		v.ReversedAt = &t
	}
	return &v, nil
}

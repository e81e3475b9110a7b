package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

var (
	// ErrDuplicateSettlement signals that the settling voucher already holds
	// an active settlement against the same outstanding row.
	ErrDuplicateSettlement = fmt.Errorf("settlement: voucher already settles this outstanding: %w", shared.ErrConflict)
	// ErrNotFound indicates a missing outstanding or settlement row.
	ErrNotFound = fmt.Errorf("settlement: %w", shared.ErrNotFound)
)

// TxRepository is the data access surface available inside one settlement
// transaction. ListOpen must lock the returned rows for the duration of the
// transaction.
type TxRepository interface {
	ListOpen(ctx context.Context, accountID, branchID int64, typ OutstandingType) ([]Outstanding, error)
	GetOutstanding(ctx context.Context, id int64) (*Outstanding, error)
	UpdateOutstanding(ctx context.Context, o Outstanding) error
	InsertSettlement(ctx context.Context, s Settlement) (int64, error)
	ActiveSettlementsByVoucher(ctx context.Context, voucherID int64) ([]Settlement, error)
	MarkSettlementReversed(ctx context.Context, id int64) error
}

// RepositoryPort defines persistence for the settlement engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(TxRepository) error) error
	InsertOutstanding(ctx context.Context, o Outstanding) (*Outstanding, error)
	Get(ctx context.Context, id int64) (*Outstanding, error)
	ListByAccount(ctx context.Context, accountID, branchID int64, openOnly bool) ([]Outstanding, error)
	SetStatus(ctx context.Context, id int64, from []Status, to Status) error
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// Service owns outstanding lifecycle and FIFO settlement.
type Service struct {
	repo RepositoryPort
	eps  float64
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, eps float64) *Service {
	if eps <= 0 {
		eps = shared.DefaultBalanceEpsilon
	}
	return &Service{repo: repo, eps: eps}
}

// OutstandingInput describes a new open invoice or bill balance.
type OutstandingInput struct {
	AccountID   int64
	BranchID    int64
	Type        OutstandingType
	VoucherID   int64
	VoucherNo   string
	VoucherDate time.Time
	DueDate     time.Time
	Amount      float64
}

// RecordOutstanding opens a new outstanding row. DR amounts are stored as
// given, CR amounts are stored negated so both sides settle toward zero.
func (s *Service) RecordOutstanding(ctx context.Context, input OutstandingInput) (*Outstanding, error) {
	if !input.Type.Valid() {
		return nil, fmt.Errorf("settlement: %w: unknown type %q", shared.ErrInvalidInput, input.Type)
	}
	if input.AccountID == 0 || input.BranchID == 0 {
		return nil, fmt.Errorf("settlement: %w: account and branch required", shared.ErrInvalidInput)
	}
	if input.VoucherID == 0 || input.VoucherDate.IsZero() {
		return nil, fmt.Errorf("settlement: %w: voucher reference required", shared.ErrInvalidInput)
	}
	if input.Amount <= 0 {
		return nil, fmt.Errorf("settlement: %w: amount must be positive", shared.ErrInvalidInput)
	}

	closing := input.Amount
	if input.Type == TypeCR {
		closing = -input.Amount
	}
	due := input.DueDate
	if due.IsZero() {
		due = input.VoucherDate
	}
	return s.repo.InsertOutstanding(ctx, Outstanding{
		AccountID:      input.AccountID,
		BranchID:       input.BranchID,
		Type:           input.Type,
		VoucherID:      input.VoucherID,
		VoucherNo:      input.VoucherNo,
		VoucherDate:    input.VoucherDate,
		DueDate:        due,
		TotalAmount:    input.Amount,
		ClosingBalance: closing,
		Status:         StatusPending,
	})
}

// SettleInput describes one settling voucher to apply FIFO.
type SettleInput struct {
	AccountID int64
	BranchID  int64
	Direction Direction
	Amount    float64
	VoucherID int64
	VoucherNo string
	SettledAt time.Time
}

// Result reports what one FIFO pass did. Unapplied carries the part of the
// amount that found no open outstanding; that is normal, not an error.
type Result struct {
	Settlements []Settlement
	Applied     float64
	Unapplied   float64
}

// SettleFIFO matches the voucher amount against the account's open
// outstanding rows oldest-due-first, inside one transaction.
func (s *Service) SettleFIFO(ctx context.Context, input SettleInput) (*Result, error) {
	if !input.Direction.Valid() {
		return nil, fmt.Errorf("settlement: %w: unknown direction %q", shared.ErrInvalidInput, input.Direction)
	}
	if input.AccountID == 0 || input.BranchID == 0 {
		return nil, fmt.Errorf("settlement: %w: account and branch required", shared.ErrInvalidInput)
	}
	if input.VoucherID == 0 {
		return nil, fmt.Errorf("settlement: %w: voucher reference required", shared.ErrInvalidInput)
	}
	if input.Amount <= 0 {
		return nil, fmt.Errorf("settlement: %w: amount must be positive", shared.ErrInvalidInput)
	}
	settledAt := input.SettledAt
	if settledAt.IsZero() {
		settledAt = time.Now()
	}

	result := &Result{Unapplied: input.Amount}
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		open, err := tx.ListOpen(ctx, input.AccountID, input.BranchID, input.Direction.Target())
		if err != nil {
			return err
		}
		allocations, remaining := AllocateFIFO(open, input.Amount, s.eps)

		byID := make(map[int64]*Outstanding, len(open))
		for i := range open {
			byID[open[i].ID] = &open[i]
		}
		for _, alloc := range allocations {
			o := byID[alloc.OutstandingID]
			link := Settlement{
				OutstandingID:   o.ID,
				VoucherID:       input.VoucherID,
				VoucherNo:       input.VoucherNo,
				PreviousBalance: o.ClosingBalance,
				SettledAmount:   alloc.Amount,
				PreviousStatus:  o.Status,
				Status:          SettlementActive,
				SettledAt:       settledAt,
			}
			o.ApplySettlement(alloc.Amount, s.eps)
			link.RemainingBalance = o.ClosingBalance

			if err := tx.UpdateOutstanding(ctx, *o); err != nil {
				return err
			}
			id, err := tx.InsertSettlement(ctx, link)
			if err != nil {
				return err
			}
			link.ID = id
			result.Settlements = append(result.Settlements, link)
			result.Applied += alloc.Amount
		}
		result.Unapplied = remaining
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReverseSettlements undoes every active settlement of one voucher, restoring
// each outstanding's balance and status, and returns the reversed count.
// A voucher with no active settlements reverses to zero, not an error.
func (s *Service) ReverseSettlements(ctx context.Context, voucherID int64) (int, error) {
	if voucherID == 0 {
		return 0, fmt.Errorf("settlement: %w: voucher reference required", shared.ErrInvalidInput)
	}

	var reversed int
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		links, err := tx.ActiveSettlementsByVoucher(ctx, voucherID)
		if err != nil {
			return err
		}
		for _, link := range links {
			o, err := tx.GetOutstanding(ctx, link.OutstandingID)
			if err != nil {
				return err
			}
			if o == nil {
				return fmt.Errorf("outstanding %d: %w", link.OutstandingID, ErrNotFound)
			}
			o.PaidAmount -= link.SettledAmount
			o.ClosingBalance = link.PreviousBalance
			o.Status = link.PreviousStatus
			if err := tx.UpdateOutstanding(ctx, *o); err != nil {
				return err
			}
			if err := tx.MarkSettlementReversed(ctx, link.ID); err != nil {
				return err
			}
			reversed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reversed, nil
}

// Get loads one outstanding row.
func (s *Service) Get(ctx context.Context, id int64) (*Outstanding, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListByAccount returns an account's outstanding rows, optionally only the
// still-open ones.
func (s *Service) ListByAccount(ctx context.Context, accountID, branchID int64, openOnly bool) ([]Outstanding, error) {
	if accountID == 0 || branchID == 0 {
		return nil, fmt.Errorf("settlement: %w: account and branch required", shared.ErrInvalidInput)
	}
	return s.repo.ListByAccount(ctx, accountID, branchID, openOnly)
}

// Dispute freezes an open outstanding so FIFO settlement skips it.
func (s *Service) Dispute(ctx context.Context, id int64) error {
	return s.repo.SetStatus(ctx, id, []Status{StatusPending, StatusPartial, StatusOverdue}, StatusDisputed)
}

// Resolve returns a disputed outstanding to the open pool.
func (s *Service) Resolve(ctx context.Context, id int64) error {
	return s.repo.SetStatus(ctx, id, []Status{StatusDisputed}, StatusPending)
}

// WriteOff retires an outstanding that will never be collected.
func (s *Service) WriteOff(ctx context.Context, id int64) error {
	return s.repo.SetStatus(ctx, id, []Status{StatusPending, StatusPartial, StatusOverdue, StatusDisputed}, StatusWrittenOff)
}

// MarkOverdue flips open rows past their due date to overdue, returning the
// affected count. Called by the nightly batch.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return s.repo.MarkOverdue(ctx, asOf)
}

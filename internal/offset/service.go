package offset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/settlement"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

var (
	// ErrNotFound indicates a missing offset voucher.
	ErrNotFound = fmt.Errorf("offset: %w", shared.ErrNotFound)
	// ErrAlreadyReversed indicates a reversal of an already reversed voucher.
	ErrAlreadyReversed = fmt.Errorf("offset: voucher already reversed: %w", shared.ErrConflict)
)

// TxRepository is the data access surface inside one offset transaction.
// ListOpenByTxnDate must return rows oldest-transaction-first and lock them.
type TxRepository interface {
	ActiveVoucher(ctx context.Context, accountID, branchID int64) (*Voucher, error)
	GetVoucher(ctx context.Context, id int64) (*Voucher, error)
	InsertVoucher(ctx context.Context, v Voucher) (int64, error)
	MarkVoucherReversed(ctx context.Context, id int64, reason string, at time.Time) error
	ListOpenByTxnDate(ctx context.Context, accountID, branchID int64, typ settlement.OutstandingType) ([]settlement.Outstanding, error)
	GetOutstanding(ctx context.Context, id int64) (*settlement.Outstanding, error)
	UpdateOutstanding(ctx context.Context, o settlement.Outstanding) error
	InsertSettlement(ctx context.Context, s settlement.Settlement) (int64, error)
	ActiveSettlementsByOffset(ctx context.Context, offsetID int64) ([]settlement.Settlement, error)
	MarkSettlementReversed(ctx context.Context, id int64) error
}

// RepositoryPort defines persistence for the offset engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(TxRepository) error) error
	Get(ctx context.Context, id int64) (*Voucher, error)
	ListByAccount(ctx context.Context, accountID, branchID int64) ([]Voucher, error)
}

// Service nets one account's open receivables against its open payables.
type Service struct {
	repo RepositoryPort
	eps  float64
	now  func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, eps float64) *Service {
	if eps <= 0 {
		eps = shared.DefaultBalanceEpsilon
	}
	return &Service{repo: repo, eps: eps, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Apply recomputes the offset for one account. Any stale active offset is
// reversed first so the pass always starts from unnetted balances. When
// either side has nothing open, or the nettable amount is zero, the pass is
// a no-op and no voucher is created.
func (s *Service) Apply(ctx context.Context, accountID, branchID int64) (*Result, error) {
	if accountID == 0 || branchID == 0 {
		return nil, fmt.Errorf("offset: %w: account and branch required", shared.ErrInvalidInput)
	}

	result := &Result{}
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		stale, err := tx.ActiveVoucher(ctx, accountID, branchID)
		if err != nil {
			return err
		}
		if stale != nil {
			if err := s.reverseVoucher(ctx, tx, stale, "superseded by recompute"); err != nil {
				return err
			}
			result.ReversedPrevious = true
		}

		openDR, err := tx.ListOpenByTxnDate(ctx, accountID, branchID, settlement.TypeDR)
		if err != nil {
			return err
		}
		openCR, err := tx.ListOpenByTxnDate(ctx, accountID, branchID, settlement.TypeCR)
		if err != nil {
			return err
		}

		var totalDR, totalCR float64
		for _, o := range openDR {
			totalDR += o.Available()
		}
		for _, o := range openCR {
			totalCR += o.Available()
		}
		amount := totalDR
		if totalCR < amount {
			amount = totalCR
		}
		amount = shared.SnapZero(amount, s.eps)
		if len(openDR) == 0 || len(openCR) == 0 || amount <= 0 {
			return nil
		}

		now := s.now()
		voucher := Voucher{
			VoucherNo: newVoucherNo(),
			AccountID: accountID,
			BranchID:  branchID,
			Amount:    amount,
			Status:    VoucherActive,
			CreatedAt: now,
		}
		voucher.ID, err = tx.InsertVoucher(ctx, voucher)
		if err != nil {
			return err
		}

		for _, side := range [][]settlement.Outstanding{openDR, openCR} {
			links, err := s.settleSide(ctx, tx, voucher, side, amount, now)
			if err != nil {
				return err
			}
			result.Settlements = append(result.Settlements, links...)
		}

		result.Voucher = &voucher
		result.Amount = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settleSide runs one FIFO pass of the offset amount over one side's open
// rows, producing settlement links owned by the voucher.
func (s *Service) settleSide(ctx context.Context, tx TxRepository, voucher Voucher, open []settlement.Outstanding, amount float64, at time.Time) ([]settlement.Settlement, error) {
	allocations, _ := settlement.AllocateFIFO(open, amount, s.eps)

	byID := make(map[int64]*settlement.Outstanding, len(open))
	for i := range open {
		byID[open[i].ID] = &open[i]
	}

	var links []settlement.Settlement
	for _, alloc := range allocations {
		o := byID[alloc.OutstandingID]
		link := settlement.Settlement{
			OutstandingID:   o.ID,
			OffsetID:        voucher.ID,
			VoucherNo:       voucher.VoucherNo,
			PreviousBalance: o.ClosingBalance,
			SettledAmount:   alloc.Amount,
			PreviousStatus:  o.Status,
			Status:          settlement.SettlementActive,
			SettledAt:       at,
		}
		o.ApplySettlement(alloc.Amount, s.eps)
		link.RemainingBalance = o.ClosingBalance

		if err := tx.UpdateOutstanding(ctx, *o); err != nil {
			return nil, err
		}
		id, err := tx.InsertSettlement(ctx, link)
		if err != nil {
			return nil, err
		}
		link.ID = id
		links = append(links, link)
	}
	return links, nil
}

// Reverse unwinds one offset voucher and restores every touched outstanding.
func (s *Service) Reverse(ctx context.Context, offsetID int64, reason string) error {
	if offsetID == 0 {
		return fmt.Errorf("offset: %w: voucher reference required", shared.ErrInvalidInput)
	}
	return s.repo.WithTx(ctx, func(tx TxRepository) error {
		voucher, err := tx.GetVoucher(ctx, offsetID)
		if err != nil {
			return err
		}
		if voucher == nil {
			return ErrNotFound
		}
		if voucher.Status != VoucherActive {
			return ErrAlreadyReversed
		}
		return s.reverseVoucher(ctx, tx, voucher, reason)
	})
}

func (s *Service) reverseVoucher(ctx context.Context, tx TxRepository, voucher *Voucher, reason string) error {
	links, err := tx.ActiveSettlementsByOffset(ctx, voucher.ID)
	if err != nil {
		return err
	}
	for _, link := range links {
		o, err := tx.GetOutstanding(ctx, link.OutstandingID)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("outstanding %d: %w", link.OutstandingID, settlement.ErrNotFound)
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
	}
	return tx.MarkVoucherReversed(ctx, voucher.ID, reason, s.now())
}

// Get loads one offset voucher.
func (s *Service) Get(ctx context.Context, id int64) (*Voucher, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// ListByAccount returns an account's offset vouchers, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID, branchID int64) ([]Voucher, error) {
	if accountID == 0 || branchID == 0 {
		return nil, fmt.Errorf("offset: %w: account and branch required", shared.ErrInvalidInput)
	}
	return s.repo.ListByAccount(ctx, accountID, branchID)
}

func newVoucherNo() string {
	return "OFS-" + strings.ToUpper(uuid.NewString()[:8])
}

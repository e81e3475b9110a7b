package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// TxRepository exposes the transactional operations the posting path needs.
// All methods run inside one repeatable-read scope opened by WithTx.
type TxRepository interface {
	StockMonthly(ctx context.Context, itemID, branchID int64, p shared.Period) (*Monthly, error)
	PrevStockClosing(ctx context.Context, itemID, branchID int64, p shared.Period) (float64, bool, error)
	ItemOpeningQty(ctx context.Context, itemID int64) (float64, error)
	InsertStockEntry(ctx context.Context, entry *StockEntry) error
	UpsertStockMonthly(ctx context.Context, m Monthly) error

	MoneyMonthly(ctx context.Context, accountID, branchID int64, p shared.Period) (*Monthly, error)
	PrevMoneyClosing(ctx context.Context, accountID, branchID int64, p shared.Period) (float64, bool, error)
	AccountOpeningBalance(ctx context.Context, accountID int64) (float64, error)
	InsertMoneyEntry(ctx context.Context, entry *MoneyEntry) error
	UpsertMoneyMonthly(ctx context.Context, m Monthly) error
}

// RepositoryPort defines data access for ledger posting.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Service posts ledger entries and keeps the monthly aggregates in sync. It
// is the producer interface invoked synchronously when a transaction is first
// created; retroactive edits go through the adjustment log instead.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// PostStockEntry writes one stock movement and updates the item's monthly
// balance for the period in the same transactional scope.
func (s *Service) PostStockEntry(ctx context.Context, input StockPostInput) (*StockEntry, error) {
	if input.ItemID == 0 {
		return nil, fmt.Errorf("ledger: %w: item ID required", shared.ErrInvalidInput)
	}
	if input.BranchID == 0 {
		return nil, fmt.Errorf("ledger: %w: branch ID required", shared.ErrInvalidInput)
	}
	if input.TxnID == 0 {
		return nil, fmt.Errorf("ledger: %w: transaction ID required", shared.ErrInvalidInput)
	}
	if input.TxnDate.IsZero() {
		return nil, fmt.Errorf("ledger: %w: transaction date required", shared.ErrInvalidInput)
	}
	if input.Movement != MovementIn && input.Movement != MovementOut {
		return nil, fmt.Errorf("ledger: %w: movement must be in or out", shared.ErrInvalidInput)
	}
	if input.Qty <= 0 {
		return nil, fmt.Errorf("ledger: %w: quantity must be positive", shared.ErrInvalidInput)
	}

	_, tax, amount := ComputeStockAmounts(input.Qty, input.Rate, input.TaxPct)
	entry := &StockEntry{
		ItemID:    input.ItemID,
		BranchID:  input.BranchID,
		TxnID:     input.TxnID,
		TxnType:   input.TxnType,
		TxnNo:     input.TxnNo,
		TxnDate:   input.TxnDate,
		Movement:  input.Movement,
		Qty:       input.Qty,
		Rate:      input.Rate,
		TaxPct:    input.TaxPct,
		TaxAmount: tax,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period := entry.Period()
		monthly, err := tx.StockMonthly(ctx, entry.ItemID, entry.BranchID, period)
		if err != nil {
			return err
		}
		if monthly == nil {
			opening, err := s.stockOpening(ctx, tx, entry.ItemID, entry.BranchID, period)
			if err != nil {
				return err
			}
			// Lazily-created period rows start dirty so the nightly
			// refold normalises them against their predecessors.
			monthly = &Monthly{
				EntityID: entry.ItemID,
				BranchID: entry.BranchID,
				Period:   period,
				Opening:  opening,
				Closing:  opening,
				Dirty:    true,
			}
		}

		signed := entry.SignedQty()
		entry.RunningQty = monthly.Closing + signed
		if err := tx.InsertStockEntry(ctx, entry); err != nil {
			return err
		}

		if entry.Movement == MovementIn {
			monthly.TotalIn += entry.Qty
			monthly.TotalInValue += entry.Amount
		} else {
			monthly.TotalOut += entry.Qty
			monthly.TotalOutValue += entry.Amount
		}
		monthly.Closing += signed
		monthly.TxnCount++
		return tx.UpsertStockMonthly(ctx, *monthly)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PostMoneyEntry writes one money movement and updates the account's monthly
// balance for the period in the same transactional scope.
func (s *Service) PostMoneyEntry(ctx context.Context, input MoneyPostInput) (*MoneyEntry, error) {
	if input.AccountID == 0 {
		return nil, fmt.Errorf("ledger: %w: account ID required", shared.ErrInvalidInput)
	}
	if input.BranchID == 0 {
		return nil, fmt.Errorf("ledger: %w: branch ID required", shared.ErrInvalidInput)
	}
	if input.TxnID == 0 {
		return nil, fmt.Errorf("ledger: %w: transaction ID required", shared.ErrInvalidInput)
	}
	if input.TxnDate.IsZero() {
		return nil, fmt.Errorf("ledger: %w: transaction date required", shared.ErrInvalidInput)
	}
	if input.Side != SideDebit && input.Side != SideCredit {
		return nil, fmt.Errorf("ledger: %w: side must be debit or credit", shared.ErrInvalidInput)
	}
	if input.Amount <= 0 {
		return nil, fmt.Errorf("ledger: %w: amount must be positive", shared.ErrInvalidInput)
	}

	entry := &MoneyEntry{
		AccountID: input.AccountID,
		BranchID:  input.BranchID,
		TxnID:     input.TxnID,
		TxnType:   input.TxnType,
		TxnNo:     input.TxnNo,
		TxnDate:   input.TxnDate,
		Side:      input.Side,
		Amount:    input.Amount,
		CreatedAt: time.Now().UTC(),
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period := entry.Period()
		monthly, err := tx.MoneyMonthly(ctx, entry.AccountID, entry.BranchID, period)
		if err != nil {
			return err
		}
		if monthly == nil {
			opening, err := s.moneyOpening(ctx, tx, entry.AccountID, entry.BranchID, period)
			if err != nil {
				return err
			}
			monthly = &Monthly{
				EntityID: entry.AccountID,
				BranchID: entry.BranchID,
				Period:   period,
				Opening:  opening,
				Closing:  opening,
				Dirty:    true,
			}
		}

		signed := entry.SignedAmount()
		entry.RunningBalance = monthly.Closing + signed
		if err := tx.InsertMoneyEntry(ctx, entry); err != nil {
			return err
		}

		if entry.Side == SideDebit {
			monthly.TotalIn += entry.Amount
		} else {
			monthly.TotalOut += entry.Amount
		}
		monthly.Closing += signed
		monthly.TxnCount++
		return tx.UpsertMoneyMonthly(ctx, *monthly)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) stockOpening(ctx context.Context, tx TxRepository, itemID, branchID int64, p shared.Period) (float64, error) {
	closing, ok, err := tx.PrevStockClosing(ctx, itemID, branchID, p)
	if err != nil {
		return 0, err
	}
	if ok {
		return closing, nil
	}
	return tx.ItemOpeningQty(ctx, itemID)
}

func (s *Service) moneyOpening(ctx context.Context, tx TxRepository, accountID, branchID int64, p shared.Period) (float64, error) {
	closing, ok, err := tx.PrevMoneyClosing(ctx, accountID, branchID, p)
	if err != nil {
		return 0, err
	}
	if ok {
		return closing, nil
	}
	return tx.AccountOpeningBalance(ctx, accountID)
}

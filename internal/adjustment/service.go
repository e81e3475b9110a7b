package adjustment

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort defines data access methods for the adjustment log.
type RepositoryPort interface {
	Insert(ctx context.Context, entry Entry) (*Entry, error)
	Get(ctx context.Context, id int64) (*Entry, error)
	Cancel(ctx context.Context, id int64) error
	ListActiveByTxn(ctx context.Context, txnID int64) ([]Entry, error)
}

// Service appends edit deltas to the adjustment log.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

var (
	// ErrNoEffect indicates the edit produced no ledger-relevant delta.
	ErrNoEffect = fmt.Errorf("adjustment: edit has no ledger effect: %w", shared.ErrInvalidInput)
	// ErrNotFound indicates a missing adjustment entry.
	ErrNotFound = fmt.Errorf("adjustment: %w", shared.ErrNotFound)
)

// Record classifies and appends one adjustment entry. It never mutates the
// original ledger rows.
func (s *Service) Record(ctx context.Context, input RecordInput) (*Entry, error) {
	if input.TxnID == 0 {
		return nil, fmt.Errorf("adjustment: %w: transaction ID required", shared.ErrInvalidInput)
	}
	if input.TxnDate.IsZero() {
		return nil, fmt.Errorf("adjustment: %w: transaction date required", shared.ErrInvalidInput)
	}

	class, ok := Classify(input)
	if !ok {
		return nil, ErrNoEffect
	}

	entry := Entry{
		TxnID:          input.TxnID,
		TxnType:        input.TxnType,
		TxnNo:          input.TxnNo,
		TxnDate:        input.TxnDate,
		BranchID:       input.BranchID,
		Classification: class,
		OldAmount:      input.OldAmount,
		NewAmount:      input.NewAmount,
		ItemDeltas:     pruneItemDeltas(input.ItemDeltas),
		OldAccountID:   input.OldAccountID,
		NewAccountID:   input.NewAccountID,
		Status:         StatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	return s.repo.Insert(ctx, entry)
}

// Get loads one adjustment entry.
func (s *Service) Get(ctx context.Context, id int64) (*Entry, error) {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// Cancel marks a not-yet-consumed adjustment as cancelled so refold skips it.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrNotFound
	}
	if entry.Status != StatusActive || entry.IsReversed {
		return fmt.Errorf("adjustment: %w: only active entries can be cancelled", shared.ErrConflict)
	}
	return s.repo.Cancel(ctx, id)
}

// ListActiveByTxn returns the unconsumed adjustments recorded for one
// transaction.
func (s *Service) ListActiveByTxn(ctx context.Context, txnID int64) ([]Entry, error) {
	return s.repo.ListActiveByTxn(ctx, txnID)
}

// Classify derives the adjustment classification from the recorded deltas.
// The second return value is false when the edit changed nothing the ledger
// cares about.
func Classify(input RecordInput) (Classification, bool) {
	amountChanged := math.Abs(input.NewAmount-input.OldAmount) > 1e-9
	accountChanged := input.OldAccountID != 0 && input.NewAccountID != 0 &&
		input.OldAccountID != input.NewAccountID
	itemsChanged := false
	for _, d := range input.ItemDeltas {
		if math.Abs(d.QtyDelta) > 1e-9 || math.Abs(d.RateDelta) > 1e-9 {
			itemsChanged = true
			break
		}
	}

	changes := 0
	if amountChanged {
		changes++
	}
	if accountChanged {
		changes++
	}
	if itemsChanged {
		changes++
	}
	switch {
	case changes == 0:
		return "", false
	case changes > 1:
		return ClassMixed, true
	case amountChanged:
		return ClassAmountChange, true
	case accountChanged:
		return ClassAccountChange, true
	default:
		return ClassItemChange, true
	}
}

func pruneItemDeltas(deltas []ItemDelta) []ItemDelta {
	var out []ItemDelta
	for _, d := range deltas {
		if math.Abs(d.QtyDelta) > 1e-9 || math.Abs(d.RateDelta) > 1e-9 {
			out = append(out, d)
		}
	}
	return out
}

package adjustment

import (
	"time"
)

// Classification describes what an edit to a posted transaction changed.
type Classification string

const (
	ClassAmountChange  Classification = "amount_change"
	ClassAccountChange Classification = "account_change"
	ClassItemChange    Classification = "item_change"
	ClassMixed         Classification = "mixed"
)

// Status enumerates the lifecycle of an adjustment entry.
type Status string

const (
	StatusActive    Status = "active"
	StatusReversed  Status = "reversed"
	StatusCancelled Status = "cancelled"
)

// ItemDelta captures the quantity and rate change for one line item of the
// edited transaction.
type ItemDelta struct {
	ItemID    int64
	QtyDelta  float64
	RateDelta float64
}

// Entry is the append-only record of the net delta produced by editing an
// already-posted transaction. The original ledger rows are never touched at
// edit time; the nightly refold applies these deltas later.
type Entry struct {
	ID             int64
	TxnID          int64
	TxnType        string
	TxnNo          string
	TxnDate        time.Time
	BranchID       int64
	Classification Classification
	OldAmount      float64
	NewAmount      float64
	ItemDeltas     []ItemDelta
	// OldAccountID and NewAccountID carry the affected money account. They
	// are equal for a pure amount change and differ on reassignment.
	OldAccountID int64
	NewAccountID int64
	Status       Status
	// IsReversed flips to true once the refold engine has consumed the entry.
	IsReversed bool
	CreatedAt  time.Time
}

// Reassigned reports whether the edit moved the transaction to a different
// money account.
func (e Entry) Reassigned() bool {
	return e.OldAccountID != 0 && e.NewAccountID != 0 && e.OldAccountID != e.NewAccountID
}

// AmountDelta returns the net money change carried by the entry.
func (e Entry) AmountDelta() float64 {
	return e.NewAmount - e.OldAmount
}

// RecordInput describes one edit of a posted transaction.
type RecordInput struct {
	TxnID        int64
	TxnType      string
	TxnNo        string
	TxnDate      time.Time
	BranchID     int64
	OldAmount    float64
	NewAmount    float64
	ItemDeltas   []ItemDelta
	OldAccountID int64
	NewAccountID int64
}

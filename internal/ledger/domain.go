package ledger

import (
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Movement classifies a stock ledger entry.
type Movement string

const (
	MovementIn  Movement = "in"
	MovementOut Movement = "out"
)

// Side classifies a money ledger entry.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// StockEntry records one transaction's effect on an item's stock at a branch.
// RunningQty is a snapshot computed at write time and is only valid until the
// next refold rewrites it.
type StockEntry struct {
	ID         int64
	ItemID     int64
	BranchID   int64
	TxnID      int64
	TxnType    string
	TxnNo      string
	TxnDate    time.Time
	Movement   Movement
	Qty        float64
	Rate       float64
	TaxPct     float64
	TaxAmount  float64
	Amount     float64
	RunningQty float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Period returns the calendar period the entry belongs to.
func (e StockEntry) Period() shared.Period {
	return shared.PeriodOf(e.TxnDate)
}

// SignedQty returns the quantity with its movement sign applied.
func (e StockEntry) SignedQty() float64 {
	if e.Movement == MovementOut {
		return -e.Qty
	}
	return e.Qty
}

// MoneyEntry records one transaction's effect on an account's money balance.
type MoneyEntry struct {
	ID             int64
	AccountID      int64
	BranchID       int64
	TxnID          int64
	TxnType        string
	TxnNo          string
	TxnDate        time.Time
	Side           Side
	Amount         float64
	RunningBalance float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Period returns the calendar period the entry belongs to.
func (e MoneyEntry) Period() shared.Period {
	return shared.PeriodOf(e.TxnDate)
}

// SignedAmount returns the amount with its ledger-side sign applied.
func (e MoneyEntry) SignedAmount() float64 {
	if e.Side == SideCredit {
		return -e.Amount
	}
	return e.Amount
}

// ComputeStockAmounts derives the monetary fields from quantity and rate.
// Amounts are always recomputed from the corrected inputs, never patched from
// the old amount plus a tax delta, to avoid compounding rounding.
func ComputeStockAmounts(qty, rate, taxPct float64) (base, tax, amount float64) {
	base = shared.Round2(qty * rate)
	tax = shared.Round2(base * taxPct / 100)
	amount = shared.Round2(base + tax)
	return base, tax, amount
}

// Monthly is the per-(entity, branch, month) aggregate the posting path keeps
// in sync. For stock books the totals are quantities with valuation twins;
// money books use TotalIn/TotalOut as debit/credit and leave the value twins
// at zero.
type Monthly struct {
	EntityID      int64
	BranchID      int64
	Period        shared.Period
	Opening       float64
	TotalIn       float64
	TotalOut      float64
	TotalInValue  float64
	TotalOutValue float64
	Closing       float64
	TxnCount      int
	Dirty         bool
	Exists        bool
}

// StockPostInput describes a stock ledger posting.
type StockPostInput struct {
	ItemID   int64
	BranchID int64
	TxnID    int64
	TxnType  string
	TxnNo    string
	TxnDate  time.Time
	Movement Movement
	Qty      float64
	Rate     float64
	TaxPct   float64
}

// MoneyPostInput describes a money ledger posting.
type MoneyPostInput struct {
	AccountID int64
	BranchID  int64
	TxnID     int64
	TxnType   string
	TxnNo     string
	TxnDate   time.Time
	Side      Side
	Amount    float64
}

package settlement

import (
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// OutstandingType distinguishes receivable from payable rows.
type OutstandingType string

const (
	// TypeDR is a receivable: the party owes us, closing balance positive.
	TypeDR OutstandingType = "dr"
	// TypeCR is a payable: we owe the party, closing balance negative.
	TypeCR OutstandingType = "cr"
)

// Valid reports whether the type is known.
func (t OutstandingType) Valid() bool {
	return t == TypeDR || t == TypeCR
}

// Status is the settlement lifecycle state of an outstanding row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPartial    Status = "partial"
	StatusPaid       Status = "paid"
	StatusOverdue    Status = "overdue"
	StatusDisputed   Status = "disputed"
	StatusWrittenOff Status = "written_off"
)

// Settleable reports whether FIFO settlement may touch a row in this status.
func (s Status) Settleable() bool {
	switch s {
	case StatusPending, StatusPartial, StatusOverdue:
		return true
	}
	return false
}

// Direction of a settling transaction. Receipts settle receivables,
// payments settle payables.
type Direction string

const (
	DirectionReceipt Direction = "receipt"
	DirectionPayment Direction = "payment"
)

// Valid reports whether the direction is known.
func (d Direction) Valid() bool {
	return d == DirectionReceipt || d == DirectionPayment
}

// Target returns the outstanding type this direction settles.
func (d Direction) Target() OutstandingType {
	if d == DirectionPayment {
		return TypeCR
	}
	return TypeDR
}

// Outstanding is one open invoice or bill balance for an account.
// DR rows carry a positive closing balance, CR rows a negative one; both
// converge on zero as settlements apply.
type Outstanding struct {
	ID             int64
	AccountID      int64
	BranchID       int64
	Type           OutstandingType
	VoucherID      int64
	VoucherNo      string
	VoucherDate    time.Time
	DueDate        time.Time
	TotalAmount    float64
	PaidAmount     float64
	ClosingBalance float64
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Available returns the positive amount still open for settlement.
func (o Outstanding) Available() float64 {
	if o.Type == TypeCR {
		return -o.ClosingBalance
	}
	return o.ClosingBalance
}

// ApplySettlement consumes amount from the open balance and returns the new
// lifecycle status. The closing balance is snapped to zero within eps so a
// rounding residue never keeps a row partial forever.
func (o *Outstanding) ApplySettlement(amount, eps float64) Status {
	o.PaidAmount += amount
	if o.Type == TypeCR {
		o.ClosingBalance += amount
	} else {
		o.ClosingBalance -= amount
	}
	o.ClosingBalance = shared.SnapZero(o.ClosingBalance, eps)
	if o.ClosingBalance == 0 {
		o.Status = StatusPaid
	} else {
		o.Status = StatusPartial
	}
	return o.Status
}

// SettlementStatus tracks whether a settlement link is still in force.
type SettlementStatus string

const (
	SettlementActive   SettlementStatus = "active"
	SettlementReversed SettlementStatus = "reversed"
)

// Settlement links one settling voucher to one outstanding row. Reversal
// flips the status and restores the outstanding; the row itself is never
// deleted. Rows created by the offset engine carry OffsetID instead of
// VoucherID.
type Settlement struct {
	ID               int64
	OutstandingID    int64
	VoucherID        int64
	OffsetID         int64
	VoucherNo        string
	PreviousBalance  float64
	SettledAmount    float64
	RemainingBalance float64
	PreviousStatus   Status
	Status           SettlementStatus
	SettledAt        time.Time
}

// Allocation is one planned FIFO match before persistence.
type Allocation struct {
	OutstandingID int64
	Amount        float64
}

// AllocateFIFO walks open rows in the order given and matches amount against
// each until the amount or the list is exhausted. Rows must already be sorted
// oldest-due-first. Leftover amount is returned, not treated as an error.
func AllocateFIFO(open []Outstanding, amount, eps float64) ([]Allocation, float64) {
	var allocations []Allocation
	remaining := amount
	for _, o := range open {
		if remaining <= 0 {
			break
		}
		available := o.Available()
		if available <= 0 {
			continue
		}
		toSettle := available
		if remaining < available {
			toSettle = remaining
		}
		allocations = append(allocations, Allocation{OutstandingID: o.ID, Amount: toSettle})
		remaining = shared.SnapZero(remaining-toSettle, eps)
	}
	return allocations, remaining
}

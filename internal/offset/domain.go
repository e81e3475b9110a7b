package offset

import (
	"time"

	"github.com/meridian-erp/meridian-erp/internal/settlement"
)

// VoucherStatus tracks whether an offset voucher is still in force.
type VoucherStatus string

const (
	VoucherActive   VoucherStatus = "active"
	VoucherReversed VoucherStatus = "reversed"
)

// Voucher is the synthetic document representing one automatic net-settlement
// of an account's receivables against its payables. It owns settlement link
// rows exactly like a receipt or payment does.
type Voucher struct {
	ID            int64
	VoucherNo     string
	AccountID     int64
	BranchID      int64
	Amount        float64
	Status        VoucherStatus
	ReverseReason string
	CreatedAt     time.Time
	ReversedAt    *time.Time
}

// Result reports what one offset pass did. A nil Voucher means nothing was
// nettable.
type Result struct {
	Voucher     *Voucher
	Amount      float64
	Settlements []settlement.Settlement
	// ReversedPrevious is set when a stale active offset was unwound before
	// recomputing.
	ReversedPrevious bool
}

// Applied reports whether the pass produced a voucher.
func (r Result) Applied() bool {
	return r.Voucher != nil
}

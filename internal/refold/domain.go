package refold

import (
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Pair identifies one (entity, branch) combination owning a ledger book.
// Entity is an item for the stock book and an account for the money book.
type Pair struct {
	EntityID int64
	BranchID int64
}

// Entry is the book-neutral view of one ledger row during replay. Stock books
// populate the quantity fields; money books only carry Amount.
type Entry struct {
	ID        int64
	TxnID     int64
	TxnDate   time.Time
	// Inward is true for stock "in" movements and money debits.
	Inward    bool
	Qty       float64
	Rate      float64
	TaxPct    float64
	TaxAmount float64
	Amount    float64
	Running   float64
}

// Delta is the strongly-typed net effect of all adjustments recorded against
// one source transaction, built once per period before replay.
type Delta struct {
	QtyDelta  float64
	RateDelta float64
	// AmountDelta applies when the money amount changed without an account
	// reassignment.
	AmountDelta float64
	// NewAmount carries the full corrected amount when the transaction was
	// reassigned onto the current account; its ledger row started at zero.
	NewAmount  float64
	Reassigned bool
	// Removed marks a transaction reassigned away from the current account;
	// its contribution collapses to zero.
	Removed bool
}

// Summary is the recomputed monthly aggregate for one refolded period.
type Summary struct {
	Opening       float64
	TotalIn       float64
	TotalOut      float64
	TotalInValue  float64
	TotalOutValue float64
	Closing       float64
	TxnCount      int
}

// PairError captures one isolated per-entity failure inside a batch run.
type PairError struct {
	Book    string
	Pair    Pair
	Period  shared.Period
	Message string
}

// BookResult aggregates the outcome of refolding one book.
type BookResult struct {
	PairsProcessed  int
	PeriodsRefolded int
	Errors          []PairError
}

// BatchResult is returned by one nightly batch run.
type BatchResult struct {
	StartedAt           time.Time
	FinishedAt          time.Time
	Stock               BookResult
	Money               BookResult
	AdjustmentsConsumed int
	// CriticalError is set when the orchestrator itself failed; per-pair
	// errors never abort the run and live in the book results instead.
	CriticalError string
	Success       bool
}

// PairsProcessed sums processed pairs across books.
func (r BatchResult) PairsProcessed() int {
	return r.Stock.PairsProcessed + r.Money.PairsProcessed
}

// PeriodsRefolded sums refolded periods across books.
func (r BatchResult) PeriodsRefolded() int {
	return r.Stock.PeriodsRefolded + r.Money.PeriodsRefolded
}

// Errors returns all isolated pair errors across books.
func (r BatchResult) Errors() []PairError {
	out := make([]PairError, 0, len(r.Stock.Errors)+len(r.Money.Errors))
	out = append(out, r.Stock.Errors...)
	out = append(out, r.Money.Errors...)
	return out
}

package balance

import (
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// MonthlyBalance is one aggregate row per (entity, branch, calendar period).
// For the stock book TotalIn/TotalOut are quantities and the value twins carry
// the valuation; for the money book TotalIn is the debit total, TotalOut the
// credit total and the value twins stay zero.
type MonthlyBalance struct {
	ID                 int64
	Book               shared.Book
	EntityID           int64
	BranchID           int64
	Year               int
	Month              int
	Opening            float64
	TotalIn            float64
	TotalOut           float64
	TotalInValue       float64
	TotalOutValue      float64
	Closing            float64
	TxnCount           int
	NeedsRecalculation bool
	LastUpdated        time.Time
}

// Period returns the row's calendar period.
func (m MonthlyBalance) Period() shared.Period {
	return shared.Period{Year: m.Year, Month: m.Month}
}

// Balanced reports whether closing equals opening plus the period's net
// movement, within eps.
func (m MonthlyBalance) Balanced(eps float64) bool {
	return shared.SnapZero(m.Closing-(m.Opening+m.TotalIn-m.TotalOut), eps) == 0
}

// ReportPath names the read strategy a balance report used.
type ReportPath string

const (
	// PathFast serves stored aggregates untouched: no dirty periods and no
	// unconsumed adjustments overlap the range.
	PathFast ReportPath = "fast"
	// PathHybrid serves stored aggregates with in-range adjustment deltas
	// applied in memory.
	PathHybrid ReportPath = "hybrid"
	// PathFull replays the range from ledger entries, the same way the
	// nightly refold would, without persisting anything.
	PathFull ReportPath = "full"
)

// ReportRequest asks for period aggregates of one entity over a range.
type ReportRequest struct {
	Book     shared.Book
	EntityID int64
	BranchID int64
	From     shared.Period
	To       shared.Period
}

// PeriodSummary is one reported period.
type PeriodSummary struct {
	Period   shared.Period
	Opening  float64
	TotalIn  float64
	TotalOut float64
	Closing  float64
	TxnCount int
	Dirty    bool
}

// Report is the result of a balance report query.
type Report struct {
	Path    ReportPath
	Periods []PeriodSummary
}

// Closing returns the final closing balance of the range.
func (r Report) Closing() float64 {
	if len(r.Periods) == 0 {
		return 0
	}
	return r.Periods[len(r.Periods)-1].Closing
}

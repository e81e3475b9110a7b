package shared

import (
	"fmt"
	"time"
)

// Period identifies one calendar month of a ledger book.
type Period struct {
	Year  int
	Month int
}

// PeriodOf returns the period containing the given date.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// Next returns the immediately following period.
func (p Period) Next() Period {
	if p.Month >= 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Prev returns the immediately preceding period.
func (p Period) Prev() Period {
	if p.Month <= 1 {
		return Period{Year: p.Year - 1, Month: 12}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

// Before reports whether p is strictly earlier than other.
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

// Compare returns -1, 0 or 1 ordering p against other chronologically.
func (p Period) Compare(other Period) int {
	switch {
	case p.Before(other):
		return -1
	case other.Before(p):
		return 1
	default:
		return 0
	}
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the next period.
func (p Period) End() time.Time {
	return p.Next().Start()
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// SortPeriods orders periods chronologically in place.
func SortPeriods(periods []Period) {
	for i := 1; i < len(periods); i++ {
		for j := i; j > 0 && periods[j].Before(periods[j-1]); j-- {
			periods[j], periods[j-1] = periods[j-1], periods[j]
		}
	}
}

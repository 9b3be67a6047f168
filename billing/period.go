package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - One billed calendar month
// =============================================================================

// Period identifies one billed calendar month. Every ledger entry belongs to
// exactly one Period; contract month numbers map onto periods through
// Contract.PeriodFor.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period containing the given date.
func PeriodOf(tp TimePoint) Period {
	return Period{Year: tp.Year(), Month: tp.Month()}
}

// ParsePeriod parses a "YYYY-MM" key.
func ParsePeriod(key string) (Period, error) {
	t, err := time.Parse("2006-01", key)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, key)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// Start returns the first day of the period.
func (p Period) Start() TimePoint { return StartOfMonth(p.Year, p.Month) }

// End returns the last day of the period.
func (p Period) End() TimePoint { return EndOfMonth(p.Year, p.Month) }

// Contains returns true if the date falls within the period.
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start()) && t.BeforeOrEqual(p.End())
}

// Add returns the period n months later (or earlier when n is negative).
func (p Period) Add(n int) Period { return PeriodOf(p.Start().AddMonths(n)) }

// Key returns the "YYYY-MM" form used by storage and the API.
func (p Period) Key() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

func (p Period) String() string { return p.Key() }

package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Half-open time window [Start, End)
// =============================================================================

// Period is a half-open window. A shift ending exactly at End belongs to the
// next period.
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod validates that end is after start.
func NewPeriod(start, end time.Time) (Period, error) {
	if !end.After(start) {
		return Period{}, fmt.Errorf("%w: %s .. %s", ErrInvalidPeriod,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Period{Start: start, End: end}, nil
}

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Days counts calendar days in [Start, End) as seen in loc.
func (p Period) Days(loc *time.Location) int {
	n := 0
	for d := DayOf(p.Start, loc); d.Before(p.End); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}

// BusinessMonth returns the payroll month that starts on startDay of the
// given month and ends (exclusive) on startDay of the following month.
// BusinessMonth(2025, time.January, 7, loc) is [Jan 7, Feb 7).
func BusinessMonth(year int, month time.Month, startDay int, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	if startDay < 1 {
		startDay = 1
	}
	if startDay > 28 {
		startDay = 28
	}
	start := time.Date(year, month, startDay, 0, 0, 0, 0, loc)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// BusinessMonthContaining returns the business month that contains t.
func BusinessMonthContaining(t time.Time, startDay int, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	p := BusinessMonth(lt.Year(), lt.Month(), startDay, loc)
	if lt.Before(p.Start) {
		prev := p.Start.AddDate(0, -1, 0)
		return BusinessMonth(prev.Year(), prev.Month(), startDay, loc)
	}
	return p
}

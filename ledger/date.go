package ledger

import (
	"time"
)

// =============================================================================
// DATE - Day-granularity calendar value
// =============================================================================

// Date is a calendar day in UTC. Every ledger timestamp that matters for
// accounting (granted, expiration, used) is a Date, never a wall-clock time.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a time to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

func Today() Date {
	return DateOf(time.Now())
}

// ParseDate parses an ISO date (2006-01-02).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

// Comparison
func (d Date) Before(o Date) bool        { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool         { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool         { return d.Time.Equal(o.Time) }
func (d Date) BeforeOrEqual(o Date) bool { return !d.After(o) }
func (d Date) AfterOrEqual(o Date) bool  { return !d.Before(o) }
func (d Date) IsZero() bool              { return d.Time.IsZero() }

// Arithmetic
func (d Date) AddDays(n int) Date   { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) AddMonths(n int) Date { return Date{Time: d.Time.AddDate(0, n, 0)} }
func (d Date) AddYears(n int) Date  { return Date{Time: d.Time.AddDate(n, 0, 0)} }

// Properties
func (d Date) Year() int         { return d.Time.Year() }
func (d Date) Month() time.Month { return d.Time.Month() }
func (d Date) Day() int          { return d.Time.Day() }

func (d Date) String() string { return d.Time.Format("2006-01-02") }

// DaysBetween returns the number of whole days from 'from' to 'to'.
func DaysBetween(from, to Date) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}

// =============================================================================
// CALENDAR BOUNDARIES
// =============================================================================

func StartOfYear(year int) Date { return NewDate(year, time.January, 1) }
func EndOfYear(year int) Date   { return NewDate(year, time.December, 31) }

func StartOfMonth(year int, month time.Month) Date { return NewDate(year, month, 1) }

func EndOfMonth(year int, month time.Month) Date {
	return StartOfMonth(year, month).AddMonths(1).AddDays(-1)
}

// LastDayOfMonth returns the number of days in the month.
func LastDayOfMonth(year int, month time.Month) int {
	return EndOfMonth(year, month).Day()
}

// =============================================================================
// QUARTERS
// =============================================================================

// QuarterStart returns the first day of the calendar quarter containing d.
func (d Date) QuarterStart() Date {
	q := (int(d.Month()) - 1) / 3
	return NewDate(d.Year(), time.Month(q*3+1), 1)
}

// QuarterEnd returns the last day of the calendar quarter containing d.
func (d Date) QuarterEnd() Date {
	return d.QuarterStart().AddMonths(3).AddDays(-1)
}

// PreviousQuarter returns the start and end of the quarter before the one
// containing d.
func (d Date) PreviousQuarter() (Date, Date) {
	start := d.QuarterStart().AddMonths(-3)
	return start, start.QuarterEnd()
}

// NextQuarterEnd returns the last day of the quarter after the one
// containing d.
func (d Date) NextQuarterEnd() Date {
	return d.QuarterStart().AddMonths(6).AddDays(-1)
}

// =============================================================================
// FISCAL YEAR
// =============================================================================

// FiscalYearStart returns the start of the fiscal year containing d, for a
// fiscal year beginning on the first of startMonth.
func (d Date) FiscalYearStart(startMonth time.Month) Date {
	start := NewDate(d.Year(), startMonth, 1)
	if d.Before(start) {
		start = NewDate(d.Year()-1, startMonth, 1)
	}
	return start
}

// FiscalYearEnd returns the last day of the fiscal year containing d.
func (d Date) FiscalYearEnd(startMonth time.Month) Date {
	return d.FiscalYearStart(startMonth).AddYears(1).AddDays(-1)
}

/*
jobs.go - The three scheduled grant producers

PURPOSE:
  Each job turns a calendar rule plus attendance data into ledger grants:

  - MonthlyGrantJob: 1.0 day on each hire-date anniversary day during the
    first year of employment, gated on punctuality in the preceding
    anniversary month.
  - FiscalAnnualGrantJob: once per fiscal year, days prorated from how much
    of the prior calendar year the subject was employed.
  - AttendanceAwardJob: once per quarter, 1.0 day for a clean prior quarter.

  Jobs only decide WHO gets WHAT; issuance, duplicate suppression, and
  balance recomputation live in the ledger. Every grant records its inputs
  in the calculation basis so a later reader can reproduce the decision.
*/
package entitlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/officehub/workflow-engine/ledger"
)

// =============================================================================
// MONTHLY GRANT
// =============================================================================

const (
	monthlyGrantDays   = 1.0
	monthlyLateLimit   = 2
	monthlyTenureMin   = 1
	monthlyTenureMax   = 12
	annualBaseDays     = 15
	attendanceAwardDay = 1.0
)

// MonthlyGrantJob issues 1.0 day to each active subject whose hire
// day-of-month matches the business date, for tenures of 1 through 12
// months. Hire days past the end of a short month are clamped to its last
// day. The attendance gate allows at most two late arrivals in the month
// leading up to the anniversary.
type MonthlyGrantJob struct {
	Runner *Runner
}

func (j *MonthlyGrantJob) Name() string { return "monthly-grant" }

func (j *MonthlyGrantJob) Run(ctx context.Context, businessDate ledger.Date) (*RunSummary, error) {
	return j.Runner.run(ctx, j.Name(), businessDate, func(ctx context.Context, subject Subject) (*ledger.Grant, error) {
		return j.evaluate(ctx, subject, businessDate)
	})
}

func (j *MonthlyGrantJob) evaluate(ctx context.Context, subject Subject, date ledger.Date) (*ledger.Grant, error) {
	day := anniversaryDayIn(subject.HireDate, date.Year(), date.Month())
	if date.Day() != day {
		return nil, nil
	}

	tenure := tenureMonths(subject.HireDate, date)
	if tenure < monthlyTenureMin || tenure > monthlyTenureMax {
		return nil, nil
	}

	// Punctuality over the anniversary month just ended.
	from := date.AddMonths(-1)
	to := date.AddDays(-1)
	stats, err := j.Runner.Directory.AttendanceBetween(ctx, subject.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("attendance lookup: %w", err)
	}
	if stats.LateCount > monthlyLateLimit {
		return nil, nil
	}

	return &ledger.Grant{
		SubjectID:      subject.ID,
		Type:           ledger.GrantMonthly,
		Amount:         ledger.Days(monthlyGrantDays),
		GrantedDate:    date,
		ExpirationDate: subject.HireDate.AddYears(1),
		CalculationBasis: map[string]string{
			"hire_date":     subject.HireDate.String(),
			"tenure_months": strconv.Itoa(tenure),
			"late_count":    strconv.Itoa(stats.LateCount),
		},
	}, nil
}

// =============================================================================
// FISCAL-ANNUAL GRANT
// =============================================================================

// FiscalAnnualGrantJob issues the yearly allotment at the start of the
// fiscal year, prorated by employment during the prior calendar year:
// floor(days employed / 365 * 15). Subjects with a computed amount of zero
// get no grant. The granted date is pinned to the fiscal year start, so
// running the job on any later day of the year changes nothing.
type FiscalAnnualGrantJob struct {
	Runner *Runner

	// FiscalYearStartMonth defaults to April.
	FiscalYearStartMonth time.Month
}

func (j *FiscalAnnualGrantJob) Name() string { return "fiscal-annual-grant" }

func (j *FiscalAnnualGrantJob) startMonth() time.Month {
	if j.FiscalYearStartMonth != 0 {
		return j.FiscalYearStartMonth
	}
	return time.April
}

func (j *FiscalAnnualGrantJob) Run(ctx context.Context, businessDate ledger.Date) (*RunSummary, error) {
	return j.Runner.run(ctx, j.Name(), businessDate, func(ctx context.Context, subject Subject) (*ledger.Grant, error) {
		return j.evaluate(subject, businessDate), nil
	})
}

func (j *FiscalAnnualGrantJob) evaluate(subject Subject, date ledger.Date) *ledger.Grant {
	fyStart := date.FiscalYearStart(j.startMonth())
	priorYear := fyStart.Year() - 1

	employed := daysEmployedInYear(subject.HireDate, priorYear)
	if employed <= 0 {
		return nil
	}
	days := employed * annualBaseDays / 365 // integer floor
	if days == 0 {
		return nil
	}

	return &ledger.Grant{
		SubjectID:      subject.ID,
		Type:           ledger.GrantFiscalAnnual,
		Amount:         ledger.Days(float64(days)),
		GrantedDate:    fyStart,
		ExpirationDate: date.FiscalYearEnd(j.startMonth()),
		CalculationBasis: map[string]string{
			"hire_date":          subject.HireDate.String(),
			"prior_year":         strconv.Itoa(priorYear),
			"days_employed":      strconv.Itoa(employed),
			"base_days_per_year": strconv.Itoa(annualBaseDays),
		},
	}
}

// =============================================================================
// ATTENDANCE AWARD
// =============================================================================

// AttendanceAwardJob issues 1.0 day per quarter to subjects with zero late
// arrivals and at least one worked day in the prior quarter. The granted
// date is the current quarter's first day, which keeps re-runs within the
// quarter idempotent. Awards expire at the end of the following quarter.
type AttendanceAwardJob struct {
	Runner *Runner
}

func (j *AttendanceAwardJob) Name() string { return "attendance-award" }

func (j *AttendanceAwardJob) Run(ctx context.Context, businessDate ledger.Date) (*RunSummary, error) {
	return j.Runner.run(ctx, j.Name(), businessDate, func(ctx context.Context, subject Subject) (*ledger.Grant, error) {
		return j.evaluate(ctx, subject, businessDate)
	})
}

func (j *AttendanceAwardJob) evaluate(ctx context.Context, subject Subject, date ledger.Date) (*ledger.Grant, error) {
	qFrom, qTo := date.PreviousQuarter()
	stats, err := j.Runner.Directory.AttendanceBetween(ctx, subject.ID, qFrom, qTo)
	if err != nil {
		return nil, fmt.Errorf("attendance lookup: %w", err)
	}
	if stats.LateCount != 0 || stats.WorkedDays < 1 {
		return nil, nil
	}

	return &ledger.Grant{
		SubjectID:      subject.ID,
		Type:           ledger.GrantAttendanceAward,
		Amount:         ledger.Days(attendanceAwardDay),
		GrantedDate:    date.QuarterStart(),
		ExpirationDate: date.NextQuarterEnd(),
		CalculationBasis: map[string]string{
			"quarter_from": qFrom.String(),
			"quarter_to":   qTo.String(),
			"worked_days":  strconv.Itoa(stats.WorkedDays),
			"late_count":   strconv.Itoa(stats.LateCount),
		},
	}, nil
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// anniversaryDayIn returns the hire day-of-month clamped into the given
// month (a hire on the 31st falls on the 30th or 28th/29th in short months).
func anniversaryDayIn(hire ledger.Date, year int, month time.Month) int {
	last := ledger.LastDayOfMonth(year, month)
	if hire.Day() > last {
		return last
	}
	return hire.Day()
}

// tenureMonths counts whole months of employment as of the given date.
func tenureMonths(hire, asOf ledger.Date) int {
	months := (asOf.Year()-hire.Year())*12 + int(asOf.Month()) - int(hire.Month())
	if asOf.Day() < anniversaryDayIn(hire, asOf.Year(), asOf.Month()) {
		months--
	}
	return months
}

// daysEmployedInYear counts calendar days of the year during which the
// subject was employed, counting the hire date itself.
func daysEmployedInYear(hire ledger.Date, year int) int {
	yearStart := ledger.StartOfYear(year)
	yearEnd := ledger.EndOfYear(year)
	if hire.After(yearEnd) {
		return 0
	}
	from := hire
	if from.Before(yearStart) {
		from = yearStart
	}
	return ledger.DaysBetween(from, yearEnd) + 1
}

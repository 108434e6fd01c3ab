package entitlement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/officehub/workflow-engine/entitlement"
	"github.com/officehub/workflow-engine/ledger"
	"github.com/officehub/workflow-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	store  *sqlite.Store
	ledger *ledger.Ledger
	runner *entitlement.Runner
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	led := ledger.New(store.Ledger())
	return &fixture{
		store:  store,
		ledger: led,
		runner: &entitlement.Runner{
			Ledger:    led,
			Directory: store,
			Runs:      store,
		},
	}
}

func (f *fixture) addSubject(t *testing.T, id, hireDate string) {
	t.Helper()
	err := f.store.SaveSubject(context.Background(), entitlement.Subject{
		ID:       ledger.SubjectID(id),
		HireDate: mustDate(t, hireDate),
		Active:   true,
	})
	require.NoError(t, err)
}

func (f *fixture) addAttendance(t *testing.T, id, day string, late bool) {
	t.Helper()
	err := f.store.RecordAttendance(context.Background(), sqlite.AttendanceDay{
		SubjectID: ledger.SubjectID(id),
		Day:       mustDate(t, day),
		Late:      late,
	})
	require.NoError(t, err)
}

func (f *fixture) grantsFor(t *testing.T, id string) []ledger.Grant {
	t.Helper()
	grants, err := f.ledger.Grants(context.Background(), ledger.SubjectID(id))
	require.NoError(t, err)
	return grants
}

func mustDate(t *testing.T, s string) ledger.Date {
	t.Helper()
	d, err := ledger.ParseDate(s)
	require.NoError(t, err)
	return d
}

// =============================================================================
// MONTHLY GRANT
// =============================================================================

func TestMonthlyGrant_AnniversaryDay(t *testing.T) {
	// GIVEN: a subject hired 2026-05-15 with clean attendance
	// WHEN: the job runs on 2026-08-15 (tenure 3 months)
	// THEN: one 1.0-day grant expiring on the first hire anniversary

	f := newFixture(t)
	f.addSubject(t, "emp-1", "2026-05-15")
	job := &entitlement.MonthlyGrantJob{Runner: f.runner}

	summary, err := job.Run(context.Background(), mustDate(t, "2026-08-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Granted)
	assert.Equal(t, 0, summary.Failed)

	grants := f.grantsFor(t, "emp-1")
	require.Len(t, grants, 1)
	assert.Equal(t, ledger.GrantMonthly, grants[0].Type)
	assert.True(t, grants[0].Amount.Equal(ledger.Days(1)))
	assert.True(t, grants[0].ExpirationDate.Equal(mustDate(t, "2027-05-15")))
}

func TestMonthlyGrant_RunTwice_OneGrant(t *testing.T) {
	// GIVEN: a run that already granted for today
	// WHEN: the job runs again on the same business date
	// THEN: exactly one grant exists; the re-run counts it as skipped

	f := newFixture(t)
	f.addSubject(t, "emp-1", "2026-05-15")
	job := &entitlement.MonthlyGrantJob{Runner: f.runner}
	ctx := context.Background()

	_, err := job.Run(ctx, mustDate(t, "2026-08-15"))
	require.NoError(t, err)

	second, err := job.Run(ctx, mustDate(t, "2026-08-15"))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Granted)
	assert.Equal(t, 1, second.Skipped)

	assert.Len(t, f.grantsFor(t, "emp-1"), 1)
}

func TestMonthlyGrant_SkipRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Wrong day of month.
	f.addSubject(t, "wrong-day", "2026-05-10")
	// Beyond the first year.
	f.addSubject(t, "tenured", "2024-08-15")
	// Hired on the business date itself: zero months of tenure.
	f.addSubject(t, "brand-new", "2026-08-15")
	// Anniversary day, but too many lates in the prior month.
	f.addSubject(t, "tardy", "2026-05-15")
	f.addAttendance(t, "tardy", "2026-07-20", true)
	f.addAttendance(t, "tardy", "2026-07-21", true)
	f.addAttendance(t, "tardy", "2026-07-22", true)

	job := &entitlement.MonthlyGrantJob{Runner: f.runner}
	summary, err := job.Run(ctx, mustDate(t, "2026-08-15"))
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Granted)
	assert.Equal(t, 4, summary.Skipped)
}

func TestMonthlyGrant_TwoLatesStillGranted(t *testing.T) {
	// The gate allows up to two late arrivals.
	f := newFixture(t)
	f.addSubject(t, "emp-1", "2026-05-15")
	f.addAttendance(t, "emp-1", "2026-07-20", true)
	f.addAttendance(t, "emp-1", "2026-07-21", true)
	f.addAttendance(t, "emp-1", "2026-08-01", false)

	job := &entitlement.MonthlyGrantJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-08-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Granted)
}

func TestMonthlyGrant_MonthEndClamping(t *testing.T) {
	// GIVEN: a subject hired on the 31st
	// WHEN: the job runs on April 30th, the last day of a short month
	// THEN: the clamped anniversary matches and the grant is issued

	f := newFixture(t)
	f.addSubject(t, "emp-1", "2026-01-31")

	job := &entitlement.MonthlyGrantJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-04-30"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Granted)
}

// =============================================================================
// FISCAL-ANNUAL GRANT
// =============================================================================

func TestFiscalAnnualGrant_Proration(t *testing.T) {
	// GIVEN: hired 2025-07-01, so 184 days of the prior calendar year
	// WHEN: the job runs inside fiscal year 2026 (April start)
	// THEN: floor(184/365*15) = 7 days, granted at the fiscal year start

	f := newFixture(t)
	f.addSubject(t, "emp-1", "2025-07-01")

	job := &entitlement.FiscalAnnualGrantJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-04-10"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Granted)

	grants := f.grantsFor(t, "emp-1")
	require.Len(t, grants, 1)
	assert.True(t, grants[0].Amount.Equal(ledger.Days(7)), "got %s", grants[0].Amount)
	assert.True(t, grants[0].GrantedDate.Equal(mustDate(t, "2026-04-01")))
}

func TestFiscalAnnualGrant_FullPriorYear(t *testing.T) {
	f := newFixture(t)
	f.addSubject(t, "emp-1", "2023-02-01")

	job := &entitlement.FiscalAnnualGrantJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-04-01"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Granted)

	grants := f.grantsFor(t, "emp-1")
	require.Len(t, grants, 1)
	assert.True(t, grants[0].Amount.Equal(ledger.Days(15)))
}

func TestFiscalAnnualGrant_HiredThisYear_Skipped(t *testing.T) {
	// Zero days employed in the prior calendar year means no grant at all.
	f := newFixture(t)
	f.addSubject(t, "emp-1", "2026-01-10")

	job := &entitlement.FiscalAnnualGrantJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-04-10"))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Granted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, f.grantsFor(t, "emp-1"))
}

func TestFiscalAnnualGrant_LaterRunSameYear_Idempotent(t *testing.T) {
	// The granted date is pinned to the fiscal year start, so a run in a
	// later month of the same fiscal year changes nothing.
	f := newFixture(t)
	f.addSubject(t, "emp-1", "2024-01-01")
	job := &entitlement.FiscalAnnualGrantJob{Runner: f.runner}
	ctx := context.Background()

	_, err := job.Run(ctx, mustDate(t, "2026-04-01"))
	require.NoError(t, err)
	second, err := job.Run(ctx, mustDate(t, "2026-09-20"))
	require.NoError(t, err)

	assert.Equal(t, 0, second.Granted)
	assert.Len(t, f.grantsFor(t, "emp-1"), 1)
}

// =============================================================================
// ATTENDANCE AWARD
// =============================================================================

func TestAttendanceAward_CleanQuarter(t *testing.T) {
	// GIVEN: worked days with zero lates in Q2
	// WHEN: the job runs in Q3
	// THEN: 1.0 day granted at the Q3 start, expiring at the end of Q4

	f := newFixture(t)
	f.addSubject(t, "emp-1", "2025-01-01")
	f.addAttendance(t, "emp-1", "2026-04-06", false)
	f.addAttendance(t, "emp-1", "2026-05-11", false)

	job := &entitlement.AttendanceAwardJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-07-10"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Granted)

	grants := f.grantsFor(t, "emp-1")
	require.Len(t, grants, 1)
	assert.Equal(t, ledger.GrantAttendanceAward, grants[0].Type)
	assert.True(t, grants[0].GrantedDate.Equal(mustDate(t, "2026-07-01")))
	assert.True(t, grants[0].ExpirationDate.Equal(mustDate(t, "2026-12-31")))
}

func TestAttendanceAward_SkipRules(t *testing.T) {
	f := newFixture(t)

	// One late in the prior quarter disqualifies.
	f.addSubject(t, "late-once", "2025-01-01")
	f.addAttendance(t, "late-once", "2026-04-06", false)
	f.addAttendance(t, "late-once", "2026-05-11", true)

	// No worked days at all also disqualifies.
	f.addSubject(t, "absent", "2025-01-01")

	job := &entitlement.AttendanceAwardJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-07-10"))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Granted)
	assert.Equal(t, 2, summary.Skipped)
}

// =============================================================================
// RUN MECHANICS
// =============================================================================

// flakyDirectory fails attendance lookups for one subject.
type flakyDirectory struct {
	entitlement.Directory
	failFor ledger.SubjectID
}

func (d flakyDirectory) AttendanceBetween(ctx context.Context, id ledger.SubjectID, from, to ledger.Date) (entitlement.AttendanceStats, error) {
	if id == d.failFor {
		return entitlement.AttendanceStats{}, errors.New("directory unavailable")
	}
	return d.Directory.AttendanceBetween(ctx, id, from, to)
}

func TestRun_SubjectFailureIsolated(t *testing.T) {
	// GIVEN: a directory that errors for one of two subjects
	// WHEN: the attendance award job runs
	// THEN: the healthy subject is still granted; the failure is counted

	f := newFixture(t)
	f.addSubject(t, "emp-ok", "2025-01-01")
	f.addAttendance(t, "emp-ok", "2026-04-06", false)
	f.addSubject(t, "emp-bad", "2025-01-01")
	f.addAttendance(t, "emp-bad", "2026-04-06", false)

	f.runner.Directory = flakyDirectory{Directory: f.store, failFor: "emp-bad"}

	job := &entitlement.AttendanceAwardJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-07-10"))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Evaluated)
	assert.Equal(t, 1, summary.Granted)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, f.grantsFor(t, "emp-ok"), 1)
	assert.Empty(t, f.grantsFor(t, "emp-bad"))
}

func TestRun_SummaryPersisted(t *testing.T) {
	f := newFixture(t)
	f.addSubject(t, "emp-1", "2026-05-15")

	job := &entitlement.MonthlyGrantJob{Runner: f.runner}
	_, err := job.Run(context.Background(), mustDate(t, "2026-08-15"))
	require.NoError(t, err)

	run, err := f.store.GetRun(context.Background(), job.Name(), mustDate(t, "2026-08-15"))
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, run.Evaluated)
	assert.Equal(t, 1, run.Granted)
}

func TestRun_SmallBatches(t *testing.T) {
	// Batch size smaller than the population still evaluates everyone.
	f := newFixture(t)
	f.runner.BatchSize = 2
	f.runner.Workers = 2
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.addSubject(t, id, "2026-05-15")
	}

	job := &entitlement.MonthlyGrantJob{Runner: f.runner}
	summary, err := job.Run(context.Background(), mustDate(t, "2026-08-15"))
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Evaluated)
	assert.Equal(t, 5, summary.Granted)
}

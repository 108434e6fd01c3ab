/*
directory.go - Subject master data, attendance, and job run summaries

PURPOSE:
  Implements entitlement.Directory and entitlement.RunStore. Subjects and
  attendance are reference data loaded by an administrative boundary; the
  grant jobs only read them.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/officehub/workflow-engine/entitlement"
	"github.com/officehub/workflow-engine/ledger"
)

// =============================================================================
// SUBJECTS (entitlement.Directory)
// =============================================================================

// SaveSubject upserts a subject record.
func (s *Store) SaveSubject(ctx context.Context, subject entitlement.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO subjects (id, name, hire_date, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hire_date = excluded.hire_date,
			active = excluded.active
	`
	_, err := s.base.db.ExecContext(ctx, query,
		string(subject.ID),
		subject.Name,
		subject.HireDate.String(),
		subject.Active,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save subject: %w", err)
	}
	return nil
}

// GetSubject returns a subject, or nil when unknown.
func (s *Store) GetSubject(ctx context.Context, id ledger.SubjectID) (*entitlement.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		subject  entitlement.Subject
		hireDate string
	)
	err := s.base.db.QueryRowContext(ctx,
		`SELECT id, name, hire_date, active FROM subjects WHERE id = ?`,
		string(id),
	).Scan(&subject.ID, &subject.Name, &hireDate, &subject.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	subject.HireDate, _ = ledger.ParseDate(hireDate)
	return &subject, nil
}

// ActiveSubjects lists subjects eligible for grant evaluation.
func (s *Store) ActiveSubjects(ctx context.Context) ([]entitlement.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.base.db.QueryContext(ctx,
		`SELECT id, name, hire_date, active FROM subjects WHERE active = TRUE ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []entitlement.Subject
	for rows.Next() {
		var (
			subject  entitlement.Subject
			hireDate string
		)
		if err := rows.Scan(&subject.ID, &subject.Name, &hireDate, &subject.Active); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subject.HireDate, _ = ledger.ParseDate(hireDate)
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// =============================================================================
// ATTENDANCE
// =============================================================================

// AttendanceDay is one recorded working day.
type AttendanceDay struct {
	SubjectID ledger.SubjectID
	Day       ledger.Date
	Late      bool
}

// RecordAttendance upserts one attendance day.
func (s *Store) RecordAttendance(ctx context.Context, rec AttendanceDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO attendance (subject_id, day, late, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject_id, day) DO UPDATE SET
			late = excluded.late
	`
	_, err := s.base.db.ExecContext(ctx, query,
		string(rec.SubjectID),
		rec.Day.String(),
		rec.Late,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record attendance: %w", err)
	}
	return nil
}

// AttendanceBetween aggregates worked days and lates over [from, to].
func (s *Store) AttendanceBetween(ctx context.Context, id ledger.SubjectID, from, to ledger.Date) (entitlement.AttendanceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats entitlement.AttendanceStats
	err := s.base.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN late THEN 1 ELSE 0 END), 0)
		FROM attendance
		WHERE subject_id = ? AND day >= ? AND day <= ?`,
		string(id), from.String(), to.String(),
	).Scan(&stats.WorkedDays, &stats.LateCount)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate attendance: %w", err)
	}
	return stats, nil
}

// =============================================================================
// JOB RUNS (entitlement.RunStore)
// =============================================================================

// SaveRun upserts the summary for a (job, business date) run. A re-run on
// the same date overwrites the previous summary.
func (s *Store) SaveRun(ctx context.Context, run entitlement.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO job_runs
		(job_name, business_date, started_at, finished_at, evaluated, granted, skipped, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_name, business_date) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			evaluated = excluded.evaluated,
			granted = excluded.granted,
			skipped = excluded.skipped,
			failed = excluded.failed
	`
	_, err := s.base.db.ExecContext(ctx, query,
		run.JobName,
		run.BusinessDate.String(),
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.Evaluated,
		run.Granted,
		run.Skipped,
		run.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

// GetRun returns the summary for a (job, business date), or nil.
func (s *Store) GetRun(ctx context.Context, jobName string, businessDate ledger.Date) (*entitlement.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		run        entitlement.RunSummary
		date       string
		startedAt  string
		finishedAt string
	)
	err := s.base.db.QueryRowContext(ctx, `
		SELECT job_name, business_date, started_at, finished_at, evaluated, granted, skipped, failed
		FROM job_runs WHERE job_name = ? AND business_date = ?`,
		jobName, businessDate.String(),
	).Scan(&run.JobName, &date, &startedAt, &finishedAt,
		&run.Evaluated, &run.Granted, &run.Skipped, &run.Failed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.BusinessDate, _ = ledger.ParseDate(date)
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)
	return &run, nil
}

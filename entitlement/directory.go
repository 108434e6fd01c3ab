/*
directory.go - Subject directory contract

PURPOSE:
  Read-only view of the people the grant jobs evaluate. The directory is
  owned elsewhere (HR master data); the jobs only need hire date, employment
  status, and attendance counts over a window.
*/
package entitlement

import (
	"context"

	"github.com/officehub/workflow-engine/ledger"
)

// Subject is the directory's view of one employee.
type Subject struct {
	ID       ledger.SubjectID
	Name     string
	HireDate ledger.Date
	Active   bool
}

// AttendanceStats aggregates a subject's attendance over a date window.
type AttendanceStats struct {
	WorkedDays int
	LateCount  int
}

// Directory exposes subject master data to the grant jobs. Implementations
// must be safe for concurrent use; jobs call AttendanceBetween from worker
// goroutines.
type Directory interface {
	// ActiveSubjects lists subjects eligible for evaluation.
	ActiveSubjects(ctx context.Context) ([]Subject, error)

	// AttendanceBetween aggregates attendance for the window [from, to],
	// both ends inclusive.
	AttendanceBetween(ctx context.Context, id ledger.SubjectID, from, to ledger.Date) (AttendanceStats, error)
}

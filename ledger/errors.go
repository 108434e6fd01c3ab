/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All ledger error types in one place. Callers branch with errors.Is/As;
  the api layer maps these onto HTTP statuses.

ERROR CATEGORIES:
  1. Accounting errors - insufficient balance, invalid amounts
  2. Idempotency errors - duplicate grant keys (expected on job re-runs)
  3. Integrity errors  - missing subject, malformed grant

SEE ALSO:
  - ledger.go: where these are produced
  - workflow/errors.go: the approval engine's error taxonomy
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a deduction cannot be covered
	// by the subject's non-expired grants. No partial postings are committed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateGrant is returned when a grant with the same
	// (subject, type, granted date) already exists. Expected on job re-runs.
	ErrDuplicateGrant = errors.New("duplicate grant")

	// ErrDuplicateUsage is returned by the store when a (document, grant)
	// usage pair already exists. The deduction routine treats the document
	// as already posted.
	ErrDuplicateUsage = errors.New("duplicate usage posting")

	// ErrInvalidAmount is returned for non-positive or non-half-day amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidGrant is returned for a malformed grant (expiration before
	// granted date). Fatal for that unit of work.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrSubjectNotFound is returned when a referenced subject doesn't exist.
	ErrSubjectNotFound = errors.New("subject not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports a balance shortage during deduction.
type InsufficientBalanceError struct {
	SubjectID SubjectID
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s, shortfall %s",
		e.SubjectID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input
// rather than a ledger fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrDuplicateGrant)
}

// IsIntegrityError returns true for malformed-data failures that should
// abort the unit of work but not a surrounding batch.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrInvalidGrant) ||
		errors.Is(err, ErrSubjectNotFound)
}

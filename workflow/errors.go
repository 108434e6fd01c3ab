/*
errors.go - Error taxonomy for the approval engine

PURPOSE:
  Every failed transition is rejected loudly, never silently ignored. The
  taxonomy mirrors what callers need to distinguish:

  - ErrNoPendingStep:  the actor holds no pending step on the document
    (already acted, wrong approver, or document no longer pending). This
    is the engine's sole authorization check.
  - ErrPrecondition:   the step or document left the expected state between
    read and write - the concurrent double-approval case. The caller must
    re-fetch and re-decide; the engine does not retry.
  - ErrDocumentNotFound / ErrEmptyRoute / ErrInvalidRoute: caller input.

SEE ALSO:
  - engine.go: where transitions produce these
  - ledger/errors.go: InsufficientBalance surfaced at submission
*/
package workflow

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoPendingStep is returned when the actor has no pending step on
	// the document. No state change.
	ErrNoPendingStep = errors.New("no pending step for actor")

	// ErrPrecondition is returned when a conditional update matched no row:
	// the step or document was concurrently resolved. No state change.
	ErrPrecondition = errors.New("precondition failed: state changed concurrently")

	// ErrDocumentNotFound is returned for an unknown document id.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrNotRequester is returned when someone other than the requester
	// tries to cancel a document.
	ErrNotRequester = errors.New("only the requester may cancel")

	// ErrEmptyRoute is returned when a submission has no approver stages.
	ErrEmptyRoute = errors.New("approval route is empty")

	// ErrInvalidRoute is returned for malformed routes (duplicate or blank
	// approvers within a stage).
	ErrInvalidRoute = errors.New("invalid approval route")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransitionError reports a rejected transition with the state that
// caused the rejection.
type TransitionError struct {
	DocumentID DocumentID
	Actor      ApproverID
	Action     string // "approve", "reject", "cancel", "delegate"
	Status     DocumentStatus
	Err        error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s by %s rejected (status %s): %v",
		e.Action, e.DocumentID, e.Actor, e.Status, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsAuthorization returns true when the actor was not entitled to act.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrNoPendingStep) || errors.Is(err, ErrNotRequester)
}

// IsRetryableByRefetch returns true when the caller should re-fetch the
// document and decide again.
func IsRetryableByRefetch(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

/*
store.go - Persistence contract for documents, steps, and the audit trail

PURPOSE:
  The engine's correctness under concurrent approvals rests entirely on this
  interface's conditional writes: every mutation names the state it expects
  (UPDATE ... WHERE status = 'pending') and reports ErrPrecondition when no
  row matched. There is no in-process locking.

CONDITIONAL UPDATE CONTRACT:
  MarkStepApproved / MarkStepRejected / SetDelegate only touch a step that
  is still pending. SetDocumentState only moves a document out of the
  status the caller last observed. "No matching row" is never silent - it
  surfaces as ErrPrecondition so the caller can re-fetch.

AUDIT:
  Append-only audit entries record actor, action, and the old/new status of
  every transition.

SEE ALSO:
  - engine.go: runs transition sequences inside WithTx
  - store/sqlite: the implementation
*/
package workflow

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// CreateDocument persists the document and its bulk-expanded steps
	// atomically.
	CreateDocument(ctx context.Context, doc Document, steps []Step) error

	// GetDocument returns a document, or nil when unknown.
	GetDocument(ctx context.Context, id DocumentID) (*Document, error)

	// StepsByDocument returns all steps ordered by ord, then insertion.
	StepsByDocument(ctx context.Context, id DocumentID) ([]Step, error)

	// PendingStepForActor returns the pending step on the document that the
	// actor may resolve (as approver or delegate), or nil if none. This is
	// the engine's authorization check and is re-run transactionally.
	PendingStepForActor(ctx context.Context, id DocumentID, actor ApproverID) (*Step, error)

	// MarkStepApproved sets a pending step to approved and stamps the time.
	// Returns ErrPrecondition if the step is no longer pending.
	MarkStepApproved(ctx context.Context, stepID StepID, at time.Time) error

	// MarkStepRejected sets a pending step to rejected.
	// Returns ErrPrecondition if the step is no longer pending.
	MarkStepRejected(ctx context.Context, stepID StepID, at time.Time) error

	// ActivateSteps promotes the waiting steps at the given order to
	// pending and returns how many were promoted.
	ActivateSteps(ctx context.Context, id DocumentID, ord int) (int, error)

	// SetDocumentState moves a document from an expected status to a new
	// one, updating the current step ordinal and approval time. Returns
	// ErrPrecondition if the document is not in the expected status.
	SetDocumentState(ctx context.Context, id DocumentID, expect, next DocumentStatus, currentStep *int, approvedAt *time.Time) error

	// SetDelegate records a delegate on a pending step without changing
	// its status or approver-of-record.
	// Returns ErrPrecondition if the step is no longer pending.
	SetDelegate(ctx context.Context, stepID StepID, delegate ApproverID) error

	// AppendAudit records a transition. Append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// AuditByDocument returns the audit trail for a document,
	// chronologically.
	AuditByDocument(ctx context.Context, id DocumentID) ([]AuditEntry, error)
}

// TxStore wraps Store with transaction support so a full transition
// (step update, agreement check, document advance) commits or fails as one.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditSubmitted       AuditAction = "document_submitted"
	AuditStepApproved    AuditAction = "step_approved"
	AuditStepRejected    AuditAction = "step_rejected"
	AuditStepActivated   AuditAction = "step_activated"
	AuditStepDelegated   AuditAction = "step_delegated"
	AuditDocApproved     AuditAction = "document_approved"
	AuditDocRejected     AuditAction = "document_rejected"
	AuditDocCancelled    AuditAction = "document_cancelled"
	AuditDeductionFailed AuditAction = "deduction_failed"
)

// AuditEntry records who did what when, with the status transition.
type AuditEntry struct {
	ID         string
	At         time.Time
	ActorID    string
	Action     AuditAction
	DocumentID DocumentID
	StepID     StepID // empty for document-level entries
	OldStatus  string
	NewStatus  string
	Note       string
}

/*
engine.go - Approval transitions

PURPOSE:
  Implements the four transitions of the state machine: submit, approve,
  reject, cancel (plus delegate, which changes the effective actor without
  changing state). Each transition is one short-lived operation; concurrent
  callers racing on the same step are resolved by the store's conditional
  updates, not by in-process locking.

TRANSITION SHAPE:
  Every mutating call follows the same pattern:
  1. Open a transaction
  2. Re-verify the precondition inside it (pending document, pending step
     addressed to the actor)
  3. Apply conditional updates; zero rows matched => ErrPrecondition
  4. Commit; only then fire notifications and the ledger deduction

ADVANCEMENT RULE:
  After an approval, re-read all steps sharing the resolved order. Any
  unresolved sibling keeps the document where it is (agreement). When the
  order is fully approved: a last order terminates the document, otherwise
  the waiting steps at the next order are promoted to pending.

DEDUCTION POLICY:
  A failed ledger deduction after final approval does NOT roll the approval
  back. The failure is logged and recorded in the audit trail for
  administrative reconciliation; losing an already-granted approval is
  considered worse than a temporary entitlement divergence.

SEE ALSO:
  - types.go: state model and route expansion
  - ledger/ledger.go: the deduction invoked on final approval
*/
package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/officehub/workflow-engine/ledger"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    TxStore
	ledger   *ledger.Ledger
	notifier Notifier
}

func NewEngine(store TxStore, led *ledger.Ledger, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Engine{store: store, ledger: led, notifier: notifier}
}

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitInput is the gateway contract for creating a document.
type SubmitInput struct {
	Type              DocumentType
	SubjectID         ledger.SubjectID
	Route             []RouteStage
	EntitlementAmount ledger.Amount
	EffectiveDate     ledger.Date
	Reason            string
}

// Submit creates a document with its bulk-expanded steps. The route's first
// order starts pending, everything later waits. When the document carries an
// entitlement cost, the subject's available balance as of the effective date
// is validated here; the actual deduction happens on final approval.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*Document, error) {
	if in.EntitlementAmount.IsNegative() {
		return nil, fmt.Errorf("%w: entitlement amount %s", ledger.ErrInvalidAmount, in.EntitlementAmount)
	}
	if in.EntitlementAmount.IsPositive() && !in.EntitlementAmount.IsHalfDayAligned() {
		return nil, fmt.Errorf("%w: entitlement amount %s is not half-day aligned",
			ledger.ErrInvalidAmount, in.EntitlementAmount)
	}

	if in.EntitlementAmount.IsPositive() {
		// Checked against the effective date: the eventual deduction posts
		// there, so grants expiring in between must not count.
		available, err := e.ledger.AvailableBalance(ctx, in.SubjectID, in.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("failed to check balance: %w", err)
		}
		if available.LessThan(in.EntitlementAmount) {
			return nil, &ledger.InsufficientBalanceError{
				SubjectID: in.SubjectID,
				Available: available,
				Requested: in.EntitlementAmount,
				Shortfall: in.EntitlementAmount.Sub(available),
			}
		}
	}

	now := time.Now().UTC()
	firstOrd := 1
	doc := Document{
		ID:                DocumentID(uuid.NewString()),
		SubjectID:         in.SubjectID,
		Type:              in.Type,
		Status:            DocumentPending,
		CurrentStep:       &firstOrd,
		EntitlementAmount: in.EntitlementAmount,
		EffectiveDate:     in.EffectiveDate,
		Reason:            in.Reason,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	steps, err := ExpandRoute(doc.ID, in.Route, now)
	if err != nil {
		return nil, err
	}

	err = e.store.WithTx(ctx, func(s Store) error {
		if err := s.CreateDocument(ctx, doc, steps); err != nil {
			return err
		}
		return s.AppendAudit(ctx, AuditEntry{
			ID:         uuid.NewString(),
			At:         now,
			ActorID:    string(in.SubjectID),
			Action:     AuditSubmitted,
			DocumentID: doc.ID,
			NewStatus:  string(DocumentPending),
		})
	})
	if err != nil {
		return nil, err
	}

	e.notifier.StepActivated(doc, firstOrd, in.Route[0].Approvers)
	return &doc, nil
}

// =============================================================================
// APPROVE
// =============================================================================

// ApproveResult reports the document state after an approval.
type ApproveResult struct {
	Status      DocumentStatus
	IsFinal     bool
	CurrentStep *int // nil when terminal
}

// Approve resolves the actor's pending step. The document advances past the
// step's order only once every sibling at that order is approved; a last
// order terminates the document and triggers the ledger deduction.
//
// The pending-step lookup is the sole authorization check and is performed
// inside the transaction, so two near-simultaneous approvals of one step
// resolve to exactly one success and one ErrPrecondition/ErrNoPendingStep.
func (e *Engine) Approve(ctx context.Context, docID DocumentID, actor ApproverID) (*ApproveResult, error) {
	var (
		doc       Document
		final     bool
		nextOrd   int
		activated []ApproverID
	)

	err := e.store.WithTx(ctx, func(s Store) error {
		d, step, err := e.pendingStepFor(ctx, s, docID, actor, "approve")
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := s.MarkStepApproved(ctx, step.ID, now); err != nil {
			return err
		}
		if err := s.AppendAudit(ctx, AuditEntry{
			ID: uuid.NewString(), At: now, ActorID: string(actor),
			Action: AuditStepApproved, DocumentID: docID, StepID: step.ID,
			OldStatus: string(StepPending), NewStatus: string(StepApproved),
		}); err != nil {
			return err
		}

		// Agreement rule: re-read the siblings; any unresolved step at this
		// order keeps the document in place.
		steps, err := s.StepsByDocument(ctx, docID)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if st.Ord == step.Ord && st.Status != StepApproved {
				doc = *d
				return nil
			}
		}

		if step.IsLast {
			if err := s.SetDocumentState(ctx, docID, DocumentPending, DocumentApproved, nil, &now); err != nil {
				return err
			}
			if err := s.AppendAudit(ctx, AuditEntry{
				ID: uuid.NewString(), At: now, ActorID: string(actor),
				Action: AuditDocApproved, DocumentID: docID,
				OldStatus: string(DocumentPending), NewStatus: string(DocumentApproved),
			}); err != nil {
				return err
			}
			final = true
			d.Status = DocumentApproved
			d.CurrentStep = nil
			d.ApprovedAt = &now
			doc = *d
			return nil
		}

		next := nextOrder(steps, step.Ord)
		if next == 0 {
			return fmt.Errorf("document %s: step %d is not last but no later order exists", docID, step.Ord)
		}

		// Activation is idempotent: a re-run that finds nothing waiting at
		// the order is not an error.
		if _, err := s.ActivateSteps(ctx, docID, next); err != nil {
			return err
		}
		if err := s.SetDocumentState(ctx, docID, DocumentPending, DocumentPending, &next, nil); err != nil {
			return err
		}
		if err := s.AppendAudit(ctx, AuditEntry{
			ID: uuid.NewString(), At: now, ActorID: string(actor),
			Action: AuditStepActivated, DocumentID: docID,
			OldStatus: string(DocumentPending), NewStatus: string(DocumentPending),
			Note: fmt.Sprintf("order %d activated", next),
		}); err != nil {
			return err
		}

		nextOrd = next
		for _, st := range steps {
			if st.Ord == next {
				activated = append(activated, st.ApproverID)
			}
		}
		d.CurrentStep = &next
		doc = *d
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Post-commit effects: notification and the ledger deduction. The
	// approval above already committed; a deduction failure is surfaced to
	// the audit trail, not rolled back.
	if final {
		e.notifier.DocumentApproved(doc)
		if doc.HasEntitlementCost() {
			if derr := e.ledger.Deduct(ctx, string(doc.ID), doc.SubjectID, doc.EntitlementAmount, doc.EffectiveDate); derr != nil {
				log.Printf("[Engine] deduction for document %s failed, needs reconciliation: %v", doc.ID, derr)
				if aerr := e.store.AppendAudit(ctx, AuditEntry{
					ID: uuid.NewString(), At: time.Now().UTC(), ActorID: "system",
					Action: AuditDeductionFailed, DocumentID: doc.ID,
					OldStatus: string(DocumentApproved), NewStatus: string(DocumentApproved),
					Note: derr.Error(),
				}); aerr != nil {
					log.Printf("[Engine] failed to record deduction failure for %s: %v", doc.ID, aerr)
				}
			}
		}
	} else if nextOrd > 0 {
		e.notifier.StepActivated(doc, nextOrd, activated)
	}

	return &ApproveResult{Status: doc.Status, IsFinal: final, CurrentStep: doc.CurrentStep}, nil
}

// =============================================================================
// REJECT
// =============================================================================

// Reject resolves the actor's pending step as rejected and terminates the
// document. Sibling and later steps are left untouched as historical record.
func (e *Engine) Reject(ctx context.Context, docID DocumentID, actor ApproverID, reason string) (*ApproveResult, error) {
	var doc Document

	err := e.store.WithTx(ctx, func(s Store) error {
		d, step, err := e.pendingStepFor(ctx, s, docID, actor, "reject")
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := s.MarkStepRejected(ctx, step.ID, now); err != nil {
			return err
		}
		if err := s.SetDocumentState(ctx, docID, DocumentPending, DocumentRejected, nil, nil); err != nil {
			return err
		}
		for _, entry := range []AuditEntry{
			{
				ID: uuid.NewString(), At: now, ActorID: string(actor),
				Action: AuditStepRejected, DocumentID: docID, StepID: step.ID,
				OldStatus: string(StepPending), NewStatus: string(StepRejected), Note: reason,
			},
			{
				ID: uuid.NewString(), At: now, ActorID: string(actor),
				Action: AuditDocRejected, DocumentID: docID,
				OldStatus: string(DocumentPending), NewStatus: string(DocumentRejected), Note: reason,
			},
		} {
			if err := s.AppendAudit(ctx, entry); err != nil {
				return err
			}
		}

		d.Status = DocumentRejected
		d.CurrentStep = nil
		doc = *d
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifier.DocumentRejected(doc, actor, reason)
	return &ApproveResult{Status: doc.Status, IsFinal: true, CurrentStep: nil}, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel terminates a pending document at the requester's initiative. No
// ledger effect; nothing was deducted yet.
func (e *Engine) Cancel(ctx context.Context, docID DocumentID, requester ledger.SubjectID) (*ApproveResult, error) {
	err := e.store.WithTx(ctx, func(s Store) error {
		d, err := s.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		if d == nil {
			return ErrDocumentNotFound
		}
		if d.SubjectID != requester {
			return &TransitionError{DocumentID: docID, Actor: ApproverID(requester),
				Action: "cancel", Status: d.Status, Err: ErrNotRequester}
		}
		if err := s.SetDocumentState(ctx, docID, DocumentPending, DocumentCancelled, nil, nil); err != nil {
			return err
		}
		return s.AppendAudit(ctx, AuditEntry{
			ID: uuid.NewString(), At: time.Now().UTC(), ActorID: string(requester),
			Action: AuditDocCancelled, DocumentID: docID,
			OldStatus: string(DocumentPending), NewStatus: string(DocumentCancelled),
		})
	})
	if err != nil {
		return nil, err
	}
	return &ApproveResult{Status: DocumentCancelled, IsFinal: true, CurrentStep: nil}, nil
}

// =============================================================================
// DELEGATE
// =============================================================================

// Delegate replaces the effective actor for the approver's pending step.
// The approver-of-record is kept for audit; status and order are unchanged.
// Only the approver of record may delegate.
func (e *Engine) Delegate(ctx context.Context, docID DocumentID, approver, delegate ApproverID) error {
	return e.store.WithTx(ctx, func(s Store) error {
		d, step, err := e.pendingStepFor(ctx, s, docID, approver, "delegate")
		if err != nil {
			return err
		}
		if step.ApproverID != approver {
			return &TransitionError{DocumentID: docID, Actor: approver,
				Action: "delegate", Status: d.Status, Err: ErrNoPendingStep}
		}
		if err := s.SetDelegate(ctx, step.ID, delegate); err != nil {
			return err
		}
		return s.AppendAudit(ctx, AuditEntry{
			ID: uuid.NewString(), At: time.Now().UTC(), ActorID: string(approver),
			Action: AuditStepDelegated, DocumentID: docID, StepID: step.ID,
			OldStatus: string(StepPending), NewStatus: string(StepPending),
			Note: "delegated to " + string(delegate),
		})
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// Status returns the document and its steps.
func (e *Engine) Status(ctx context.Context, docID DocumentID) (*Document, []Step, error) {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, ErrDocumentNotFound
	}
	steps, err := e.store.StepsByDocument(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	return doc, steps, nil
}

// Audit returns the document's audit trail.
func (e *Engine) Audit(ctx context.Context, docID DocumentID) ([]AuditEntry, error) {
	return e.store.AuditByDocument(ctx, docID)
}

// =============================================================================
// HELPERS
// =============================================================================

// pendingStepFor loads the document and the actor's pending step, producing
// the taxonomy errors for every way the precondition can fail.
func (e *Engine) pendingStepFor(ctx context.Context, s Store, docID DocumentID, actor ApproverID, action string) (*Document, *Step, error) {
	d, err := s.GetDocument(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	if d == nil {
		return nil, nil, ErrDocumentNotFound
	}
	if d.Status != DocumentPending {
		return nil, nil, &TransitionError{DocumentID: docID, Actor: actor,
			Action: action, Status: d.Status, Err: ErrNoPendingStep}
	}
	step, err := s.PendingStepForActor(ctx, docID, actor)
	if err != nil {
		return nil, nil, err
	}
	if step == nil {
		return nil, nil, &TransitionError{DocumentID: docID, Actor: actor,
			Action: action, Status: d.Status, Err: ErrNoPendingStep}
	}
	return d, step, nil
}

// nextOrder returns the smallest order greater than ord, or 0 when none.
func nextOrder(steps []Step, ord int) int {
	next := 0
	for _, st := range steps {
		if st.Ord > ord && (next == 0 || st.Ord < next) {
			next = st.Ord
		}
	}
	return next
}

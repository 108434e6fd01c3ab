/*
Package workflow implements the approval step state machine.

PURPOSE:
  Drives a Document (an approvable request) through a flat ordered sequence
  of Steps to a terminal state, and triggers the ledger deduction exactly
  once on final approval.

KEY CONCEPTS IN THIS FILE (types.go):
  - Document: the approvable request with status and current step ordinal
  - Step: one approval checkpoint; several Steps can share an order, which
    models "all approvers at this rank must agree"
  - RouteStage: the submission-time description of one order - either a
    single approver or an agreement group

STATE MODEL:
  Document: pending -> approved | rejected | cancelled (terminal)
  Step:     waiting -> pending -> approved | rejected

  INVARIANT: a Document's status is terminal if and only if its current
  step ordinal is nil. Exactly the Steps at the lowest unresolved order are
  pending; everything below is approved, everything above is waiting.

AGREEMENT SEMANTICS:
  Agreement is structural: an order with three Step rows advances only when
  all three are approved. A single-mode order is simply an order with one
  row, so the advancement rule never branches on mode.

SEE ALSO:
  - engine.go: the transitions
  - store.go: conditional-update persistence contract
*/
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/officehub/workflow-engine/ledger"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DocumentID string
type StepID string
type ApproverID string

type DocumentType string

const (
	DocLeave    DocumentType = "leave"
	DocOvertime DocumentType = "overtime"
	DocExpense  DocumentType = "expense"
)

// =============================================================================
// DOCUMENT - An approvable request
// =============================================================================

type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "draft"
	DocumentPending   DocumentStatus = "pending"
	DocumentApproved  DocumentStatus = "approved"
	DocumentRejected  DocumentStatus = "rejected"
	DocumentCancelled DocumentStatus = "cancelled"
)

// Document is an approvable request. Created on submission, mutated only by
// the Engine, never deleted - terminal transitions supersede it.
type Document struct {
	ID        DocumentID
	SubjectID ledger.SubjectID
	Type      DocumentType
	Status    DocumentStatus

	// CurrentStep is the ordinal of the active order, nil when terminal.
	CurrentStep *int

	// EntitlementAmount is the ledger cost charged on final approval.
	// Zero for document types that carry no entitlement cost.
	EntitlementAmount ledger.Amount

	// EffectiveDate is the business date the entitlement is consumed on.
	EffectiveDate ledger.Date

	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ApprovedAt *time.Time
}

// Terminal reports whether the document reached a final state.
func (d Document) Terminal() bool {
	switch d.Status {
	case DocumentApproved, DocumentRejected, DocumentCancelled:
		return true
	}
	return false
}

// CheckInvariant verifies: status terminal <=> current step nil.
func (d Document) CheckInvariant() error {
	if d.Terminal() != (d.CurrentStep == nil) {
		return fmt.Errorf("document %s violates terminal/current-step invariant: status=%s current_step=%v",
			d.ID, d.Status, d.CurrentStep)
	}
	return nil
}

// HasEntitlementCost reports whether final approval must post a deduction.
func (d Document) HasEntitlementCost() bool {
	return d.EntitlementAmount.IsPositive()
}

// =============================================================================
// STEP - One approval checkpoint
// =============================================================================

type StepMode string

const (
	ModeSingle    StepMode = "single"
	ModeAgreement StepMode = "agreement"
)

type StepStatus string

const (
	StepWaiting  StepStatus = "waiting"
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
)

// Step is one approval checkpoint. Multiple Steps may share an order
// (agreement mode). Immutable once the Document is terminal.
type Step struct {
	ID         StepID
	DocumentID DocumentID
	Ord        int // 1..N, shared within an agreement order
	ApproverID ApproverID

	// DelegateID, when set, is an alternate actor allowed to resolve the
	// step. The approver-of-record is kept for audit.
	DelegateID *ApproverID

	Mode   StepMode
	Status StepStatus

	// IsLast is true for the step(s) at the maximum order.
	IsLast bool

	ApprovedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActorMatches reports whether the actor may resolve this step, either as
// the approver of record or as the delegate.
func (s Step) ActorMatches(actor ApproverID) bool {
	if s.ApproverID == actor {
		return true
	}
	return s.DelegateID != nil && *s.DelegateID == actor
}

// =============================================================================
// ROUTE - Submission-time step topology
// =============================================================================

// RouteStage describes one order of the route: one approver (single mode)
// or several who must all agree (agreement mode).
type RouteStage struct {
	Approvers []ApproverID
}

func Single(approver ApproverID) RouteStage {
	return RouteStage{Approvers: []ApproverID{approver}}
}

func Agreement(approvers ...ApproverID) RouteStage {
	return RouteStage{Approvers: approvers}
}

func (rs RouteStage) Mode() StepMode {
	if len(rs.Approvers) > 1 {
		return ModeAgreement
	}
	return ModeSingle
}

// ExpandRoute bulk-creates the Step rows for a route: stage position becomes
// the order, the first order starts pending, everything later waits.
func ExpandRoute(docID DocumentID, route []RouteStage, now time.Time) ([]Step, error) {
	if len(route) == 0 {
		return nil, ErrEmptyRoute
	}

	var steps []Step
	for i, stage := range route {
		if len(stage.Approvers) == 0 {
			return nil, fmt.Errorf("%w: stage %d has no approvers", ErrEmptyRoute, i+1)
		}
		seen := make(map[ApproverID]bool, len(stage.Approvers))
		for _, approver := range stage.Approvers {
			if approver == "" {
				return nil, fmt.Errorf("%w: stage %d has an empty approver id", ErrInvalidRoute, i+1)
			}
			if seen[approver] {
				return nil, fmt.Errorf("%w: approver %s appears twice in stage %d", ErrInvalidRoute, approver, i+1)
			}
			seen[approver] = true

			status := StepWaiting
			if i == 0 {
				status = StepPending
			}
			steps = append(steps, Step{
				ID:         StepID(uuid.NewString()),
				DocumentID: docID,
				Ord:        i + 1,
				ApproverID: approver,
				Mode:       stage.Mode(),
				Status:     status,
				IsLast:     i == len(route)-1,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
	}
	return steps, nil
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the external API contract, decoupled from the domain
  types so the wire format can evolve without touching the engine or the
  ledger. Dates cross the wire as "2006-01-02", amounts as decimal strings.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

VALIDATION:
  Handlers validate; DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: parsing and mapping
*/
package api

import (
	"time"

	"github.com/officehub/workflow-engine/entitlement"
	"github.com/officehub/workflow-engine/ledger"
	"github.com/officehub/workflow-engine/workflow"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// RouteStageRequest is one approval order; multiple approvers means all of
// them must agree before the document advances.
type RouteStageRequest struct {
	Approvers []string `json:"approvers"`
}

// SubmitDocumentRequest creates a document and its approval route.
type SubmitDocumentRequest struct {
	SubjectID     string              `json:"subject_id"`
	Type          string              `json:"type"`
	Amount        string              `json:"amount"`
	EffectiveDate string              `json:"effective_date"`
	Reason        string              `json:"reason"`
	Route         []RouteStageRequest `json:"route"`
}

// ActionRequest carries the acting approver for approve/reject calls.
type ActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// CancelRequest identifies the requester cancelling their own document.
type CancelRequest struct {
	SubjectID string `json:"subject_id"`
}

// DelegateRequest reassigns the effective actor of a pending step.
type DelegateRequest struct {
	Approver string `json:"approver"`
	Delegate string `json:"delegate"`
}

// StepDTO represents one approval checkpoint in responses.
type StepDTO struct {
	ID         string  `json:"id"`
	Ord        int     `json:"ord"`
	ApproverID string  `json:"approver_id"`
	DelegateID *string `json:"delegate_id,omitempty"`
	Mode       string  `json:"mode"`
	Status     string  `json:"status"`
	IsLast     bool    `json:"is_last"`
	ApprovedAt *string `json:"approved_at,omitempty"`
}

// DocumentDTO represents a document in responses.
type DocumentDTO struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"subject_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	CurrentStep   *int      `json:"current_step"`
	Amount        string    `json:"amount"`
	EffectiveDate string    `json:"effective_date"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     string    `json:"created_at"`
	ApprovedAt    *string   `json:"approved_at,omitempty"`
	Steps         []StepDTO `json:"steps,omitempty"`
}

// AuditEntryDTO is one audit trail record.
type AuditEntryDTO struct {
	At        string `json:"at"`
	ActorID   string `json:"actor_id"`
	Action    string `json:"action"`
	StepID    string `json:"step_id,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Note      string `json:"note,omitempty"`
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

// BalanceDTO is the subject's cached balance.
type BalanceDTO struct {
	SubjectID string `json:"subject_id"`
	Total     string `json:"total"`
	Used      string `json:"used"`
	Remaining string `json:"remaining"`
	AsOf      string `json:"as_of"`
}

// GrantDTO represents one entitlement grant. Expired is evaluated against
// today: expired grants stay in the history but no longer allocate.
type GrantDTO struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Amount           string            `json:"amount"`
	GrantedDate      string            `json:"granted_date"`
	ExpirationDate   string            `json:"expiration_date"`
	Expired          bool              `json:"expired"`
	CalculationBasis map[string]string `json:"calculation_basis,omitempty"`
}

// UsageDTO represents one posting against a grant.
type UsageDTO struct {
	DocumentID string `json:"document_id"`
	GrantID    string `json:"grant_id"`
	Amount     string `json:"amount"`
	UsedDate   string `json:"used_date"`
}

// ManualGrantRequest inserts an administrative grant.
type ManualGrantRequest struct {
	SubjectID      string `json:"subject_id"`
	Amount         string `json:"amount"`
	GrantedDate    string `json:"granted_date"`
	ExpirationDate string `json:"expiration_date"`
	Reason         string `json:"reason"`
	Actor          string `json:"actor"`
}

// ManualDeductRequest posts an administrative deduction.
type ManualDeductRequest struct {
	SubjectID string `json:"subject_id"`
	Amount    string `json:"amount"`
	UsedDate  string `json:"used_date"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
}

// =============================================================================
// SUBJECT / ATTENDANCE TYPES
// =============================================================================

// SubjectDTO represents an employee record.
type SubjectDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	HireDate string `json:"hire_date"`
	Active   bool   `json:"active"`
}

// AttendanceRequest records one working day.
type AttendanceRequest struct {
	SubjectID string `json:"subject_id"`
	Day       string `json:"day"`
	Late      bool   `json:"late"`
}

// =============================================================================
// JOB TYPES
// =============================================================================

// RunJobRequest triggers a grant job for a business date (default today).
type RunJobRequest struct {
	Date string `json:"date,omitempty"`
}

// RunSummaryDTO reports one job run.
type RunSummaryDTO struct {
	JobName      string `json:"job_name"`
	BusinessDate string `json:"business_date"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
	Evaluated    int    `json:"evaluated"`
	Granted      int    `json:"granted"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toDocumentDTO(doc *workflow.Document, steps []workflow.Step) DocumentDTO {
	dto := DocumentDTO{
		ID:            string(doc.ID),
		SubjectID:     string(doc.SubjectID),
		Type:          string(doc.Type),
		Status:        string(doc.Status),
		CurrentStep:   doc.CurrentStep,
		Amount:        doc.EntitlementAmount.String(),
		EffectiveDate: doc.EffectiveDate.String(),
		Reason:        doc.Reason,
		CreatedAt:     doc.CreatedAt.Format(time.RFC3339),
	}
	if doc.ApprovedAt != nil {
		s := doc.ApprovedAt.Format(time.RFC3339)
		dto.ApprovedAt = &s
	}
	for _, step := range steps {
		dto.Steps = append(dto.Steps, toStepDTO(step))
	}
	return dto
}

func toStepDTO(step workflow.Step) StepDTO {
	dto := StepDTO{
		ID:         string(step.ID),
		Ord:        step.Ord,
		ApproverID: string(step.ApproverID),
		Mode:       string(step.Mode),
		Status:     string(step.Status),
		IsLast:     step.IsLast,
	}
	if step.DelegateID != nil {
		s := string(*step.DelegateID)
		dto.DelegateID = &s
	}
	if step.ApprovedAt != nil {
		s := step.ApprovedAt.Format(time.RFC3339)
		dto.ApprovedAt = &s
	}
	return dto
}

func toBalanceDTO(b *ledger.Balance) BalanceDTO {
	return BalanceDTO{
		SubjectID: string(b.SubjectID),
		Total:     b.Total.String(),
		Used:      b.Used.String(),
		Remaining: b.Remaining.String(),
		AsOf:      b.AsOf.String(),
	}
}

func toGrantDTO(g ledger.Grant) GrantDTO {
	return GrantDTO{
		ID:               string(g.ID),
		Type:             string(g.Type),
		Amount:           g.Amount.String(),
		GrantedDate:      g.GrantedDate.String(),
		ExpirationDate:   g.ExpirationDate.String(),
		Expired:          g.Expired(ledger.Today()),
		CalculationBasis: g.CalculationBasis,
	}
}

func toUsageDTO(u ledger.Usage) UsageDTO {
	return UsageDTO{
		DocumentID: u.DocumentID,
		GrantID:    string(u.GrantID),
		Amount:     u.Amount.String(),
		UsedDate:   u.UsedDate.String(),
	}
}

func toRunSummaryDTO(r *entitlement.RunSummary) RunSummaryDTO {
	return RunSummaryDTO{
		JobName:      r.JobName,
		BusinessDate: r.BusinessDate.String(),
		StartedAt:    r.StartedAt.Format(time.RFC3339),
		FinishedAt:   r.FinishedAt.Format(time.RFC3339),
		Evaluated:    r.Evaluated,
		Granted:      r.Granted,
		Skipped:      r.Skipped,
		Failed:       r.Failed,
	}
}

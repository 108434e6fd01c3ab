/*
handlers.go - HTTP handlers for documents, balances, and grant jobs

PURPOSE:
  Exposes the approval engine and the ledger over REST. Handlers parse and
  validate the wire format, delegate to domain logic, and map domain errors
  to HTTP status codes.

ENDPOINTS:
  Documents:
    POST   /api/documents                 Submit with approval route
    GET    /api/documents/{id}            Document with steps
    GET    /api/documents/{id}/audit      Audit trail
    POST   /api/documents/{id}/approve    Approve pending step
    POST   /api/documents/{id}/reject     Reject pending step
    POST   /api/documents/{id}/cancel     Requester cancels
    POST   /api/documents/{id}/delegate   Delegate pending step

  Subjects:
    POST   /api/subjects                  Create/update subject
    GET    /api/subjects                  List active subjects
    GET    /api/subjects/{id}             Subject record
    GET    /api/subjects/{id}/balance     Cached balance
    GET    /api/subjects/{id}/grants      Grant history
    GET    /api/subjects/{id}/usages      Usage history
    POST   /api/subjects/{id}/attendance  Record one attendance day

  Admin:
    POST   /api/admin/grants              Manual grant
    POST   /api/admin/deductions          Manual deduction
    POST   /api/admin/jobs/{name}/run     Trigger a grant job
    GET    /api/admin/jobs/{name}/runs/{date}  Run summary

ERROR HANDLING:
  - 400: malformed input, invalid amounts or routes
  - 403: actor holds no pending step / not the requester
  - 404: unknown document or subject
  - 409: precondition failed (already acted), duplicates
  - 422: insufficient balance
  - 500: everything else

SECURITY NOTE:
  No authentication; the caller boundary is expected to sit behind a
  gateway that authenticates and authorizes actors.

SEE ALSO:
  - dto.go: wire types
  - server.go: routing
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/officehub/workflow-engine/entitlement"
	"github.com/officehub/workflow-engine/ledger"
	"github.com/officehub/workflow-engine/store/sqlite"
	"github.com/officehub/workflow-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Engine *workflow.Engine
	Ledger *ledger.Ledger
	Jobs   map[string]entitlement.Job
}

// NewHandler wires the handler with its domain dependencies.
func NewHandler(store *sqlite.Store, engine *workflow.Engine, led *ledger.Ledger, jobs []entitlement.Job) *Handler {
	byName := make(map[string]entitlement.Job, len(jobs))
	for _, job := range jobs {
		byName[job.Name()] = job
	}
	return &Handler{Store: store, Engine: engine, Ledger: led, Jobs: byName}
}

// =============================================================================
// DOCUMENT HANDLERS
// =============================================================================

// SubmitDocument creates a document with its approval route.
func (h *Handler) SubmitDocument(w http.ResponseWriter, r *http.Request) {
	var req SubmitDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "subject_id is required", nil)
		return
	}

	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	effective, err := ledger.ParseDate(req.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_date", err)
		return
	}

	route := make([]workflow.RouteStage, 0, len(req.Route))
	for _, stage := range req.Route {
		approvers := make([]workflow.ApproverID, 0, len(stage.Approvers))
		for _, a := range stage.Approvers {
			approvers = append(approvers, workflow.ApproverID(a))
		}
		route = append(route, workflow.RouteStage{Approvers: approvers})
	}

	doc, err := h.Engine.Submit(r.Context(), workflow.SubmitInput{
		Type:              workflow.DocumentType(req.Type),
		SubjectID:         ledger.SubjectID(req.SubjectID),
		Route:             route,
		EntitlementAmount: amount,
		EffectiveDate:     effective,
		Reason:            req.Reason,
	})
	if err != nil {
		writeDomainError(w, "Failed to submit document", err)
		return
	}

	_, steps, err := h.Engine.Status(r.Context(), doc.ID)
	if err != nil {
		writeJSON(w, http.StatusCreated, toDocumentDTO(doc, nil))
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc, steps))
}

// GetDocument returns a document with its steps.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := workflow.DocumentID(chi.URLParam(r, "id"))
	doc, steps, err := h.Engine.Status(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load document", err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc, steps))
}

// GetDocumentAudit returns the audit trail.
func (h *Handler) GetDocumentAudit(w http.ResponseWriter, r *http.Request) {
	id := workflow.DocumentID(chi.URLParam(r, "id"))
	entries, err := h.Engine.Audit(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load audit trail", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			At:        e.At.Format(time.RFC3339),
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			StepID:    string(e.StepID),
			OldStatus: e.OldStatus,
			NewStatus: e.NewStatus,
			Note:      e.Note,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveDocument resolves the actor's pending step.
func (h *Handler) ApproveDocument(w http.ResponseWriter, r *http.Request) {
	id := workflow.DocumentID(chi.URLParam(r, "id"))
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required", nil)
		return
	}

	result, err := h.Engine.Approve(r.Context(), id, workflow.ApproverID(req.Actor))
	if err != nil {
		writeDomainError(w, "Failed to approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       string(result.Status),
		"is_final":     result.IsFinal,
		"current_step": result.CurrentStep,
	})
}

// RejectDocument rejects the actor's pending step and terminates the
// document.
func (h *Handler) RejectDocument(w http.ResponseWriter, r *http.Request) {
	id := workflow.DocumentID(chi.URLParam(r, "id"))
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required", nil)
		return
	}

	result, err := h.Engine.Reject(r.Context(), id, workflow.ApproverID(req.Actor), req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to reject", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(result.Status)})
}

// CancelDocument lets the requester withdraw a pending document.
func (h *Handler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	id := workflow.DocumentID(chi.URLParam(r, "id"))
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.Cancel(r.Context(), id, ledger.SubjectID(req.SubjectID))
	if err != nil {
		writeDomainError(w, "Failed to cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(result.Status)})
}

// DelegateStep reassigns the effective actor of the approver's pending step.
func (h *Handler) DelegateStep(w http.ResponseWriter, r *http.Request) {
	id := workflow.DocumentID(chi.URLParam(r, "id"))
	var req DelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Approver == "" || req.Delegate == "" {
		writeError(w, http.StatusBadRequest, "approver and delegate are required", nil)
		return
	}

	err := h.Engine.Delegate(r.Context(), id,
		workflow.ApproverID(req.Approver), workflow.ApproverID(req.Delegate))
	if err != nil {
		writeDomainError(w, "Failed to delegate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegated": true})
}

// =============================================================================
// SUBJECT HANDLERS
// =============================================================================

// CreateSubject upserts a subject record.
func (h *Handler) CreateSubject(w http.ResponseWriter, r *http.Request) {
	var req SubjectDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	hireDate, err := ledger.ParseDate(req.HireDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hire_date", err)
		return
	}

	subject := entitlement.Subject{
		ID:       ledger.SubjectID(req.ID),
		Name:     req.Name,
		HireDate: hireDate,
		Active:   req.Active,
	}
	if err := h.Store.SaveSubject(r.Context(), subject); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save subject", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListSubjects returns all active subjects.
func (h *Handler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.Store.ActiveSubjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list subjects", err)
		return
	}
	dtos := make([]SubjectDTO, len(subjects))
	for i, s := range subjects {
		dtos[i] = SubjectDTO{
			ID:       string(s.ID),
			Name:     s.Name,
			HireDate: s.HireDate.String(),
			Active:   s.Active,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSubject returns one subject record.
func (h *Handler) GetSubject(w http.ResponseWriter, r *http.Request) {
	id := ledger.SubjectID(chi.URLParam(r, "id"))
	subject, err := h.Store.GetSubject(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load subject", err)
		return
	}
	if subject == nil {
		writeError(w, http.StatusNotFound, "Subject not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, SubjectDTO{
		ID:       string(subject.ID),
		Name:     subject.Name,
		HireDate: subject.HireDate.String(),
		Active:   subject.Active,
	})
}

// GetBalance returns the subject's balance as of today.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.SubjectID(chi.URLParam(r, "id"))
	balance, err := h.Ledger.BalanceView(r.Context(), id, ledger.Today())
	if err != nil {
		writeDomainError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

// ListGrants returns the subject's full grant history.
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	id := ledger.SubjectID(chi.URLParam(r, "id"))
	grants, err := h.Ledger.Grants(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to list grants", err)
		return
	}
	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = toGrantDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListUsages returns the subject's posting history.
func (h *Handler) ListUsages(w http.ResponseWriter, r *http.Request) {
	id := ledger.SubjectID(chi.URLParam(r, "id"))
	usages, err := h.Ledger.Usages(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to list usages", err)
		return
	}
	dtos := make([]UsageDTO, len(usages))
	for i, u := range usages {
		dtos[i] = toUsageDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordAttendance stores one attendance day for a subject.
func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	id := ledger.SubjectID(chi.URLParam(r, "id"))
	var req AttendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	day, err := ledger.ParseDate(req.Day)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid day", err)
		return
	}

	err = h.Store.RecordAttendance(r.Context(), sqlite.AttendanceDay{
		SubjectID: id,
		Day:       day,
		Late:      req.Late,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record attendance", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recorded": true})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateManualGrant inserts an administrative grant.
func (h *Handler) CreateManualGrant(w http.ResponseWriter, r *http.Request) {
	var req ManualGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	granted, err := ledger.ParseDate(req.GrantedDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid granted_date", err)
		return
	}
	expiration, err := ledger.ParseDate(req.ExpirationDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expiration_date", err)
		return
	}

	grant := ledger.Grant{
		SubjectID:      ledger.SubjectID(req.SubjectID),
		Type:           ledger.GrantManual,
		Amount:         amount,
		GrantedDate:    granted,
		ExpirationDate: expiration,
		CalculationBasis: map[string]string{
			"reason": req.Reason,
			"actor":  req.Actor,
		},
	}
	if err := h.Ledger.Issue(r.Context(), grant); err != nil {
		writeDomainError(w, "Failed to issue grant", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"granted": true})
}

// CreateManualDeduction posts an administrative deduction with a synthetic
// document id.
func (h *Handler) CreateManualDeduction(w http.ResponseWriter, r *http.Request) {
	var req ManualDeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	usedDate, err := ledger.ParseDate(req.UsedDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid used_date", err)
		return
	}

	docID, err := h.Ledger.DeductManual(r.Context(),
		ledger.SubjectID(req.SubjectID), amount, usedDate, req.Reason, req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to deduct", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document_id": docID})
}

// RunJob triggers a grant job by name for a business date.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, ok := h.Jobs[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown job %q", name), nil)
		return
	}

	var req RunJobRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	businessDate := ledger.Today()
	if req.Date != "" {
		var err error
		if businessDate, err = ledger.ParseDate(req.Date); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
	}

	summary, err := job.Run(r.Context(), businessDate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Job run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(summary))
}

// GetJobRun returns the persisted summary for a (job, business date).
func (h *Handler) GetJobRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	date, err := ledger.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	run, err := h.Store.GetRun(r.Context(), name, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "No run recorded", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(run))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]string{"error": message}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}

// writeDomainError maps the domain error taxonomy to HTTP status codes.
// Branch order matters: insufficient balance and the duplicate conflicts get
// their specific statuses before the broader client-error catchalls.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, workflow.ErrDocumentNotFound),
		errors.Is(err, ledger.ErrSubjectNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case workflow.IsAuthorization(err):
		writeError(w, http.StatusForbidden, message, err)
	case workflow.IsRetryableByRefetch(err),
		errors.Is(err, ledger.ErrDuplicateGrant),
		errors.Is(err, ledger.ErrDuplicateUsage):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case ledger.IsClientError(err),
		ledger.IsIntegrityError(err),
		errors.Is(err, workflow.ErrEmptyRoute),
		errors.Is(err, workflow.ErrInvalidRoute):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

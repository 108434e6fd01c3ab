/*
workflow.go - workflow.TxStore implementation

PURPOSE:
  Documents, steps, and the audit trail. Every mutation is a conditional
  UPDATE naming the status the caller observed; zero matched rows surfaces
  as workflow.ErrPrecondition. Two racing approvals of one step therefore
  resolve at the database, not in process memory.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/officehub/workflow-engine/ledger"
	"github.com/officehub/workflow-engine/workflow"
)

// Workflow returns the workflow.TxStore view over this store.
func (s *Store) Workflow() workflow.TxStore {
	return &workflowView{st: s}
}

type workflowView struct {
	st *Store
}

func (v *workflowView) WithTx(ctx context.Context, fn func(workflow.Store) error) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()

	sqlTx, err := v.st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(workflowSession{session{db: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// CreateDocument outside WithTx still needs the document and its steps to
// land together, so it opens its own transaction.
func (v *workflowView) CreateDocument(ctx context.Context, doc workflow.Document, steps []workflow.Step) error {
	return v.WithTx(ctx, func(s workflow.Store) error {
		return s.CreateDocument(ctx, doc, steps)
	})
}

func (v *workflowView) GetDocument(ctx context.Context, id workflow.DocumentID) (*workflow.Document, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return workflowSession{v.st.base}.GetDocument(ctx, id)
}

func (v *workflowView) StepsByDocument(ctx context.Context, id workflow.DocumentID) ([]workflow.Step, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return workflowSession{v.st.base}.StepsByDocument(ctx, id)
}

func (v *workflowView) PendingStepForActor(ctx context.Context, id workflow.DocumentID, actor workflow.ApproverID) (*workflow.Step, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return workflowSession{v.st.base}.PendingStepForActor(ctx, id, actor)
}

func (v *workflowView) MarkStepApproved(ctx context.Context, stepID workflow.StepID, at time.Time) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return workflowSession{v.st.base}.MarkStepApproved(ctx, stepID, at)
}

func (v *workflowView) MarkStepRejected(ctx context.Context, stepID workflow.StepID, at time.Time) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return workflowSession{v.st.base}.MarkStepRejected(ctx, stepID, at)
}

func (v *workflowView) ActivateSteps(ctx context.Context, id workflow.DocumentID, ord int) (int, error) {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return workflowSession{v.st.base}.ActivateSteps(ctx, id, ord)
}

func (v *workflowView) SetDocumentState(ctx context.Context, id workflow.DocumentID, expect, next workflow.DocumentStatus, currentStep *int, approvedAt *time.Time) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return workflowSession{v.st.base}.SetDocumentState(ctx, id, expect, next, currentStep, approvedAt)
}

func (v *workflowView) SetDelegate(ctx context.Context, stepID workflow.StepID, delegate workflow.ApproverID) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return workflowSession{v.st.base}.SetDelegate(ctx, stepID, delegate)
}

func (v *workflowView) AppendAudit(ctx context.Context, entry workflow.AuditEntry) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return workflowSession{v.st.base}.AppendAudit(ctx, entry)
}

func (v *workflowView) AuditByDocument(ctx context.Context, id workflow.DocumentID) ([]workflow.AuditEntry, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return workflowSession{v.st.base}.AuditByDocument(ctx, id)
}

// =============================================================================
// SESSION QUERIES
// =============================================================================

type workflowSession struct {
	session
}

func (s workflowSession) CreateDocument(ctx context.Context, doc workflow.Document, steps []workflow.Step) error {
	query := `
		INSERT INTO documents
		(id, subject_id, doc_type, status, current_step, entitlement_amount,
		 effective_date, reason, created_at, updated_at, approved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(doc.ID),
		string(doc.SubjectID),
		string(doc.Type),
		string(doc.Status),
		nullInt(doc.CurrentStep),
		doc.EntitlementAmount.String(),
		doc.EffectiveDate.String(),
		doc.Reason,
		doc.CreatedAt.UTC().Format(time.RFC3339),
		doc.UpdatedAt.UTC().Format(time.RFC3339),
		nullTime(doc.ApprovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	stepQuery := `
		INSERT INTO steps
		(id, document_id, ord, approver_id, delegate_id, mode, status,
		 is_last, approved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, step := range steps {
		var delegate sql.NullString
		if step.DelegateID != nil {
			delegate = nullString(string(*step.DelegateID))
		}
		_, err := s.db.ExecContext(ctx, stepQuery,
			string(step.ID),
			string(step.DocumentID),
			step.Ord,
			string(step.ApproverID),
			delegate,
			string(step.Mode),
			string(step.Status),
			step.IsLast,
			nullTime(step.ApprovedAt),
			step.CreatedAt.UTC().Format(time.RFC3339),
			step.UpdatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert step: %w", err)
		}
	}
	return nil
}

func (s workflowSession) GetDocument(ctx context.Context, id workflow.DocumentID) (*workflow.Document, error) {
	var (
		doc           workflow.Document
		currentStep   sql.NullInt64
		amount        string
		effectiveDate string
		reason        sql.NullString
		createdAt     string
		updatedAt     string
		approvedAt    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, doc_type, status, current_step, entitlement_amount,
		       effective_date, reason, created_at, updated_at, approved_at
		FROM documents WHERE id = ?`,
		string(id),
	).Scan(&doc.ID, &doc.SubjectID, &doc.Type, &doc.Status, &currentStep,
		&amount, &effectiveDate, &reason, &createdAt, &updatedAt, &approvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}

	if currentStep.Valid {
		ord := int(currentStep.Int64)
		doc.CurrentStep = &ord
	}
	if doc.EntitlementAmount, err = ledger.ParseAmount(amount); err != nil {
		return nil, err
	}
	doc.EffectiveDate, _ = ledger.ParseDate(effectiveDate)
	doc.Reason = reason.String
	doc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if approvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, approvedAt.String)
		doc.ApprovedAt = &t
	}
	return &doc, nil
}

const stepColumns = `id, document_id, ord, approver_id, delegate_id, mode,
	status, is_last, approved_at, created_at, updated_at`

func (s workflowSession) StepsByDocument(ctx context.Context, id workflow.DocumentID) ([]workflow.Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM steps
		WHERE document_id = ?
		ORDER BY ord ASC, rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []workflow.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s workflowSession) PendingStepForActor(ctx context.Context, id workflow.DocumentID, actor workflow.ApproverID) (*workflow.Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM steps
		WHERE document_id = ? AND status = 'pending'
		  AND (approver_id = ? OR delegate_id = ?)
		ORDER BY ord ASC, rowid ASC
		LIMIT 1
	`
	rows, err := s.db.QueryContext(ctx, query, string(id), string(actor), string(actor))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending step: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	step, err := scanStep(rows)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func scanStep(rows *sql.Rows) (workflow.Step, error) {
	var (
		step       workflow.Step
		delegate   sql.NullString
		approvedAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := rows.Scan(&step.ID, &step.DocumentID, &step.Ord, &step.ApproverID,
		&delegate, &step.Mode, &step.Status, &step.IsLast, &approvedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return step, fmt.Errorf("failed to scan step: %w", err)
	}

	if delegate.Valid && delegate.String != "" {
		d := workflow.ApproverID(delegate.String)
		step.DelegateID = &d
	}
	if approvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, approvedAt.String)
		step.ApprovedAt = &t
	}
	step.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	step.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return step, nil
}

func (s workflowSession) MarkStepApproved(ctx context.Context, stepID workflow.StepID, at time.Time) error {
	return s.resolveStep(ctx, stepID, workflow.StepApproved, at)
}

func (s workflowSession) MarkStepRejected(ctx context.Context, stepID workflow.StepID, at time.Time) error {
	return s.resolveStep(ctx, stepID, workflow.StepRejected, at)
}

func (s workflowSession) resolveStep(ctx context.Context, stepID workflow.StepID, next workflow.StepStatus, at time.Time) error {
	stamp := at.UTC().Format(time.RFC3339)
	// approved_at is the approval stamp only; a rejected step keeps it NULL.
	var approvedAt any
	if next == workflow.StepApproved {
		approvedAt = stamp
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(next), approvedAt, stamp, string(stepID),
	)
	if err != nil {
		return fmt.Errorf("failed to resolve step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrPrecondition
	}
	return nil
}

func (s workflowSession) ActivateSteps(ctx context.Context, id workflow.DocumentID, ord int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = 'pending', updated_at = ?
		WHERE document_id = ? AND ord = ? AND status = 'waiting'`,
		time.Now().UTC().Format(time.RFC3339), string(id), ord,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to activate steps: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s workflowSession) SetDocumentState(ctx context.Context, id workflow.DocumentID, expect, next workflow.DocumentStatus, currentStep *int, approvedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, current_step = ?, approved_at = COALESCE(?, approved_at), updated_at = ?
		WHERE id = ? AND status = ?`,
		string(next), nullInt(currentStep), nullTime(approvedAt),
		time.Now().UTC().Format(time.RFC3339), string(id), string(expect),
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrPrecondition
	}
	return nil
}

func (s workflowSession) SetDelegate(ctx context.Context, stepID workflow.StepID, delegate workflow.ApproverID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET delegate_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(delegate), time.Now().UTC().Format(time.RFC3339), string(stepID),
	)
	if err != nil {
		return fmt.Errorf("failed to set delegate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrPrecondition
	}
	return nil
}

func (s workflowSession) AppendAudit(ctx context.Context, entry workflow.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, at, actor_id, action, document_id, step_id, old_status, new_status, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.At.UTC().Format(time.RFC3339),
		entry.ActorID,
		string(entry.Action),
		string(entry.DocumentID),
		nullString(string(entry.StepID)),
		nullString(entry.OldStatus),
		nullString(entry.NewStatus),
		nullString(entry.Note),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s workflowSession) AuditByDocument(ctx context.Context, id workflow.DocumentID) ([]workflow.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, actor_id, action, document_id, step_id, old_status, new_status, note
		FROM audit_log
		WHERE document_id = ?
		ORDER BY at ASC, rowid ASC`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []workflow.AuditEntry
	for rows.Next() {
		var (
			e         workflow.AuditEntry
			at        string
			stepID    sql.NullString
			oldStatus sql.NullString
			newStatus sql.NullString
			note      sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.DocumentID,
			&stepID, &oldStatus, &newStatus, &note); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		e.StepID = workflow.StepID(stepID.String)
		e.OldStatus = oldStatus.String
		e.NewStatus = newStatus.String
		e.Note = note.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

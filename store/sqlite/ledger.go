/*
ledger.go - ledger.TxStore implementation

PURPOSE:
  Grants and usages as append-only tables plus the balance cache row. The
  FIFO allocation order the ledger depends on is produced here: grants
  ordered by expiration date ascending, rowid as insertion-order tie-break.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/officehub/workflow-engine/ledger"
)

// Ledger returns the ledger.TxStore view over this store.
func (s *Store) Ledger() ledger.TxStore {
	return &ledgerView{st: s}
}

type ledgerView struct {
	st *Store
}

func (v *ledgerView) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()

	sqlTx, err := v.st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ledgerSession{session{db: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (v *ledgerView) InsertGrant(ctx context.Context, g ledger.Grant) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return ledgerSession{v.st.base}.InsertGrant(ctx, g)
}

func (v *ledgerView) GrantsBySubject(ctx context.Context, subject ledger.SubjectID, asOf ledger.Date) ([]ledger.Grant, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return ledgerSession{v.st.base}.GrantsBySubject(ctx, subject, asOf)
}

func (v *ledgerView) AllGrants(ctx context.Context, subject ledger.SubjectID) ([]ledger.Grant, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return ledgerSession{v.st.base}.AllGrants(ctx, subject)
}

func (v *ledgerView) InsertUsage(ctx context.Context, u ledger.Usage) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return ledgerSession{v.st.base}.InsertUsage(ctx, u)
}

func (v *ledgerView) UsagesByDocument(ctx context.Context, documentID string) ([]ledger.Usage, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return ledgerSession{v.st.base}.UsagesByDocument(ctx, documentID)
}

func (v *ledgerView) UsagesByGrant(ctx context.Context, grantID ledger.GrantID) ([]ledger.Usage, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return ledgerSession{v.st.base}.UsagesByGrant(ctx, grantID)
}

func (v *ledgerView) UsagesBySubject(ctx context.Context, subject ledger.SubjectID) ([]ledger.Usage, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return ledgerSession{v.st.base}.UsagesBySubject(ctx, subject)
}

func (v *ledgerView) SaveBalance(ctx context.Context, b ledger.Balance) error {
	v.st.mu.Lock()
	defer v.st.mu.Unlock()
	return ledgerSession{v.st.base}.SaveBalance(ctx, b)
}

func (v *ledgerView) GetBalance(ctx context.Context, subject ledger.SubjectID) (*ledger.Balance, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	return ledgerSession{v.st.base}.GetBalance(ctx, subject)
}

// =============================================================================
// SESSION QUERIES
// =============================================================================

// ledgerSession implements ledger.Store against a connection or open
// transaction, without locking.
type ledgerSession struct {
	session
}

func (s ledgerSession) InsertGrant(ctx context.Context, g ledger.Grant) error {
	basisJSON, _ := json.Marshal(g.CalculationBasis)

	query := `
		INSERT INTO grants
		(id, subject_id, grant_type, amount, granted_date, expiration_date,
		 approval_status, calculation_basis_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(g.ID),
		string(g.SubjectID),
		string(g.Type),
		g.Amount.String(),
		g.GrantedDate.String(),
		g.ExpirationDate.String(),
		g.ApprovalStatus,
		string(basisJSON),
		g.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateGrant
		}
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

const grantColumns = `id, subject_id, grant_type, amount, granted_date,
	expiration_date, approval_status, calculation_basis_json, created_at`

func (s ledgerSession) GrantsBySubject(ctx context.Context, subject ledger.SubjectID, asOf ledger.Date) ([]ledger.Grant, error) {
	// Expiration ascending then rowid is the FIFO allocation order.
	query := `
		SELECT ` + grantColumns + `
		FROM grants
		WHERE subject_id = ? AND approval_status = ? AND expiration_date >= ?
		ORDER BY expiration_date ASC, rowid ASC
	`
	return s.queryGrants(ctx, query, string(subject), ledger.GrantApproved, asOf.String())
}

func (s ledgerSession) AllGrants(ctx context.Context, subject ledger.SubjectID) ([]ledger.Grant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM grants
		WHERE subject_id = ?
		ORDER BY granted_date ASC, rowid ASC
	`
	return s.queryGrants(ctx, query, string(subject))
}

func (s ledgerSession) queryGrants(ctx context.Context, query string, args ...any) ([]ledger.Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []ledger.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func scanGrant(rows *sql.Rows) (ledger.Grant, error) {
	var (
		g           ledger.Grant
		amount      string
		grantedDate string
		expiration  string
		basisJSON   sql.NullString
		createdAt   string
	)
	err := rows.Scan(&g.ID, &g.SubjectID, &g.Type, &amount,
		&grantedDate, &expiration, &g.ApprovalStatus, &basisJSON, &createdAt)
	if err != nil {
		return g, fmt.Errorf("failed to scan grant: %w", err)
	}

	g.Amount, err = ledger.ParseAmount(amount)
	if err != nil {
		return g, err
	}
	g.GrantedDate, _ = ledger.ParseDate(grantedDate)
	g.ExpirationDate, _ = ledger.ParseDate(expiration)
	g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if basisJSON.Valid && basisJSON.String != "" {
		json.Unmarshal([]byte(basisJSON.String), &g.CalculationBasis)
	}
	return g, nil
}

func (s ledgerSession) InsertUsage(ctx context.Context, u ledger.Usage) error {
	query := `
		INSERT INTO usages (id, document_id, grant_id, subject_id, amount, used_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(u.ID),
		u.DocumentID,
		string(u.GrantID),
		string(u.SubjectID),
		u.Amount.String(),
		u.UsedDate.String(),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateUsage
		}
		return fmt.Errorf("failed to insert usage: %w", err)
	}
	return nil
}

const usageColumns = `id, document_id, grant_id, subject_id, amount, used_date, created_at`

func (s ledgerSession) UsagesByDocument(ctx context.Context, documentID string) ([]ledger.Usage, error) {
	query := `SELECT ` + usageColumns + ` FROM usages WHERE document_id = ? ORDER BY rowid ASC`
	return s.queryUsages(ctx, query, documentID)
}

func (s ledgerSession) UsagesByGrant(ctx context.Context, grantID ledger.GrantID) ([]ledger.Usage, error) {
	query := `SELECT ` + usageColumns + ` FROM usages WHERE grant_id = ? ORDER BY rowid ASC`
	return s.queryUsages(ctx, query, string(grantID))
}

func (s ledgerSession) UsagesBySubject(ctx context.Context, subject ledger.SubjectID) ([]ledger.Usage, error) {
	query := `SELECT ` + usageColumns + ` FROM usages WHERE subject_id = ? ORDER BY used_date ASC, rowid ASC`
	return s.queryUsages(ctx, query, string(subject))
}

func (s ledgerSession) queryUsages(ctx context.Context, query string, args ...any) ([]ledger.Usage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usages: %w", err)
	}
	defer rows.Close()

	var usages []ledger.Usage
	for rows.Next() {
		var (
			u         ledger.Usage
			amount    string
			usedDate  string
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.DocumentID, &u.GrantID, &u.SubjectID,
			&amount, &usedDate, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		u.Amount, err = ledger.ParseAmount(amount)
		if err != nil {
			return nil, err
		}
		u.UsedDate, _ = ledger.ParseDate(usedDate)
		u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

func (s ledgerSession) SaveBalance(ctx context.Context, b ledger.Balance) error {
	query := `
		INSERT INTO balances (subject_id, total, used, remaining, as_of, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			total = excluded.total,
			used = excluded.used,
			remaining = excluded.remaining,
			as_of = excluded.as_of,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		string(b.SubjectID),
		b.Total.String(),
		b.Used.String(),
		b.Remaining.String(),
		b.AsOf.String(),
		b.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func (s ledgerSession) GetBalance(ctx context.Context, subject ledger.SubjectID) (*ledger.Balance, error) {
	var (
		b         ledger.Balance
		total     string
		used      string
		remaining string
		asOf      string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id, total, used, remaining, as_of, updated_at FROM balances WHERE subject_id = ?`,
		string(subject),
	).Scan(&b.SubjectID, &total, &used, &remaining, &asOf, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if b.Total, err = ledger.ParseAmount(total); err != nil {
		return nil, err
	}
	if b.Used, err = ledger.ParseAmount(used); err != nil {
		return nil, err
	}
	if b.Remaining, err = ledger.ParseAmount(remaining); err != nil {
		return nil, err
	}
	b.AsOf, _ = ledger.ParseDate(asOf)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &b, nil
}

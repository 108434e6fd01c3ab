/*
Package sqlite provides the SQLite-backed implementation of every storage
interface in the module.

PURPOSE:
  One database holds documents, steps, grants, usages, the balance cache,
  the audit trail, subject master data, attendance, and job run summaries.
  Keeping them together lets an approval transition and its audit entries
  commit atomically, and the same for a deduction and its postings.

INTERFACES IMPLEMENTED:
  workflow.TxStore:    via Store.Workflow()
  ledger.TxStore:      via Store.Ledger()
  entitlement.Directory, entitlement.RunStore: directly on Store

  workflow.TxStore and ledger.TxStore both declare WithTx with their own
  Store parameter, so one struct cannot satisfy both. The two view types
  returned by Workflow() and Ledger() share the underlying connection and
  mutex.

APPEND-ONLY ENFORCEMENT:
  grants, usages, and audit_log have no UPDATE or DELETE paths. Steps and
  documents are mutated only through conditional updates that name the
  expected current status; zero matched rows surfaces as ErrPrecondition.

KEY UNIQUE INDEXES:
  idx_grants_identity:       (subject_id, grant_type, granted_date) -
                             duplicate job runs insert nothing twice
  idx_usages_document_grant: (document_id, grant_id) - one posting per
                             document per grant
  idx_job_runs_identity:     (job_name, business_date) - one summary per run

CONCURRENCY:
  sync.RWMutex guards the connection; SQLite is opened in WAL mode. The
  session type carries no locks so transaction callbacks can reuse the
  same query code without re-entering the mutex.

USAGE:
  st, err := sqlite.New("./data/workflow.db")
  ...
  led := ledger.New(st.Ledger())
  eng := workflow.NewEngine(st.Workflow(), led, nil)

SEE ALSO:
  - workflow/store.go, ledger/store.go: the contracts
  - entitlement/directory.go, entitlement/runner.go
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the database connection. Use ":memory:" as the path for tests.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	base session
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and
	// serializes writers ahead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	store.base = session{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Approvable documents
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		doc_type TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step INTEGER,
		entitlement_amount TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		approved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_documents_subject
		ON documents(subject_id);
	CREATE INDEX IF NOT EXISTS idx_documents_status
		ON documents(status);

	-- Approval checkpoints, bulk-created at submission
	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		approver_id TEXT NOT NULL,
		delegate_id TEXT,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		is_last BOOLEAN NOT NULL DEFAULT FALSE,
		approved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_steps_document
		ON steps(document_id, ord);
	CREATE INDEX IF NOT EXISTS idx_steps_pending
		ON steps(document_id, approver_id) WHERE status = 'pending';

	-- Grants (append-only)
	CREATE TABLE IF NOT EXISTS grants (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		grant_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		granted_date TEXT NOT NULL,
		expiration_date TEXT NOT NULL,
		approval_status TEXT NOT NULL,
		calculation_basis_json TEXT,
		created_at TEXT NOT NULL
	);

	-- One grant per (subject, type, date); re-runs of an issuer job hit
	-- this index instead of double-granting
	CREATE UNIQUE INDEX IF NOT EXISTS idx_grants_identity
		ON grants(subject_id, grant_type, granted_date);
	CREATE INDEX IF NOT EXISTS idx_grants_subject_expiration
		ON grants(subject_id, expiration_date);

	-- Usage postings (append-only)
	CREATE TABLE IF NOT EXISTS usages (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		grant_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		used_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_usages_document_grant
		ON usages(document_id, grant_id);
	CREATE INDEX IF NOT EXISTS idx_usages_grant
		ON usages(grant_id);
	CREATE INDEX IF NOT EXISTS idx_usages_subject
		ON usages(subject_id);

	-- Balance cache, one row per subject
	CREATE TABLE IF NOT EXISTS balances (
		subject_id TEXT PRIMARY KEY,
		total TEXT NOT NULL,
		used TEXT NOT NULL,
		remaining TEXT NOT NULL,
		as_of TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		document_id TEXT NOT NULL,
		step_id TEXT,
		old_status TEXT,
		new_status TEXT,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_document
		ON audit_log(document_id, at);

	-- Subject master data
	CREATE TABLE IF NOT EXISTS subjects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		hire_date TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Attendance, one row per subject per day
	CREATE TABLE IF NOT EXISTS attendance (
		subject_id TEXT NOT NULL,
		day TEXT NOT NULL,
		late BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (subject_id, day)
	);

	-- Grant issuer run summaries
	CREATE TABLE IF NOT EXISTS job_runs (
		job_name TEXT NOT NULL,
		business_date TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		evaluated INTEGER NOT NULL,
		granted INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		PRIMARY KEY (job_name, business_date)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SESSION - query methods shared between the store and transactions
// =============================================================================

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session holds a connection or open transaction. It carries no locks; the
// views above it decide when to take the store mutex.
type session struct {
	db dbtx
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

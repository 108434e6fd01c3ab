/*
store.go - Persistence interface for grants, usages, and the balance cache

PURPOSE:
  Defines the interface between the ledger and the database. Grants and
  Usages are append-only; the balance row is the only record the ledger
  overwrites, and it is a cache.

APPEND-ONLY CONTRACT:
  - InsertGrant() / InsertUsage() are the only ledger writes
  - NO update or delete methods exist for either table
  - SaveBalance() upserts the derived cache row

IDEMPOTENCY AT THE STORE LEVEL:
  Unique indexes back the service-level checks:
  - grants(subject_id, grant_type, granted_date) -> ErrDuplicateGrant
  - usages(document_id, grant_id)                -> ErrDuplicateUsage
  Contention between concurrent deductions for the same document resolves
  on these keys, not on in-process locks.

IMPLEMENTATIONS:
  - store/sqlite: production store (documents, steps, and ledger tables
    share one database so approval transitions and postings can be atomic)

SEE ALSO:
  - ledger.go: the service running against this interface
*/
package ledger

import "context"

// =============================================================================
// STORE - Ledger persistence (append-only)
// =============================================================================

type Store interface {
	// InsertGrant persists a grant. Returns ErrDuplicateGrant if a grant
	// with the same (subject, type, granted date) exists.
	InsertGrant(ctx context.Context, g Grant) error

	// GrantsBySubject returns approved, non-expired grants as of the date,
	// ordered by expiration date ascending with insertion order as
	// tie-break. This ordering IS the FIFO allocation order.
	GrantsBySubject(ctx context.Context, subject SubjectID, asOf Date) ([]Grant, error)

	// AllGrants returns every grant for a subject, expired included,
	// ordered by granted date.
	AllGrants(ctx context.Context, subject SubjectID) ([]Grant, error)

	// InsertUsage persists a usage posting. Returns ErrDuplicateUsage if
	// the (document, grant) pair exists.
	InsertUsage(ctx context.Context, u Usage) error

	// UsagesByDocument returns postings referencing a document id.
	// Non-empty means the document's deduction already committed.
	UsagesByDocument(ctx context.Context, documentID string) ([]Usage, error)

	// UsagesByGrant returns postings consuming a specific grant.
	UsagesByGrant(ctx context.Context, grantID GrantID) ([]Usage, error)

	// UsagesBySubject returns all postings for a subject, chronologically.
	UsagesBySubject(ctx context.Context, subject SubjectID) ([]Usage, error)

	// SaveBalance upserts the cached balance row for a subject.
	SaveBalance(ctx context.Context, b Balance) error

	// GetBalance returns the cached balance row, or nil if never computed.
	GetBalance(ctx context.Context, subject SubjectID) (*Balance, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. Deduction runs its
// check-allocate-post sequence inside WithTx so a shortfall discovered after
// partial allocation rolls everything back.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. An error from fn rolls the
	// transaction back; nil commits it.
	WithTx(ctx context.Context, fn func(Store) error) error
}

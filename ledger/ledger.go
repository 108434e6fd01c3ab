/*
ledger.go - Grant issuance, balance calculation, and FIFO deduction

PURPOSE:
  The Ledger is the accounting engine for leave entitlements. Grants credit
  days, Usages consume them, and deduction allocates consumption across
  grants in expiration-date order (soonest-to-expire first).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Grants and Usages are inserted, never updated or deleted
  2. IDEMPOTENT: Deduct posts at most one Usage set per document id;
     a retried call is a no-op success
  3. ATOMIC: either every Usage of a deduction commits, or none do -
     an insufficient balance leaves the ledger untouched
  4. EXPIRATION-AWARE: expired grants stay stored but never allocate

FIFO ALLOCATION:
  Candidates are the subject's approved, non-expired grants ordered by
  expiration date ascending, insertion order as tie-break. Each candidate
  contributes min(remaining, grant amount - already used). "Use the
  entitlement that expires first" keeps employees from losing days while
  younger grants are drained.

EXAMPLE:
  Grant A: 5 days, expires in 10 days
  Grant B: 5 days, expires in 40 days
  Deduct 7 -> Usage(A, 5) + Usage(B, 2); remaining balance 3.

SEE ALSO:
  - store.go: persistence interface the ledger runs against
  - workflow/engine.go: calls Deduct on final approval
*/
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER SERVICE
// =============================================================================

type Ledger struct {
	store TxStore
}

func New(store TxStore) *Ledger {
	return &Ledger{store: store}
}

// =============================================================================
// GRANT ISSUANCE
// =============================================================================

// Issue validates and inserts a grant, then refreshes the cached balance.
// Returns ErrDuplicateGrant if a grant with the same (subject, type,
// granted date) already exists - the caller decides whether that is a skip
// (job re-run) or a fault.
func (l *Ledger) Issue(ctx context.Context, grant Grant) error {
	if err := grant.Validate(); err != nil {
		return err
	}
	if grant.ID == "" {
		grant.ID = GrantID(uuid.NewString())
	}
	if grant.ApprovalStatus == "" {
		grant.ApprovalStatus = GrantApproved
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}

	return l.store.WithTx(ctx, func(s Store) error {
		if err := s.InsertGrant(ctx, grant); err != nil {
			return err
		}
		return l.recomputeBalance(ctx, s, grant.SubjectID, Today())
	})
}

// =============================================================================
// BALANCE
// =============================================================================

// AvailableBalance returns the deductible amount as of a date: the sum of
// approved, non-expired grant amounts minus the usages posted against those
// grants. No side effects.
func (l *Ledger) AvailableBalance(ctx context.Context, subject SubjectID, asOf Date) (Amount, error) {
	b, err := l.computeBalance(ctx, l.store, subject, asOf)
	if err != nil {
		return Zero(), err
	}
	return b.Remaining, nil
}

// BalanceView returns the full total/used/remaining breakdown as of a date.
// The cached row is served when it was computed for the requested date;
// anything else falls back to replaying the ledger records.
func (l *Ledger) BalanceView(ctx context.Context, subject SubjectID, asOf Date) (*Balance, error) {
	cached, err := l.store.GetBalance(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance cache: %w", err)
	}
	if cached != nil && cached.AsOf.Equal(asOf) {
		return cached, nil
	}
	return l.computeBalance(ctx, l.store, subject, asOf)
}

func (l *Ledger) computeBalance(ctx context.Context, s Store, subject SubjectID, asOf Date) (*Balance, error) {
	grants, err := s.GrantsBySubject(ctx, subject, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}

	total := Zero()
	used := Zero()
	for _, g := range grants {
		total = total.Add(g.Amount)
		usages, err := s.UsagesByGrant(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load usages for grant %s: %w", g.ID, err)
		}
		for _, u := range usages {
			used = used.Add(u.Amount)
		}
	}

	return &Balance{
		SubjectID: subject,
		Total:     total,
		Used:      used,
		Remaining: total.Sub(used),
		AsOf:      asOf,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// recomputeBalance refreshes the cached balance row inside the current
// transaction so cache and ledger commit together.
func (l *Ledger) recomputeBalance(ctx context.Context, s Store, subject SubjectID, asOf Date) error {
	b, err := l.computeBalance(ctx, s, subject, asOf)
	if err != nil {
		return err
	}
	return s.SaveBalance(ctx, *b)
}

// =============================================================================
// DEDUCTION
// =============================================================================

// Deduct consumes 'amount' days from the subject's grants on behalf of a
// document. Safe under retries: if any Usage already references documentID,
// the call succeeds without posting again. All postings and the balance
// refresh commit atomically; on InsufficientBalance nothing is written.
func (l *Ledger) Deduct(ctx context.Context, documentID string, subject SubjectID, amount Amount, usedDate Date) error {
	if !amount.IsPositive() || !amount.IsHalfDayAligned() {
		return fmt.Errorf("%w: deduction of %s", ErrInvalidAmount, amount)
	}

	return l.store.WithTx(ctx, func(s Store) error {
		// Idempotency: a prior (possibly partially reported) attempt that
		// committed is a success, not a double post.
		existing, err := s.UsagesByDocument(ctx, documentID)
		if err != nil {
			return fmt.Errorf("failed idempotency check for %s: %w", documentID, err)
		}
		if len(existing) > 0 {
			return nil
		}

		if err := l.allocate(ctx, s, documentID, subject, amount, usedDate); err != nil {
			return err
		}
		return l.recomputeBalance(ctx, s, subject, usedDate)
	})
}

// DeductManual is the administrative variant of Deduct. It posts against a
// synthetic document id so the same idempotency and allocation rules apply.
// Privilege checks are the caller boundary's responsibility.
func (l *Ledger) DeductManual(ctx context.Context, subject SubjectID, amount Amount, usedDate Date, reason, actor string) (string, error) {
	log.Printf("[Ledger] manual deduction subject=%s amount=%s actor=%s reason=%q",
		subject, amount, actor, reason)
	documentID := "manual-" + uuid.NewString()
	if err := l.Deduct(ctx, documentID, subject, amount, usedDate); err != nil {
		return "", err
	}
	return documentID, nil
}

// allocate greedily consumes candidates in FIFO order and posts the Usages.
func (l *Ledger) allocate(ctx context.Context, s Store, documentID string, subject SubjectID, amount Amount, usedDate Date) error {
	// Candidates come back ordered: expiration ascending, insertion ascending.
	candidates, err := s.GrantsBySubject(ctx, subject, usedDate)
	if err != nil {
		return fmt.Errorf("failed to load candidate grants: %w", err)
	}

	remaining := amount
	now := time.Now().UTC()

	for _, g := range candidates {
		if remaining.IsZero() {
			break
		}

		usages, err := s.UsagesByGrant(ctx, g.ID)
		if err != nil {
			return fmt.Errorf("failed to load usages for grant %s: %w", g.ID, err)
		}
		alreadyUsed := Zero()
		for _, u := range usages {
			alreadyUsed = alreadyUsed.Add(u.Amount)
		}

		available := g.Amount.Sub(alreadyUsed)
		if !available.IsPositive() {
			continue
		}

		take := remaining.Min(available)
		if err := s.InsertUsage(ctx, Usage{
			ID:         UsageID(uuid.NewString()),
			DocumentID: documentID,
			GrantID:    g.ID,
			SubjectID:  subject,
			Amount:     take,
			UsedDate:   usedDate,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("failed to post usage against grant %s: %w", g.ID, err)
		}
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() {
		// Returning an error rolls back every posting above.
		return &InsufficientBalanceError{
			SubjectID: subject,
			Available: amount.Sub(remaining),
			Requested: amount,
			Shortfall: remaining,
		}
	}
	return nil
}

// =============================================================================
// HISTORY QUERIES
// =============================================================================

// Grants returns every grant for a subject, including expired ones.
func (l *Ledger) Grants(ctx context.Context, subject SubjectID) ([]Grant, error) {
	return l.store.AllGrants(ctx, subject)
}

// Usages returns every usage posting for a subject.
func (l *Ledger) Usages(ctx context.Context, subject SubjectID) ([]Usage, error) {
	return l.store.UsagesBySubject(ctx, subject)
}

/*
Package ledger implements the leave-balance ledger.

PURPOSE:
  Tracks one resource type (leave days) per subject through two append-only
  record kinds:
  - Grant: a time-bounded entitlement credit (monthly accrual, fiscal-year
    allotment, attendance award, manual correction)
  - Usage: a posting that consumes part of a Grant, tied idempotently to the
    approving document

  Balance is derived: sum of non-expired Grants minus the Usages posted
  against them. A cached Balance row exists for cheap reads but is never the
  source of truth.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: day quantity with 0.5-day granularity, decimal-backed
  - Grant / Usage: the two ledger record kinds
  - Balance: the derived total/used/remaining view

DESIGN PRINCIPLES:
  1. Immutability: Grants and Usages are never mutated after insert
  2. Precision: decimal.Decimal throughout, no floating-point drift
  3. Idempotency: one Usage set per document id, one Grant per
     (subject, type, granted date)
  4. Expiration-aware FIFO: deduction consumes the soonest-to-expire
     Grant first

SEE ALSO:
  - ledger.go: balance calculation and FIFO deduction
  - date.go: day-granularity calendar arithmetic
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Leave days with half-day granularity
// =============================================================================

// Amount is a quantity of leave days. All arithmetic is decimal-backed;
// valid amounts are multiples of 0.5.
type Amount struct {
	Value decimal.Decimal
}

var halfDay = decimal.NewFromFloat(0.5)

func Days(v float64) Amount {
	return Amount{Value: decimal.NewFromFloat(v)}
}

func Zero() Amount {
	return Amount{Value: decimal.Zero}
}

// ParseAmount parses a decimal string into an Amount.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Value: d}, nil
}

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// IsHalfDayAligned reports whether the amount is a multiple of 0.5 days.
func (a Amount) IsHalfDayAligned() bool {
	return a.Value.Div(halfDay).IsInteger()
}

func (a Amount) Float64() float64 {
	f, _ := a.Value.Float64()
	return f
}

func (a Amount) String() string { return a.Value.String() }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SubjectID string
type GrantID string
type UsageID string

// =============================================================================
// GRANT - Time-bounded entitlement credit
// =============================================================================

type GrantType string

const (
	GrantMonthly         GrantType = "monthly"          // anniversary-month accrual
	GrantFiscalAnnual    GrantType = "fiscal-annual"    // prorated fiscal-year allotment
	GrantAttendanceAward GrantType = "attendance-award" // quarterly perfect-attendance award
	GrantOvertimeAward   GrantType = "overtime-award"   // compensation for approved overtime
	GrantManual          GrantType = "manual"           // administrative correction
)

// Grant is a time-bounded entitlement credit. Immutable after insert; a grant
// past its expiration date stays stored but is excluded from allocation.
type Grant struct {
	ID             GrantID
	SubjectID      SubjectID
	Type           GrantType
	Amount         Amount
	GrantedDate    Date
	ExpirationDate Date

	// ApprovalStatus is always "approved" once inserted; grants are not
	// separately approved. Kept as a column for audit parity.
	ApprovalStatus string

	// CalculationBasis explains how the amount was computed, for audit.
	CalculationBasis map[string]string

	CreatedAt time.Time
}

const GrantApproved = "approved"

// IdempotencyKey identifies a grant for duplicate suppression:
// one grant per (subject, type, granted date).
func (g Grant) IdempotencyKey() string {
	return fmt.Sprintf("%s|%s|%s", g.SubjectID, g.Type, g.GrantedDate)
}

// Validate checks the grant invariants: positive half-day-aligned amount and
// an expiration on or after the granted date.
func (g Grant) Validate() error {
	if !g.Amount.IsPositive() {
		return fmt.Errorf("%w: grant amount must be positive, got %s", ErrInvalidAmount, g.Amount)
	}
	if !g.Amount.IsHalfDayAligned() {
		return fmt.Errorf("%w: grant amount %s is not half-day aligned", ErrInvalidAmount, g.Amount)
	}
	if g.ExpirationDate.Before(g.GrantedDate) {
		return fmt.Errorf("%w: expiration %s precedes granted date %s",
			ErrInvalidGrant, g.ExpirationDate, g.GrantedDate)
	}
	return nil
}

// Expired reports whether the grant is past its expiration as of the date.
func (g Grant) Expired(asOf Date) bool {
	return g.ExpirationDate.Before(asOf)
}

// =============================================================================
// USAGE - Posting that consumes part of a Grant
// =============================================================================

// Usage consumes part of a Grant. The set of Usages sharing a DocumentID is
// created exactly once per document; the pairing is the idempotency key.
// Never mutated or deleted.
type Usage struct {
	ID         UsageID
	DocumentID string
	GrantID    GrantID
	SubjectID  SubjectID
	Amount     Amount
	UsedDate   Date
	CreatedAt  time.Time
}

// =============================================================================
// BALANCE - Derived total/used/remaining (read cache)
// =============================================================================

// Balance is the cached per-subject summary, recomputed after every Grant or
// Usage insertion. Reads may serve it directly; correctness always comes from
// replaying Grants and Usages.
type Balance struct {
	SubjectID SubjectID
	Total     Amount // non-expired granted days
	Used      Amount // usages against those grants
	Remaining Amount // Total - Used
	AsOf      Date
	UpdatedAt time.Time
}

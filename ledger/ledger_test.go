package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/officehub/workflow-engine/ledger"
	"github.com/officehub/workflow-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) *ledger.Ledger {
	led, _ := newTestLedgerStore(t)
	return led
}

func newTestLedgerStore(t *testing.T) (*ledger.Ledger, ledger.TxStore) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	view := store.Ledger()
	return ledger.New(view), view
}

func grant(subject string, gtype ledger.GrantType, amount float64, granted, expires string) ledger.Grant {
	return ledger.Grant{
		SubjectID:      ledger.SubjectID(subject),
		Type:           gtype,
		Amount:         ledger.Days(amount),
		GrantedDate:    mustDate(granted),
		ExpirationDate: mustDate(expires),
	}
}

func mustDate(s string) ledger.Date {
	d, err := ledger.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// GRANT ISSUANCE
// =============================================================================

func TestIssue_UpdatesBalance(t *testing.T) {
	// GIVEN: an empty ledger
	// WHEN: a 10-day grant is issued
	// THEN: the available balance is 10

	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantFiscalAnnual, 10, "2026-04-01", "2027-03-31")))

	available, err := led.AvailableBalance(ctx, "emp-1", mustDate("2026-06-01"))
	require.NoError(t, err)
	assert.True(t, available.Equal(ledger.Days(10)), "expected 10, got %s", available)
}

func TestIssue_DuplicateIdentity_Rejected(t *testing.T) {
	// GIVEN: a grant for (emp-1, monthly, 2026-08-15)
	// WHEN: the same identity is issued again
	// THEN: ErrDuplicateGrant, balance unchanged

	led := newTestLedger(t)
	ctx := context.Background()

	g := grant("emp-1", ledger.GrantMonthly, 1, "2026-08-15", "2027-05-15")
	require.NoError(t, led.Issue(ctx, g))

	err := led.Issue(ctx, g)
	assert.ErrorIs(t, err, ledger.ErrDuplicateGrant)

	available, err := led.AvailableBalance(ctx, "emp-1", mustDate("2026-08-15"))
	require.NoError(t, err)
	assert.True(t, available.Equal(ledger.Days(1)))
}

func TestIssue_InvalidGrants_Rejected(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name string
		g    ledger.Grant
	}{
		{"zero amount", grant("emp-1", ledger.GrantManual, 0, "2026-01-01", "2026-12-31")},
		{"negative amount", grant("emp-1", ledger.GrantManual, -1, "2026-01-01", "2026-12-31")},
		{"not half-day aligned", grant("emp-1", ledger.GrantManual, 0.3, "2026-01-01", "2026-12-31")},
		{"expires before granted", grant("emp-1", ledger.GrantManual, 1, "2026-12-31", "2026-01-01")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := led.Issue(ctx, tc.g)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// DEDUCTION - FIFO, idempotency, atomicity
// =============================================================================

func TestDeduct_FIFO_SoonestExpiryFirst(t *testing.T) {
	// GIVEN: grant E1 (5 days, expires 2026-06-30) and E2 (10 days,
	//        expires 2026-12-31)
	// WHEN: document A deducts 5, then document B deducts 2
	// THEN: A consumes all of E1, B consumes E2

	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantManual, 5, "2026-01-01", "2026-06-30")))
	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantFiscalAnnual, 10, "2026-01-01", "2026-12-31")))

	require.NoError(t, led.Deduct(ctx, "doc-a", "emp-1", ledger.Days(5), mustDate("2026-03-10")))
	require.NoError(t, led.Deduct(ctx, "doc-b", "emp-1", ledger.Days(2), mustDate("2026-03-11")))

	grants, err := led.Grants(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, grants, 2)

	var e1, e2 ledger.Grant
	for _, g := range grants {
		if g.ExpirationDate.Equal(mustDate("2026-06-30")) {
			e1 = g
		} else {
			e2 = g
		}
	}

	usages, err := led.Usages(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, usages, 2)

	for _, u := range usages {
		switch u.DocumentID {
		case "doc-a":
			assert.Equal(t, e1.ID, u.GrantID, "doc-a should consume the soonest-to-expire grant")
			assert.True(t, u.Amount.Equal(ledger.Days(5)))
		case "doc-b":
			assert.Equal(t, e2.ID, u.GrantID)
			assert.True(t, u.Amount.Equal(ledger.Days(2)))
		default:
			t.Fatalf("unexpected usage for document %s", u.DocumentID)
		}
	}

	available, err := led.AvailableBalance(ctx, "emp-1", mustDate("2026-03-11"))
	require.NoError(t, err)
	assert.True(t, available.Equal(ledger.Days(8)))
}

func TestDeduct_SplitsAcrossGrants(t *testing.T) {
	// GIVEN: 5 days expiring first, 10 days expiring later
	// WHEN: a 7-day deduction posts
	// THEN: 5 from the first grant, 2 from the second

	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantManual, 5, "2026-01-01", "2026-06-30")))
	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantFiscalAnnual, 10, "2026-01-01", "2026-12-31")))

	require.NoError(t, led.Deduct(ctx, "doc-a", "emp-1", ledger.Days(7), mustDate("2026-03-10")))

	usages, err := led.Usages(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, usages, 2)
	assert.True(t, usages[0].Amount.Add(usages[1].Amount).Equal(ledger.Days(7)))
}

func TestDeduct_Idempotent_SameDocument(t *testing.T) {
	// GIVEN: a committed deduction for doc-a
	// WHEN: the same document id deducts again (engine retry)
	// THEN: success without new postings

	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantFiscalAnnual, 10, "2026-01-01", "2026-12-31")))
	require.NoError(t, led.Deduct(ctx, "doc-a", "emp-1", ledger.Days(3), mustDate("2026-03-10")))
	require.NoError(t, led.Deduct(ctx, "doc-a", "emp-1", ledger.Days(3), mustDate("2026-03-10")))

	usages, err := led.Usages(ctx, "emp-1")
	require.NoError(t, err)
	assert.Len(t, usages, 1)

	available, err := led.AvailableBalance(ctx, "emp-1", mustDate("2026-03-10"))
	require.NoError(t, err)
	assert.True(t, available.Equal(ledger.Days(7)))
}

func TestDeduct_Insufficient_NoPartialPostings(t *testing.T) {
	// GIVEN: two grants worth 7 days total
	// WHEN: a 10-day deduction is attempted
	// THEN: InsufficientBalance and zero postings remain

	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantManual, 5, "2026-01-01", "2026-06-30")))
	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantMonthly, 2, "2026-02-01", "2026-12-31")))

	err := led.Deduct(ctx, "doc-a", "emp-1", ledger.Days(10), mustDate("2026-03-10"))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall.Equal(ledger.Days(3)))

	// The partial allocations must have rolled back with the failure.
	usages, err := led.Usages(ctx, "emp-1")
	require.NoError(t, err)
	assert.Empty(t, usages)

	available, err := led.AvailableBalance(ctx, "emp-1", mustDate("2026-03-10"))
	require.NoError(t, err)
	assert.True(t, available.Equal(ledger.Days(7)))
}

func TestDeduct_ExpiredGrantExcluded(t *testing.T) {
	// GIVEN: a grant that expired before the usage date
	// WHEN: balance is read and a deduction attempted after expiry
	// THEN: the expired grant contributes nothing

	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantMonthly, 1, "2025-05-15", "2026-01-31")))
	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantFiscalAnnual, 3, "2026-04-01", "2027-03-31")))

	available, err := led.AvailableBalance(ctx, "emp-1", mustDate("2026-06-01"))
	require.NoError(t, err)
	assert.True(t, available.Equal(ledger.Days(3)))

	err = led.Deduct(ctx, "doc-a", "emp-1", ledger.Days(4), mustDate("2026-06-01"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestDeduct_HalfDayAmounts(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantFiscalAnnual, 10, "2026-04-01", "2027-03-31")))

	require.NoError(t, led.Deduct(ctx, "doc-a", "emp-1", ledger.Days(0.5), mustDate("2026-05-01")))

	available, err := led.AvailableBalance(ctx, "emp-1", mustDate("2026-05-01"))
	require.NoError(t, err)
	assert.True(t, available.Equal(ledger.Days(9.5)))

	err = led.Deduct(ctx, "doc-b", "emp-1", ledger.Days(0.3), mustDate("2026-05-02"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// MANUAL DEDUCTION
// =============================================================================

func TestDeductManual_SyntheticDocumentID(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantFiscalAnnual, 10, "2026-04-01", "2027-03-31")))

	docID, err := led.DeductManual(ctx, "emp-1", ledger.Days(2), mustDate("2026-05-01"), "correction", "admin-1")
	require.NoError(t, err)
	assert.Contains(t, docID, "manual-")

	usages, err := led.Usages(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, docID, usages[0].DocumentID)
}

// =============================================================================
// BALANCE CACHE
// =============================================================================

func TestBalanceView_TotalUsedRemaining(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.Issue(ctx, grant("emp-1", ledger.GrantFiscalAnnual, 10, "2026-04-01", "2027-03-31")))
	require.NoError(t, led.Deduct(ctx, "doc-a", "emp-1", ledger.Days(4), mustDate("2026-05-01")))

	balance, err := led.BalanceView(ctx, "emp-1", mustDate("2026-05-01"))
	require.NoError(t, err)
	assert.True(t, balance.Total.Equal(ledger.Days(10)))
	assert.True(t, balance.Used.Equal(ledger.Days(4)))
	assert.True(t, balance.Remaining.Equal(ledger.Days(6)))
}

func TestBalanceView_ServesCachedRow(t *testing.T) {
	// GIVEN: a cached balance row computed for a specific date
	// WHEN: the view is read for that date and then for a different one
	// THEN: the matching read serves the cached row; the miss replays the
	//       ledger records

	led, store := newTestLedgerStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBalance(ctx, ledger.Balance{
		SubjectID: "emp-1",
		Total:     ledger.Days(9),
		Used:      ledger.Days(2),
		Remaining: ledger.Days(7),
		AsOf:      mustDate("2026-05-01"),
	}))

	cached, err := led.BalanceView(ctx, "emp-1", mustDate("2026-05-01"))
	require.NoError(t, err)
	assert.True(t, cached.Total.Equal(ledger.Days(9)))
	assert.True(t, cached.Remaining.Equal(ledger.Days(7)))

	recomputed, err := led.BalanceView(ctx, "emp-1", mustDate("2026-06-01"))
	require.NoError(t, err)
	assert.True(t, recomputed.Remaining.IsZero(), "a date miss must replay the records, got %s", recomputed.Remaining)
}

func TestAvailableBalance_EmptySubject(t *testing.T) {
	led := newTestLedger(t)

	available, err := led.AvailableBalance(context.Background(), "nobody", ledger.Today())
	require.NoError(t, err)
	assert.True(t, available.IsZero())

	err = led.Deduct(context.Background(), "doc-a", "nobody", ledger.Days(1), ledger.Today())
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
}

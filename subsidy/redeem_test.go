package subsidy_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/subsidy-engine/catalog"
	"github.com/warp/subsidy-engine/fulfillment"
	"github.com/warp/subsidy-engine/ledger"
	"github.com/warp/subsidy-engine/subsidy"
)

const courseKey = "course-v1:edX+DemoX+Demo"

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestRedeem_SpendsAndEnrolls(t *testing.T) {
	// GIVEN: A subsidy with 1000.00 of credit and a 100.00 course
	// WHEN:  A learner redeems
	// THEN:  A committed -10000 transaction exists, the learner is
	//        enrolled, and the balance dropped to 90000
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 100.00)

	tx, created, err := f.svc.Redeem(ctx, subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ledger.TxCommitted, tx.State)
	assert.Equal(t, int64(-10_000), tx.Quantity)
	assert.Equal(t, "enrollment-1", tx.FulfillmentID)
	assert.Equal(t, "alice", tx.LearnerID)

	assert.Equal(t, int64(90_000), f.balance(sub))
	assert.Equal(t, 1, f.enrollment.enrollCount())
}

func TestRedeem_ReplayReturnsExistingWithoutSpending(t *testing.T) {
	// GIVEN: A committed redemption
	// WHEN:  The same (learner, content) redeems again
	// THEN:  The original transaction comes back, nothing moves
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 100.00)

	req := subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	}

	first, created, err := f.svc.Redeem(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.svc.Redeem(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, int64(90_000), f.balance(sub))
	assert.Equal(t, 1, f.enrollment.enrollCount())
}

func TestRedeem_ExistingRedemptionSurvivesExpiry(t *testing.T) {
	// GIVEN: A redemption committed while the subsidy was active
	// WHEN:  The subsidy expires and the same request replays
	// THEN:  The existing transaction is still returned
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 100.00)

	req := subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	}
	first, _, err := f.svc.Redeem(ctx, req)
	require.NoError(t, err)

	f.now = f.now.Add(365 * 24 * time.Hour)

	replay, created, err := f.svc.Redeem(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, replay.ID)
}

// =============================================================================
// REFUSALS - No value moves
// =============================================================================

func TestRedeem_InsufficientBalanceRefused(t *testing.T) {
	f := newFixture(t)
	sub := f.newLearnerCredit(5_000)
	f.addCourse(courseKey, 100.00)

	_, _, err := f.svc.Redeem(context.Background(), subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	})
	assert.ErrorIs(t, err, subsidy.ErrNotRedeemable)
	assert.Equal(t, int64(5_000), f.balance(sub))
	assert.Equal(t, 0, f.enrollment.enrollCount())
}

func TestRedeem_InactiveSubsidyRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCourse(courseKey, 100.00)

	sub, _, err := f.svc.CreateSubsidy(ctx, subsidy.CreateSubsidyParams{
		Title:                  "Not yet active",
		ReferenceID:            "opp-future",
		EnterpriseCustomerUUID: "customer-1",
		Unit:                   ledger.UnitUSDCents,
		StartingBalance:        100_000,
		ActiveDatetime:         f.now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	_, _, err = f.svc.Redeem(ctx, subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	})
	assert.ErrorIs(t, err, subsidy.ErrSubsidyInactive)

	var inactive *subsidy.InactiveError
	require.ErrorAs(t, err, &inactive)
	assert.Equal(t, sub.UUID, inactive.SubsidyUUID)
}

func TestRedeem_UnknownContentRefused(t *testing.T) {
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)

	_, _, err := f.svc.Redeem(context.Background(), subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  "course-v1:NOT+IN+CATALOG",
	})
	assert.ErrorIs(t, err, catalog.ErrContentNotFound)
	assert.Equal(t, int64(100_000), f.balance(sub))
}

func TestRedeem_UnknownSubsidyRefused(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Redeem(context.Background(), subsidy.RedeemRequest{
		SubsidyUUID: "nope",
		LearnerID:   "alice",
		ContentKey:  courseKey,
	})
	assert.ErrorIs(t, err, subsidy.ErrSubsidyNotFound)
}

// =============================================================================
// REQUESTED PRICE - Band validation end to end
// =============================================================================

func TestRedeem_RequestedPriceBand(t *testing.T) {
	// Canonical price 10000 cents, band [0.80, 1.20] inclusive.
	cases := []struct {
		name      string
		requested int64
		ok        bool
		spend     int64
	}{
		{"lower edge passes", 8_000, true, 8_000},
		{"upper edge passes", 12_000, true, 12_000},
		{"below band refused", 7_999, false, 0},
		{"above band refused", 12_001, false, 0},
		{"negative refused", -1, false, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			sub := f.newLearnerCredit(100_000)
			f.addCourse(courseKey, 100.00)

			tx, _, err := f.svc.Redeem(context.Background(), subsidy.RedeemRequest{
				SubsidyUUID:         sub.UUID,
				LearnerID:           "alice",
				ContentKey:          courseKey,
				RequestedPriceCents: &tc.requested,
			})
			if !tc.ok {
				assert.ErrorIs(t, err, subsidy.ErrPriceValidation)
				assert.Equal(t, int64(100_000), f.balance(sub))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, -tc.spend, tx.Quantity)
			assert.Equal(t, 100_000-tc.spend, f.balance(sub))
		})
	}
}

func TestRedeem_NilRequestedPriceUsesCanonical(t *testing.T) {
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 149.99)

	tx, _, err := f.svc.Redeem(context.Background(), subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-14_999), tx.Quantity)
}

func TestRedeem_ZeroCanonicalPriceIsRedeemable(t *testing.T) {
	// Fully discounted content spends nothing but still enrolls.
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 0)

	tx, created, err := f.svc.Redeem(context.Background(), subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(0), tx.Quantity)
	assert.Equal(t, ledger.TxCommitted, tx.State)
	assert.Equal(t, int64(100_000), f.balance(sub))
	assert.Equal(t, 1, f.enrollment.enrollCount())
}

// =============================================================================
// FULFILLMENT FAILURE - Failed transaction, balance untouched
// =============================================================================

func TestRedeem_EnrollmentFailureMarksTransactionFailed(t *testing.T) {
	// GIVEN: An enrollment service that errors
	// WHEN:  A redemption reaches fulfillment
	// THEN:  The transaction lands in FAILED, stays for audit, and the
	//        balance is untouched
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 100.00)
	f.enrollment.enrollErr = errors.New("enrollment service down")

	_, _, err := f.svc.Redeem(ctx, subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	})
	require.Error(t, err)
	assert.Equal(t, int64(100_000), f.balance(sub))

	txs, err := f.svc.ListTransactions(ctx, sub.UUID, ledger.TransactionFilter{
		States: []ledger.TransactionState{ledger.TxFailed},
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "alice", txs[0].LearnerID)
}

func TestRedeem_EnrollmentFailureRollsBackExternalAllocation(t *testing.T) {
	// GIVEN: Exec-ed content whose seat allocation succeeded
	// WHEN:  The platform enrollment then fails
	// THEN:  The provisioned seat is cancelled and recorded on the
	//        failed transaction for audit
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addExecEdCourse(courseKey, 100.00, time.Time{})
	f.enrollment.enrollErr = errors.New("enrollment service down")

	_, _, err := f.svc.Redeem(ctx, subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
		Metadata:    externalMetadata(),
	})
	require.Error(t, err)

	assert.Equal(t, []string{"alloc-1"}, f.allocator.allocated)
	assert.Equal(t, []string{"alloc-1"}, f.allocator.cancelled)

	txs, err := f.svc.ListTransactions(ctx, sub.UUID, ledger.TransactionFilter{
		States: []ledger.TransactionState{ledger.TxFailed},
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Len(t, txs[0].ExternalReferences, 1)
	assert.Equal(t, fulfillment.ProviderSlugExternal, txs[0].ExternalReferences[0].ProviderSlug)
}

func TestRedeem_RetryAfterFailureSucceeds(t *testing.T) {
	// GIVEN: A failed redemption attempt holding the derived key
	// WHEN:  The learner retries after the outage
	// THEN:  The retry lands under a salted key and commits; the failed
	//        record stays in the ledger
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 100.00)

	req := subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	}

	f.enrollment.enrollErr = errors.New("transient outage")
	_, _, err := f.svc.Redeem(ctx, req)
	require.Error(t, err)

	f.enrollment.enrollErr = nil
	tx, created, err := f.svc.Redeem(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ledger.TxCommitted, tx.State)
	assert.True(t, strings.HasSuffix(tx.IdempotencyKey, "-retry-1"))

	assert.Equal(t, int64(90_000), f.balance(sub))

	all, err := f.svc.ListTransactions(ctx, sub.UUID, ledger.TransactionFilter{
		LearnerID: "alice",
	})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// EXTERNAL FULFILLMENT - Validate, allocate, enroll
// =============================================================================

func TestRedeem_ExternalContentRecordsAllocationReference(t *testing.T) {
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)
	f.addExecEdCourse(courseKey, 100.00, time.Time{})

	tx, _, err := f.svc.Redeem(context.Background(), subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
		Metadata:    externalMetadata(),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCommitted, tx.State)
	require.Len(t, tx.ExternalReferences, 1)
	assert.Equal(t, fulfillment.ProviderSlugExternal, tx.ExternalReferences[0].ProviderSlug)
	assert.Equal(t, "alloc-1", tx.ExternalReferences[0].ReferenceID)
}

func TestRedeem_ExternalContentValidatesMetadataBeforeAllocating(t *testing.T) {
	// GIVEN: Exec-ed content and a request missing learner metadata
	// WHEN:  Redeeming
	// THEN:  Validation fails before any provider seat is spent
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)
	f.addExecEdCourse(courseKey, 100.00, time.Time{})

	_, _, err := f.svc.Redeem(context.Background(), subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
		Metadata:    map[string]string{fulfillment.MetaFirstName: "Ada"},
	})
	assert.ErrorIs(t, err, fulfillment.ErrInvalidMetadata)
	assert.Empty(t, f.allocator.allocated)
	assert.Equal(t, int64(100_000), f.balance(sub))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRedeem_ConcurrentDuplicatesSpendOnce(t *testing.T) {
	// GIVEN: The same redemption fired from several goroutines
	// WHEN:  They race through the ledger lock
	// THEN:  Exactly one spend commits; everyone sees the same transaction
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 100.00)

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]ledger.TransactionID, workers)
	createds := make([]bool, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, created, err := f.svc.Redeem(ctx, subsidy.RedeemRequest{
				SubsidyUUID: sub.UUID,
				LearnerID:   "alice",
				ContentKey:  courseKey,
			})
			errs[i] = err
			if err == nil {
				ids[i] = tx.ID
				createds[i] = created
			}
		}(i)
	}
	wg.Wait()

	creations := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if createds[i] {
			creations++
		}
	}
	assert.Equal(t, 1, creations)
	assert.Equal(t, int64(90_000), f.balance(sub))
	assert.Equal(t, 1, f.enrollment.enrollCount())
}

func TestRedeem_ConcurrentDistinctLearnersCannotOverspend(t *testing.T) {
	// GIVEN: Six learners racing for a 100.00 course on a balance that
	//        only covers one of them
	// WHEN:  The redemptions serialize behind the ledger lock
	// THEN:  Exactly one spend commits; the rest are refused by the
	//        re-checked balance and the ledger never goes negative
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(15_000)
	f.addCourse(courseKey, 100.00)

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.svc.Redeem(ctx, subsidy.RedeemRequest{
				SubsidyUUID: sub.UUID,
				LearnerID:   fmt.Sprintf("learner-%d", i),
				ContentKey:  courseKey,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i := 0; i < workers; i++ {
		if errs[i] == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, errs[i], subsidy.ErrNotRedeemable)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(5_000), f.balance(sub))
	assert.Equal(t, 1, f.enrollment.enrollCount())

	spends, err := f.svc.ListTransactions(ctx, sub.UUID, ledger.TransactionFilter{
		ContentKey: courseKey,
		States:     []ledger.TransactionState{ledger.TxCommitted},
	})
	require.NoError(t, err)
	assert.Len(t, spends, 1)
}

func TestRedeem_HeldLockTimesOutRetryably(t *testing.T) {
	// GIVEN: Another writer holding the ledger lock past the wait bound
	// WHEN:  A redemption tries to acquire it
	// THEN:  It fails with the retryable lock error
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addCourse(courseKey, 100.00)

	release, err := f.locker.Acquire(ctx, sub.LedgerID)
	require.NoError(t, err)
	defer release()

	_, _, err = f.svc.Redeem(ctx, subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  courseKey,
	})
	assert.ErrorIs(t, err, ledger.ErrLockAcquisition)
	assert.True(t, ledger.IsRetryable(err))
}

package subsidy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/subsidy-engine/ledger"
	"github.com/warp/subsidy-engine/subsidy"
)

func TestCreateDeposit_AddsValue(t *testing.T) {
	// GIVEN: A subsidy with 1000.00 of credit
	// WHEN:  A contract renewal deposits 500.00
	// THEN:  The balance reflects both
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)

	dep, created, err := f.svc.CreateDeposit(context.Background(), subsidy.DepositRequest{
		SubsidyUUID: sub.UUID,
		Quantity:    50_000,
		ReferenceID: "opp-renewal-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(50_000), dep.DesiredQuantity)
	assert.Equal(t, sub.LedgerID, dep.LedgerID)

	assert.Equal(t, int64(150_000), f.balance(sub))
}

func TestCreateDeposit_ReplaySameReferenceMovesNothing(t *testing.T) {
	// GIVEN: A deposit for (reference, quantity)
	// WHEN:  The identical deposit replays
	// THEN:  The existing record comes back and the balance is unchanged
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)

	req := subsidy.DepositRequest{
		SubsidyUUID: sub.UUID,
		Quantity:    50_000,
		ReferenceID: "opp-renewal-1",
	}

	first, created, err := f.svc.CreateDeposit(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	replay, created, err := f.svc.CreateDeposit(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TransactionID, replay.TransactionID)
	assert.Equal(t, int64(150_000), f.balance(sub))
}

func TestCreateDeposit_SameReferenceDifferentQuantityIsNew(t *testing.T) {
	// The idempotency scope is (reference, quantity): a renewal at a new
	// amount under the same contract is a genuine second deposit.
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)

	_, created, err := f.svc.CreateDeposit(ctx, subsidy.DepositRequest{
		SubsidyUUID: sub.UUID,
		Quantity:    50_000,
		ReferenceID: "opp-renewal-1",
	})
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = f.svc.CreateDeposit(ctx, subsidy.DepositRequest{
		SubsidyUUID: sub.UUID,
		Quantity:    25_000,
		ReferenceID: "opp-renewal-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(175_000), f.balance(sub))
}

func TestCreateDeposit_NonPositiveQuantityRefused(t *testing.T) {
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)

	for _, quantity := range []int64{0, -1} {
		_, _, err := f.svc.CreateDeposit(context.Background(), subsidy.DepositRequest{
			SubsidyUUID: sub.UUID,
			Quantity:    quantity,
			ReferenceID: "opp-bad",
		})
		assert.ErrorIs(t, err, subsidy.ErrInvalidDeposit)
	}
	assert.Equal(t, int64(100_000), f.balance(sub))
}

func TestCreateDeposit_DefaultsReferenceProviderFromSubsidy(t *testing.T) {
	f := newFixture(t)
	sub := f.newLearnerCredit(0)

	dep, _, err := f.svc.CreateDeposit(context.Background(), subsidy.DepositRequest{
		SubsidyUUID: sub.UUID,
		Quantity:    10_000,
		ReferenceID: "opp-renewal-1",
	})
	require.NoError(t, err)
	assert.Equal(t, subsidy.ReferenceTypeOpportunityProduct, dep.ReferenceProvider)
}

func TestCreateDeposit_CommitsItsTransaction(t *testing.T) {
	// Deposits skip fulfillment: the backing transaction lands straight in
	// COMMITTED so the value is spendable immediately.
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(0)

	dep, _, err := f.svc.CreateDeposit(ctx, subsidy.DepositRequest{
		SubsidyUUID: sub.UUID,
		Quantity:    10_000,
		ReferenceID: "opp-renewal-1",
	})
	require.NoError(t, err)

	tx, err := f.svc.GetTransaction(ctx, dep.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCommitted, tx.State)
	assert.Equal(t, int64(10_000), tx.Quantity)
	assert.Empty(t, tx.FulfillmentID)
}

func TestCreateDeposit_AdoptsStalledTransaction(t *testing.T) {
	// GIVEN: A prior deposit attempt crashed after creating its
	//        transaction but before committing it
	// WHEN:  The same deposit replays
	// THEN:  The stalled transaction is driven to committed and the value
	//        becomes spendable
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(0)

	stalled, _, err := f.ledgers.GetOrCreateTransaction(ctx, ledger.Transaction{
		ID:             ledger.TransactionID(ledger.NewID()),
		LedgerID:       sub.LedgerID,
		Quantity:       50_000,
		IdempotencyKey: ledger.DepositKey(sub.LedgerID, "opp-renewal-1", 50_000),
		State:          ledger.TxCreated,
		CreatedAt:      f.now,
		ModifiedAt:     f.now,
	})
	require.NoError(t, err)

	dep, _, err := f.svc.CreateDeposit(ctx, subsidy.DepositRequest{
		SubsidyUUID: sub.UUID,
		Quantity:    50_000,
		ReferenceID: "opp-renewal-1",
	})
	require.NoError(t, err)
	assert.Equal(t, stalled.ID, dep.TransactionID)

	tx, err := f.svc.GetTransaction(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCommitted, tx.State)
	assert.Equal(t, int64(50_000), f.balance(sub))
}

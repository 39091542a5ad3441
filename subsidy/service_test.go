/*
service_test.go - Shared test fixture plus subsidy creation and
aggregate redeemability tests.

The fixture wires the service against in-memory stores and fake
collaborators (catalog, enrollment, external allocator, licenses) so
every scenario runs hermetically with a fixed clock.
*/
package subsidy_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/subsidy-engine/catalog"
	"github.com/warp/subsidy-engine/fulfillment"
	"github.com/warp/subsidy-engine/ledger"
	"github.com/warp/subsidy-engine/ledger/store"
	"github.com/warp/subsidy-engine/license"
	"github.com/warp/subsidy-engine/subsidy"
)

// =============================================================================
// FAKE COLLABORATORS
// =============================================================================

type fakeCatalog struct {
	mu      sync.Mutex
	content map[string]catalog.ContentMetadata
	err     error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{content: make(map[string]catalog.ContentMetadata)}
}

func (c *fakeCatalog) add(md catalog.ContentMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content[md.ContentKey] = md
}

func (c *fakeCatalog) GetContentMetadata(_ context.Context, customerID, contentKey string) (*catalog.ContentMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	md, ok := c.content[contentKey]
	if !ok {
		return nil, &catalog.NotFoundError{CustomerID: customerID, ContentKey: contentKey}
	}
	out := md
	return &out, nil
}

type fakeEnrollment struct {
	mu        sync.Mutex
	enrollErr error
	cancelErr error
	enrolled  []ledger.TransactionID
	cancelled []string
	seq       int
}

func (e *fakeEnrollment) Enroll(_ context.Context, _, _ string, txID ledger.TransactionID) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enrollErr != nil {
		return "", e.enrollErr
	}
	e.seq++
	e.enrolled = append(e.enrolled, txID)
	return fmt.Sprintf("enrollment-%d", e.seq), nil
}

func (e *fakeEnrollment) CancelFulfillment(_ context.Context, fulfillmentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelErr != nil {
		return e.cancelErr
	}
	e.cancelled = append(e.cancelled, fulfillmentID)
	return nil
}

func (e *fakeEnrollment) enrollCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.enrolled)
}

type fakeAllocator struct {
	mu          sync.Mutex
	allocateErr error
	cancelErr   error
	allocated   []string
	cancelled   []string
	seq         int
}

func (a *fakeAllocator) Allocate(_ context.Context, _ fulfillment.AllocationRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocateErr != nil {
		return "", a.allocateErr
	}
	a.seq++
	id := fmt.Sprintf("alloc-%d", a.seq)
	a.allocated = append(a.allocated, id)
	return id, nil
}

func (a *fakeAllocator) CancelAllocation(_ context.Context, allocationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelErr != nil {
		return a.cancelErr
	}
	a.cancelled = append(a.cancelled, allocationID)
	return nil
}

type fakeLicenses struct {
	mu        sync.Mutex
	plan      license.PlanMetadata
	byLearner map[string]license.License
	assigned  []string
}

func newFakeLicenses() *fakeLicenses {
	return &fakeLicenses{
		plan:      license.PlanMetadata{PendingLicenses: 10, TotalLicenses: 10},
		byLearner: make(map[string]license.License),
	}
}

func (l *fakeLicenses) GetPlanMetadata(_ context.Context, _ string) (*license.PlanMetadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	plan := l.plan
	return &plan, nil
}

func (l *fakeLicenses) GetLicense(_ context.Context, _, learnerID string) (*license.License, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lic, ok := l.byLearner[learnerID]
	if !ok {
		return nil, nil
	}
	out := lic
	return &out, nil
}

func (l *fakeLicenses) AssignLicense(_ context.Context, _, learnerID string) (*license.License, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lic := license.License{
		UUID:      ledger.NewID(),
		LearnerID: learnerID,
		Status:    license.StatusAssigned,
	}
	l.byLearner[learnerID] = lic
	l.plan.PendingLicenses--
	l.assigned = append(l.assigned, learnerID)
	out := lic
	return &out, nil
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	t *testing.T

	subsidies  *subsidy.MemoryStore
	ledgers    *store.Memory
	locker     *store.MemoryLocker
	catalog    *fakeCatalog
	enrollment *fakeEnrollment
	allocator  *fakeAllocator
	licenses   *fakeLicenses
	svc        *subsidy.Service

	// now is the frozen clock; tests advance it directly.
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:          t,
		subsidies:  subsidy.NewMemoryStore(),
		ledgers:    store.NewMemory(),
		locker:     store.NewMemoryLocker(200 * time.Millisecond),
		catalog:    newFakeCatalog(),
		enrollment: &fakeEnrollment{},
		allocator:  &fakeAllocator{},
		licenses:   newFakeLicenses(),
		now:        time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC),
	}

	logger := log.New(io.Discard, "", 0)
	f.svc = subsidy.NewService(subsidy.Config{
		Subsidies:  f.subsidies,
		Ledger:     f.ledgers,
		Locker:     f.locker,
		Pricer:     subsidy.NewPricer(f.catalog),
		Enrollment: f.enrollment,
		External:   fulfillment.NewExternalHandler(f.allocator, logger),
		Licenses:   f.licenses,
		Logger:     logger,
		Now:        func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) newLearnerCredit(balance int64) *subsidy.Subsidy {
	f.t.Helper()
	sub, created, err := f.svc.CreateSubsidy(context.Background(), subsidy.CreateSubsidyParams{
		Title:                  "Engineering upskilling",
		ReferenceID:            "opp-" + ledger.NewID(),
		EnterpriseCustomerUUID: "customer-1",
		Unit:                   ledger.UnitUSDCents,
		StartingBalance:        balance,
	})
	require.NoError(f.t, err)
	require.True(f.t, created)
	return sub
}

func (f *fixture) newSubscription(seats int64) *subsidy.Subsidy {
	f.t.Helper()
	sub, created, err := f.svc.CreateSubsidy(context.Background(), subsidy.CreateSubsidyParams{
		Title:                  "All-access subscription",
		ReferenceID:            "opp-" + ledger.NewID(),
		EnterpriseCustomerUUID: "customer-1",
		Unit:                   ledger.UnitSeats,
		StartingBalance:        seats,
		Kind:                   subsidy.KindSubscription,
		SubscriptionPlanUUID:   "plan-1",
	})
	require.NoError(f.t, err)
	require.True(f.t, created)
	return sub
}

// addCourse seeds platform content priced in decimal dollars.
func (f *fixture) addCourse(contentKey string, priceDollars float64) {
	f.catalog.add(catalog.ContentMetadata{
		ContentKey: contentKey,
		Title:      "Test Course",
		CourseType: catalog.CourseTypeVerified,
		Price:      decimalFromFloat(priceDollars),
	})
}

// addExecEdCourse seeds content that needs an external seat allocation.
func (f *fixture) addExecEdCourse(contentKey string, priceDollars float64, courseStart time.Time) {
	f.catalog.add(catalog.ContentMetadata{
		ContentKey:  contentKey,
		Title:       "Exec Ed Course",
		CourseType:  catalog.CourseTypeExecEd,
		Price:       decimalFromFloat(priceDollars),
		CourseStart: courseStart,
	})
}

func (f *fixture) balance(sub *subsidy.Subsidy) int64 {
	f.t.Helper()
	balance, err := f.svc.Balance(context.Background(), sub.UUID)
	require.NoError(f.t, err)
	return balance
}

func decimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// externalMetadata returns the learner-provided fields the external
// allocation provider requires.
func externalMetadata() map[string]string {
	return map[string]string{
		fulfillment.MetaFirstName:     "Ada",
		fulfillment.MetaLastName:      "Lovelace",
		fulfillment.MetaDateOfBirth:   "1990-12-10",
		fulfillment.MetaEmail:         "ada@example.com",
		fulfillment.MetaTermsAccepted: "2024-05-01T00:00:00Z",
	}
}

// =============================================================================
// SUBSIDY CREATION
// =============================================================================

func TestCreateSubsidy_DepositsStartingBalance(t *testing.T) {
	// GIVEN: A new subsidy with a starting balance
	// WHEN:  Creation completes
	// THEN:  The ledger holds exactly the starting balance
	f := newFixture(t)

	sub := f.newLearnerCredit(250_000)

	assert.Equal(t, subsidy.KindLearnerCredit, sub.Kind)
	assert.Equal(t, int64(250_000), f.balance(sub))
}

func TestCreateSubsidy_ReplayedReferenceReturnsExisting(t *testing.T) {
	// GIVEN: A subsidy provisioned from an upstream sales contract
	// WHEN:  The same contract reference is provisioned again
	// THEN:  The existing subsidy comes back, no second deposit happens
	f := newFixture(t)
	ctx := context.Background()

	params := subsidy.CreateSubsidyParams{
		Title:                  "Renewed contract",
		ReferenceID:            "opp-12345",
		EnterpriseCustomerUUID: "customer-1",
		Unit:                   ledger.UnitUSDCents,
		StartingBalance:        100_000,
	}

	first, created, err := f.svc.CreateSubsidy(ctx, params)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.svc.CreateSubsidy(ctx, params)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.UUID, second.UUID)
	assert.Equal(t, int64(100_000), f.balance(first))
}

func TestCreateSubsidy_ReplayWithDifferentUnitRefused(t *testing.T) {
	// GIVEN: A usd_cents subsidy provisioned from a sales contract
	// WHEN:  The same contract reference is provisioned again in seats
	// THEN:  The mismatch is an error, not a silent return of the
	//        existing subsidy
	f := newFixture(t)
	ctx := context.Background()

	_, created, err := f.svc.CreateSubsidy(ctx, subsidy.CreateSubsidyParams{
		Title:                  "Credit contract",
		ReferenceID:            "opp-12345",
		EnterpriseCustomerUUID: "customer-1",
		Unit:                   ledger.UnitUSDCents,
		StartingBalance:        100_000,
	})
	require.NoError(t, err)
	require.True(t, created)

	_, _, err = f.svc.CreateSubsidy(ctx, subsidy.CreateSubsidyParams{
		Title:                  "Same contract, wrong unit",
		ReferenceID:            "opp-12345",
		EnterpriseCustomerUUID: "customer-1",
		Unit:                   ledger.UnitSeats,
		Kind:                   subsidy.KindSubscription,
		SubscriptionPlanUUID:   "plan-1",
	})
	assert.ErrorIs(t, err, ledger.ErrUnitMismatch)
}

func TestCreateSubsidy_InternalOnlySkipsReferenceDedup(t *testing.T) {
	// GIVEN: An internal-only test subsidy under some reference
	// WHEN:  Another internal-only subsidy reuses the reference
	// THEN:  Both exist as distinct records
	f := newFixture(t)
	ctx := context.Background()

	params := subsidy.CreateSubsidyParams{
		Title:                  "Test record",
		ReferenceID:            "opp-internal",
		EnterpriseCustomerUUID: "customer-1",
		Unit:                   ledger.UnitUSDCents,
		InternalOnly:           true,
	}

	first, created, err := f.svc.CreateSubsidy(ctx, params)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.svc.CreateSubsidy(ctx, params)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.UUID, second.UUID)
}

func TestCreateSubsidy_RejectsUnsupportedUnit(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.CreateSubsidy(context.Background(), subsidy.CreateSubsidyParams{
		Title: "Bad unit",
		Unit:  ledger.Unit("bitcoin"),
	})
	assert.Error(t, err)
}

func TestCreateSubsidy_SubscriptionRequiresPlanUUID(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.CreateSubsidy(context.Background(), subsidy.CreateSubsidyParams{
		Title: "Seats without a plan",
		Unit:  ledger.UnitSeats,
		Kind:  subsidy.KindSubscription,
	})
	assert.Error(t, err)
}

// =============================================================================
// AGGREGATE REDEEMABILITY
// =============================================================================

func TestCanRedeem_FreshContentIsRedeemable(t *testing.T) {
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)
	f.addCourse("course-v1:X+Y+Z", 100.00)

	d, err := f.svc.CanRedeem(context.Background(), sub.UUID, "alice", "course-v1:X+Y+Z")
	require.NoError(t, err)
	assert.True(t, d.Active)
	assert.True(t, d.CanRedeem)
	assert.Equal(t, int64(10_000), d.ContentPriceCents)
	assert.Nil(t, d.ExistingTransaction)
}

func TestCanRedeem_ExistingRedemptionReported(t *testing.T) {
	// GIVEN: A learner who already redeemed the content
	// WHEN:  Asking whether they can redeem it
	// THEN:  The existing transaction is reported instead of a fresh yes
	f := newFixture(t)
	ctx := context.Background()
	sub := f.newLearnerCredit(100_000)
	f.addCourse("course-v1:X+Y+Z", 100.00)

	tx, _, err := f.svc.Redeem(ctx, subsidy.RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   "alice",
		ContentKey:  "course-v1:X+Y+Z",
	})
	require.NoError(t, err)

	d, err := f.svc.CanRedeem(ctx, sub.UUID, "alice", "course-v1:X+Y+Z")
	require.NoError(t, err)
	assert.False(t, d.CanRedeem)
	require.NotNil(t, d.ExistingTransaction)
	assert.Equal(t, tx.ID, d.ExistingTransaction.ID)
	assert.Equal(t, int64(10_000), d.ContentPriceCents)
	assert.Equal(t, "already redeemed", d.Reason)
}

func TestCanRedeem_InactiveSubsidy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCourse("course-v1:X+Y+Z", 100.00)

	sub, created, err := f.svc.CreateSubsidy(ctx, subsidy.CreateSubsidyParams{
		Title:                  "Lapsed contract",
		ReferenceID:            "opp-lapsed",
		EnterpriseCustomerUUID: "customer-1",
		Unit:                   ledger.UnitUSDCents,
		StartingBalance:        100_000,
		ExpirationDatetime:     f.now.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)

	d, err := f.svc.CanRedeem(ctx, sub.UUID, "alice", "course-v1:X+Y+Z")
	require.NoError(t, err)
	assert.False(t, d.Active)
	assert.False(t, d.CanRedeem)
	assert.Equal(t, "subsidy is not active", d.Reason)
}

func TestCanRedeem_ContentMissingFromCatalogIsANo(t *testing.T) {
	// GIVEN: Content absent from the customer's catalog
	// WHEN:  Asking about redeemability
	// THEN:  A negative decision, not an error
	f := newFixture(t)
	sub := f.newLearnerCredit(100_000)

	d, err := f.svc.CanRedeem(context.Background(), sub.UUID, "alice", "course-v1:MISSING")
	require.NoError(t, err)
	assert.False(t, d.CanRedeem)
	assert.Equal(t, "content not in customer catalog", d.Reason)
}

func TestCanRedeem_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	sub := f.newLearnerCredit(5_000)
	f.addCourse("course-v1:X+Y+Z", 100.00)

	d, err := f.svc.CanRedeem(context.Background(), sub.UUID, "alice", "course-v1:X+Y+Z")
	require.NoError(t, err)
	assert.True(t, d.Active)
	assert.False(t, d.CanRedeem)
	assert.Equal(t, int64(10_000), d.ContentPriceCents)
	assert.Contains(t, d.Reason, "cannot cover")
}

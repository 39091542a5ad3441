/*
service.go - Subsidy service wiring and non-spending operations

PURPOSE:
  Service assembles the collaborators (subsidy store, ledger store, locker,
  pricer, fulfillment clients, license client) and exposes the operations
  that don't move value: subsidy creation, balance queries, redemption
  lookup, and aggregate redeemability checks. The value-moving operations
  live in redeem.go, reversal.go, and deposit.go.

KIND DISPATCH:
  Each subsidy kind (learner credit, subscription) supplies a
  redemptionMethod with {IsRedeemable, Fulfill}. The orchestrator is kind
  agnostic; only the method knows how price resolution and fulfillment
  work for its kind.
*/
package subsidy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/warp/subsidy-engine/catalog"
	"github.com/warp/subsidy-engine/fulfillment"
	"github.com/warp/subsidy-engine/ledger"
	"github.com/warp/subsidy-engine/license"
)

// =============================================================================
// SERVICE
// =============================================================================

// Config carries the service's collaborators. Required: Subsidies, Ledger
// store, Locker, Pricer, Enrollment. Optional: External (no external
// fulfillment path without it), Licenses (no subscription kind without it),
// Events, Logger, Now.
type Config struct {
	Subsidies  Store
	Ledger     ledger.Store
	Locker     ledger.Locker
	Pricer     *Pricer
	Enrollment fulfillment.EnrollmentClient
	External   *fulfillment.ExternalHandler
	Licenses   license.Client
	Events     EventSink
	Logger     *log.Logger

	// FulfillmentTimeout bounds the fulfillment phase of one redemption.
	// Zero means no bound beyond the caller's context.
	FulfillmentTimeout time.Duration

	// Now is the clock; tests override it.
	Now func() time.Time
}

type Service struct {
	subsidies  Store
	store      ledger.Store
	ledgers    *ledger.Service
	locker     ledger.Locker
	pricer     *Pricer
	enrollment fulfillment.EnrollmentClient
	external   *fulfillment.ExternalHandler
	licenses   license.Client
	events     EventSink
	logger     *log.Logger

	fulfillmentTimeout time.Duration
	now                func() time.Time
}

func NewService(cfg Config) *Service {
	s := &Service{
		subsidies:          cfg.Subsidies,
		store:              cfg.Ledger,
		ledgers:            ledger.NewService(cfg.Ledger),
		locker:             cfg.Locker,
		pricer:             cfg.Pricer,
		enrollment:         cfg.Enrollment,
		external:           cfg.External,
		licenses:           cfg.Licenses,
		events:             cfg.Events,
		logger:             cfg.Logger,
		fulfillmentTimeout: cfg.FulfillmentTimeout,
		now:                cfg.Now,
	}
	if s.events == nil {
		s.events = NopEvents{}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Ledgers exposes balance queries for callers that already hold a ledger id.
func (s *Service) Ledgers() *ledger.Service {
	return s.ledgers
}

// =============================================================================
// KIND DISPATCH
// =============================================================================

// redeemability is one kind's verdict on a redemption request.
type redeemability struct {
	ok bool
	// quantity is the positive amount a redemption would spend, in the
	// ledger's unit.
	quantity int64
	reason   string
}

type redemptionMethod interface {
	// IsRedeemable resolves the spend quantity and checks whether the
	// subsidy can afford it. Business-rule refusals (bad requested price,
	// unknown content) come back as errors; a plain "no" (insufficient
	// balance, no seats) comes back as ok=false with a reason.
	IsRedeemable(ctx context.Context, sub *Subsidy, req RedeemRequest) (redeemability, error)

	// Fulfill grants the learner access and returns the fulfillment
	// reference plus any external provider references created on the way.
	// References are returned even alongside an error so the orchestrator
	// can roll them back.
	Fulfill(ctx context.Context, sub *Subsidy, tx *ledger.Transaction) (string, []ledger.ExternalReference, error)
}

func (s *Service) methodFor(sub *Subsidy) redemptionMethod {
	if sub.Kind == KindSubscription {
		return &subscriptionMethod{svc: s}
	}
	return &learnerCreditMethod{svc: s}
}

// =============================================================================
// SUBSIDY CREATION - Get-or-create by upstream reference
// =============================================================================

type CreateSubsidyParams struct {
	Title                  string
	ReferenceID            string
	ReferenceType          string
	EnterpriseCustomerUUID string
	Unit                   ledger.Unit
	StartingBalance        int64
	Kind                   Kind
	SubscriptionPlanUUID   string
	ActiveDatetime         time.Time
	ExpirationDatetime     time.Time
	InternalOnly           bool
}

// CreateSubsidy provisions a subsidy with its ledger and starting-balance
// deposit. Get-or-create on the upstream reference: replaying the same
// sales contract returns the existing subsidy with created=false.
// InternalOnly subsidies skip reference dedup so test records can pile up
// under one reference.
func (s *Service) CreateSubsidy(ctx context.Context, p CreateSubsidyParams) (*Subsidy, bool, error) {
	if !ledger.ValidUnit(p.Unit) {
		return nil, false, fmt.Errorf("cannot create subsidy: unsupported unit %q", p.Unit)
	}
	if p.Kind == "" {
		p.Kind = KindLearnerCredit
	}
	if p.Kind == KindSubscription && p.SubscriptionPlanUUID == "" {
		return nil, false, errors.New("cannot create subscription subsidy without a plan uuid")
	}
	if p.ReferenceType == "" {
		p.ReferenceType = ReferenceTypeOpportunityProduct
	}

	if !p.InternalOnly && p.ReferenceID != "" {
		existing, err := s.subsidies.GetSubsidyByReference(ctx, p.ReferenceID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			if existing.Unit != p.Unit {
				return nil, false, fmt.Errorf("subsidy %s holds %s: %w",
					existing.UUID, existing.Unit, ledger.ErrUnitMismatch)
			}
			return existing, false, nil
		}
	}

	led, _, err := s.store.CreateLedger(ctx, ledger.Ledger{
		ID:             ledger.LedgerID(ledger.NewID()),
		Unit:           p.Unit,
		IdempotencyKey: ledger.SubsidyLedgerKey(p.ReferenceID, p.Unit),
		CreatedAt:      s.now(),
		ModifiedAt:     s.now(),
	})
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	sub := Subsidy{
		UUID:                   ledger.NewID(),
		Title:                  p.Title,
		Kind:                   p.Kind,
		StartingBalance:        p.StartingBalance,
		Unit:                   p.Unit,
		ReferenceID:            p.ReferenceID,
		ReferenceType:          p.ReferenceType,
		EnterpriseCustomerUUID: p.EnterpriseCustomerUUID,
		InternalOnly:           p.InternalOnly,
		ActiveDatetime:         p.ActiveDatetime,
		ExpirationDatetime:     p.ExpirationDatetime,
		LedgerID:               led.ID,
		SubscriptionPlanUUID:   p.SubscriptionPlanUUID,
		CreatedAt:              now,
		ModifiedAt:             now,
	}
	if err := s.subsidies.CreateSubsidy(ctx, sub); err != nil {
		return nil, false, err
	}

	if p.StartingBalance > 0 {
		if _, _, err := s.CreateDeposit(ctx, DepositRequest{
			SubsidyUUID:       sub.UUID,
			Quantity:          p.StartingBalance,
			ReferenceID:       sub.ReferenceID,
			ReferenceProvider: sub.ReferenceType,
		}); err != nil {
			return nil, false, fmt.Errorf("subsidy %s created but starting balance deposit failed: %w", sub.UUID, err)
		}
	}
	return &sub, true, nil
}

// GetSubsidy returns the subsidy or ErrSubsidyNotFound.
func (s *Service) GetSubsidy(ctx context.Context, uuid string) (*Subsidy, error) {
	return s.subsidies.GetSubsidy(ctx, uuid)
}

// ListSubsidies returns all subsidies for an enterprise customer.
func (s *Service) ListSubsidies(ctx context.Context, customerUUID string) ([]Subsidy, error) {
	return s.subsidies.ListSubsidies(ctx, customerUUID)
}

// Balance returns the subsidy's current ledger balance.
func (s *Service) Balance(ctx context.Context, subsidyUUID string) (int64, error) {
	sub, err := s.subsidies.GetSubsidy(ctx, subsidyUUID)
	if err != nil {
		return 0, err
	}
	return s.ledgers.Balance(ctx, sub.LedgerID)
}

// =============================================================================
// REDEMPTION LOOKUP
// =============================================================================

// GetRedemption returns the learner's committed, unreversed redemption of
// the content in this subsidy, or nil when none exists. The latest such
// transaction wins when several exist (earlier ones were reversed).
func (s *Service) GetRedemption(ctx context.Context, sub *Subsidy, learnerID, contentKey string) (*ledger.Transaction, error) {
	txs, err := s.store.ListTransactions(ctx, ledger.TransactionFilter{
		LedgerID:   sub.LedgerID,
		LearnerID:  learnerID,
		ContentKey: contentKey,
		States:     []ledger.TransactionState{ledger.TxCommitted},
	})
	if err != nil {
		return nil, err
	}
	for i := len(txs) - 1; i >= 0; i-- {
		rev, err := s.store.GetReversalForTransaction(ctx, txs[i].ID)
		if err != nil {
			return nil, err
		}
		if rev == nil || rev.State != ledger.TxCommitted {
			return &txs[i], nil
		}
	}
	return nil, nil
}

// GetTransaction returns a transaction by id, with its external references.
func (s *Service) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns the subsidy's transactions matching the filter.
func (s *Service) ListTransactions(ctx context.Context, subsidyUUID string, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	sub, err := s.subsidies.GetSubsidy(ctx, subsidyUUID)
	if err != nil {
		return nil, err
	}
	f.LedgerID = sub.LedgerID
	return s.store.ListTransactions(ctx, f)
}

// =============================================================================
// AGGREGATE REDEEMABILITY - One answer for "can this learner take this course"
// =============================================================================

// RedeemabilityDecision is the full answer to a can-redeem query: whether
// redemption would succeed, what it would cost, and any existing
// redemption that already covers the learner.
type RedeemabilityDecision struct {
	SubsidyUUID         string
	Active              bool
	CanRedeem           bool
	ContentPriceCents   int64
	ExistingTransaction *ledger.Transaction
	Reason              string
}

// CanRedeem evaluates redeemability without moving any value. Content
// missing from the customer's catalog is a negative answer, not an error;
// transient catalog failures still surface as errors.
func (s *Service) CanRedeem(ctx context.Context, subsidyUUID, learnerID, contentKey string) (*RedeemabilityDecision, error) {
	sub, err := s.subsidies.GetSubsidy(ctx, subsidyUUID)
	if err != nil {
		return nil, err
	}

	d := &RedeemabilityDecision{
		SubsidyUUID: sub.UUID,
		Active:      sub.IsActive(s.now()),
	}

	existing, err := s.GetRedemption(ctx, sub, learnerID, contentKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		d.ExistingTransaction = existing
		d.ContentPriceCents = -existing.Quantity
		d.Reason = "already redeemed"
		return d, nil
	}

	if !d.Active {
		d.Reason = "subsidy is not active"
		return d, nil
	}

	red, err := s.methodFor(sub).IsRedeemable(ctx, sub, RedeemRequest{
		SubsidyUUID: sub.UUID,
		LearnerID:   learnerID,
		ContentKey:  contentKey,
	})
	if errors.Is(err, catalog.ErrContentNotFound) {
		d.Reason = "content not in customer catalog"
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	d.ContentPriceCents = red.quantity
	d.CanRedeem = red.ok
	d.Reason = red.reason
	return d, nil
}

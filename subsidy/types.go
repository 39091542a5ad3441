/*
Package subsidy implements redemption of stored value for content access.

PURPOSE:
  A Subsidy is a bucket of value an enterprise customer uses to pay for
  learner enrollments: either learner credit (a currency balance) or a
  subscription license pool (seats). Each subsidy owns exactly one ledger;
  redeeming spends from the ledger and enrolls the learner via an external
  fulfillment collaborator.

KEY CONCEPTS IN THIS FILE (types.go):
  - Subsidy: the value bucket with its active window and ledger reference
  - Kind: learner-credit vs subscription, dispatched as a tagged variant
  - Store: persistence for subsidy records

SEE ALSO:
  - redeem.go: The redemption orchestrator (the core state machine)
  - pricing.go: Price lookup and requested-price validation
  - reversal.go: Compensating reversals and fulfillment cancellation
*/
package subsidy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/subsidy-engine/ledger"
)

// =============================================================================
// SUBSIDY - One value bucket, one ledger
// =============================================================================

// Kind selects the redemption capabilities for a subsidy. Dispatch is by
// this tag, not by type hierarchies: each kind supplies
// {IsRedeemable, HasRedeemed, Fulfill} behavior.
type Kind string

const (
	KindLearnerCredit Kind = "learner_credit"
	KindSubscription  Kind = "subscription"
)

// ReferenceTypeOpportunityProduct is the upstream contract identifier type
// a subsidy originates from.
const ReferenceTypeOpportunityProduct = "opportunity_product_id"

type Subsidy struct {
	UUID  string
	Title string
	Kind  Kind

	// StartingBalance in the subsidy's unit, deposited at creation.
	StartingBalance int64

	// Unit must match the owned ledger's unit.
	Unit ledger.Unit

	// ReferenceID ties the subsidy to the upstream sales contract.
	ReferenceID   string
	ReferenceType string

	EnterpriseCustomerUUID string

	// InternalOnly subsidies are test records; reference-id dedup is
	// skipped for them.
	InternalOnly bool

	// The subsidy only accepts new redemptions inside this window.
	ActiveDatetime     time.Time
	ExpirationDatetime time.Time

	LedgerID ledger.LedgerID

	// SubscriptionPlanUUID is set for subscription kind only.
	SubscriptionPlanUUID string

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// IsActive reports whether the subsidy accepts new redemptions at t.
// Zero-valued bounds are open.
func (s *Subsidy) IsActive(t time.Time) bool {
	if !s.ActiveDatetime.IsZero() && t.Before(s.ActiveDatetime) {
		return false
	}
	if !s.ExpirationDatetime.IsZero() && !t.Before(s.ExpirationDatetime) {
		return false
	}
	return true
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSubsidyNotFound is returned when a referenced subsidy doesn't exist.
	ErrSubsidyNotFound = errors.New("subsidy not found")

	// ErrSubsidyInactive is returned when redemption is attempted outside
	// the subsidy's active window. Checked before any lock is taken.
	ErrSubsidyInactive = errors.New("subsidy is not active")

	// ErrPriceValidation is returned when a caller-requested price falls
	// outside the allowed band around the canonical price, or is negative.
	ErrPriceValidation = errors.New("requested price failed validation")

	// ErrInvalidDeposit is returned for a non-positive deposit quantity.
	ErrInvalidDeposit = errors.New("deposit quantity must be positive")
)

// InactiveError reports the window that excluded the redemption.
type InactiveError struct {
	SubsidyUUID string
	At          time.Time
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("subsidy %s is not active at %s", e.SubsidyUUID, e.At.Format(time.RFC3339))
}

func (e *InactiveError) Unwrap() error {
	return ErrSubsidyInactive
}

// PriceValidationError reports why a requested price was refused.
type PriceValidationError struct {
	RequestedCents int64
	CanonicalCents int64
	Reason         string
}

func (e *PriceValidationError) Error() string {
	return fmt.Sprintf("requested price %d refused (canonical %d): %s",
		e.RequestedCents, e.CanonicalCents, e.Reason)
}

func (e *PriceValidationError) Unwrap() error {
	return ErrPriceValidation
}

// =============================================================================
// STORE - Persistence for subsidy records
// =============================================================================

type Store interface {
	// CreateSubsidy persists a subsidy record. The caller handles
	// reference-id dedup; this is a plain insert.
	CreateSubsidy(ctx context.Context, sub Subsidy) error

	// GetSubsidy returns the subsidy or ErrSubsidyNotFound.
	GetSubsidy(ctx context.Context, uuid string) (*Subsidy, error)

	// GetSubsidyByReference returns the subsidy tied to an upstream
	// contract reference, or nil when none exists.
	GetSubsidyByReference(ctx context.Context, referenceID string) (*Subsidy, error)

	// GetSubsidyByLedger returns the subsidy owning a ledger, or
	// ErrSubsidyNotFound.
	GetSubsidyByLedger(ctx context.Context, id ledger.LedgerID) (*Subsidy, error)

	// ListSubsidies returns all subsidies for an enterprise customer.
	ListSubsidies(ctx context.Context, customerUUID string) ([]Subsidy, error)
}

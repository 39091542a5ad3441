/*
Package ledger provides the core value-movement engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for tracking
  stored value in append-only ledgers. Whether the value is learner credit
  (denominated in currency cents) or subscription seats, the same engine
  handles balance calculation, transaction lifecycle, and reversals.

KEY CONCEPTS IN THIS FILE (types.go):
  - Ledger: a running list of transactions recording movement of value
  - Transaction: one signed value movement with lifecycle state
  - Reversal: a compensating record that nets a transaction's effect to zero
  - Deposit: an idempotent top-up of stored value

DESIGN PRINCIPLES:
  1. Immutability: Committed transactions are never modified, only reversed
  2. Auditability: Failed attempts stay in the ledger; nothing is deleted
  3. Idempotency: Every write carries a derived idempotency key
  4. Integer quantities: All value is stored in minor units (cents, seats)

SEE ALSO:
  - ledger.go: Balance computation from transactions
  - store.go: Persistence interface
  - idempotency.go: Deterministic key derivation
*/
package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// =============================================================================
// UNITS - Denomination of stored value
// =============================================================================

type Unit string

const (
	UnitUSDCents Unit = "usd_cents"
	UnitSeats    Unit = "seats"
	UnitJPY      Unit = "jpy"
)

// ValidUnit reports whether u is one of the supported denominations.
func ValidUnit(u Unit) bool {
	switch u {
	case UnitUSDCents, UnitSeats, UnitJPY:
		return true
	}
	return false
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LedgerID string
type TransactionID string
type ReversalID string

// NewID returns a random 32-character hex identifier.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b[:])
}

// =============================================================================
// TRANSACTION LIFECYCLE
// =============================================================================

type TransactionState string

const (
	// TxCreated is the initial state before any balance check has passed.
	TxCreated TransactionState = "created"
	// TxPending reserves value while fulfillment is in flight.
	TxPending TransactionState = "pending"
	// TxCommitted means the value moved and fulfillment succeeded.
	TxCommitted TransactionState = "committed"
	// TxFailed is terminal: fulfillment or validation failed. The record
	// stays in the ledger for audit.
	TxFailed TransactionState = "failed"
)

// allowedTransitions encodes the lifecycle:
// created -> pending -> committed | failed.
// There is no way out of committed or failed except via a Reversal.
var allowedTransitions = map[TransactionState][]TransactionState{
	TxCreated: {TxPending, TxFailed},
	TxPending: {TxCommitted, TxFailed},
}

// CanTransition reports whether a state change is legal.
func CanTransition(from, to TransactionState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// LEDGER - One per subsidy, append-only
// =============================================================================

type Ledger struct {
	ID             LedgerID
	Unit           Unit
	IdempotencyKey string
	CreatedAt      time.Time
	ModifiedAt     time.Time
}

// =============================================================================
// TRANSACTION - Atomic unit of value movement
// =============================================================================

// Transaction records one signed movement of value. Negative quantity is a
// spend (redemption), positive is a deposit or adjustment.
type Transaction struct {
	ID       TransactionID
	LedgerID LedgerID

	// Quantity in the ledger's unit. Spend is negative.
	Quantity int64

	// IdempotencyKey is unique within a ledger. Re-deriving the same key
	// for the same inputs must return the existing transaction.
	IdempotencyKey string

	State TransactionState

	// Redemption context. Empty for deposits and adjustments.
	LearnerID      string
	ContentKey     string
	AccessPolicyID string

	// FulfillmentID is the platform enrollment reference, set on commit.
	FulfillmentID string

	// ExternalReferences link to provider-side allocations (for content
	// fulfilled outside the platform).
	ExternalReferences []ExternalReference

	Metadata map[string]string

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// ExternalReference links a transaction to a fulfillment record in an
// external provider's system.
type ExternalReference struct {
	ProviderSlug string
	ReferenceID  string
}

// =============================================================================
// REVERSAL - Compensating record, at most one per transaction
// =============================================================================

// Reversal nets an original transaction's balance effect to zero. Its
// quantity is always the exact negation of the transaction's quantity.
type Reversal struct {
	ID            ReversalID
	TransactionID TransactionID
	Quantity      int64
	IdempotencyKey string
	State         TransactionState
	Metadata      map[string]string
	CreatedAt     time.Time
	ModifiedAt    time.Time
}

// =============================================================================
// DEPOSIT - Idempotent value top-up
// =============================================================================

// Deposit pairs a positive-quantity transaction with the upstream sales
// contract that paid for it. The same (reference, quantity) never produces
// two deposits.
type Deposit struct {
	ID                LedgerDepositID
	LedgerID          LedgerID
	DesiredQuantity   int64
	TransactionID     TransactionID
	ReferenceID       string
	ReferenceProvider string
	CreatedAt         time.Time
}

type LedgerDepositID string

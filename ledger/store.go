/*
store.go - Persistence interface for ledgers, transactions, and reversals

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Different implementations can use SQLite or in-memory storage.

APPEND-ONLY CONTRACT:
  Transactions are never deleted. The only mutations are lifecycle state
  transitions (created -> pending -> committed | failed), attaching the
  fulfillment reference on commit, and attaching external references.
  Corrections happen via Reversal records.

GET-OR-CREATE:
  Every write takes an idempotency key and is a get-or-create: if a record
  with the key already exists in the ledger, it is returned with
  created=false and nothing is written. Implementations MUST make the
  check-then-create atomic (a DB transaction plus a unique index), because
  the orchestrator relies on it to close the check/create race.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store
  - ledger/store: in-memory store for tests

SEE ALSO:
  - ledger.go: Balance computation on top of Store
  - lock.go: Ledger-scoped mutual exclusion
*/
package ledger

import "context"

// TransactionFilter narrows transaction queries. Zero-valued fields match
// everything.
type TransactionFilter struct {
	LedgerID   LedgerID
	LearnerID  string
	ContentKey string
	States     []TransactionState
}

// Store handles persistence for the ledger engine.
type Store interface {
	// CreateLedger persists a new ledger. Get-or-create on the ledger's
	// idempotency key.
	CreateLedger(ctx context.Context, l Ledger) (*Ledger, bool, error)

	// GetLedger returns the ledger or ErrLedgerNotFound.
	GetLedger(ctx context.Context, id LedgerID) (*Ledger, error)

	// GetOrCreateTransaction returns the existing transaction with the
	// same (ledger, idempotency key), or persists tx and returns it with
	// created=true. The check and the insert are one atomic unit.
	GetOrCreateTransaction(ctx context.Context, tx Transaction) (*Transaction, bool, error)

	// GetTransaction returns the transaction or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// FindTransactionByIdempotencyKey returns the matching transaction or
	// nil when no transaction carries the key in this ledger.
	FindTransactionByIdempotencyKey(ctx context.Context, ledgerID LedgerID, key string) (*Transaction, error)

	// ListTransactions returns transactions matching the filter, ordered
	// by creation time.
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)

	// SetTransactionState performs a lifecycle transition. Returns a
	// StateTransitionError when the stored state does not allow it.
	SetTransactionState(ctx context.Context, id TransactionID, to TransactionState) error

	// CommitTransaction transitions pending -> committed and attaches the
	// fulfillment reference and any external references atomically.
	CommitTransaction(ctx context.Context, id TransactionID, fulfillmentID string, refs []ExternalReference) error

	// AddExternalReference links a provider-side record to a transaction.
	AddExternalReference(ctx context.Context, id TransactionID, ref ExternalReference) error

	// GetOrCreateReversal creates the compensating record for
	// rev.TransactionID, or returns the existing one. A second distinct
	// reversal for the same transaction fails with
	// ErrTransactionNotReversible.
	GetOrCreateReversal(ctx context.Context, rev Reversal) (*Reversal, bool, error)

	// GetReversalForTransaction returns the reversal or nil.
	GetReversalForTransaction(ctx context.Context, id TransactionID) (*Reversal, error)

	// ListReversals returns all reversals attached to a ledger's
	// transactions.
	ListReversals(ctx context.Context, ledgerID LedgerID) ([]Reversal, error)

	// GetOrCreateDeposit pairs a top-up transaction with its upstream
	// sales contract reference, idempotently.
	GetOrCreateDeposit(ctx context.Context, d Deposit) (*Deposit, bool, error)
}

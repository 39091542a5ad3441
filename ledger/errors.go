/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Idempotency errors - Duplicate-key and state conflicts
  2. Lifecycle errors - Illegal transaction state transitions
  3. Lock errors - Ledger-scoped mutual exclusion failures

USAGE:
  Callers branch with errors.Is():

    if errors.Is(err, ledger.ErrLockAcquisition) {
        // retryable: map to a 429-equivalent
    }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a write would create a
	// second record under the same idempotency key in one ledger.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLedgerNotFound is returned when a referenced ledger doesn't exist.
	ErrLedgerNotFound = errors.New("ledger not found")

	// ErrTransactionNotFound is returned when a referenced transaction
	// doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidStateTransition is returned for a lifecycle violation,
	// e.g. committing a transaction that is not pending.
	ErrInvalidStateTransition = errors.New("invalid transaction state transition")

	// ErrTransactionNotReversible is returned when reversing a transaction
	// that is not committed, or that already has a reversal.
	ErrTransactionNotReversible = errors.New("transaction not reversible")

	// ErrLockAcquisition is returned when the ledger-scoped lock could not
	// be acquired within the bounded wait. Callers may retry.
	ErrLockAcquisition = errors.New("failed to acquire ledger lock")

	// ErrUnitMismatch is returned when a transaction or subsidy unit does
	// not match its ledger's unit.
	ErrUnitMismatch = errors.New("unit does not match ledger unit")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StateTransitionError reports the illegal transition that was attempted.
type StateTransitionError struct {
	TransactionID TransactionID
	From          TransactionState
	To            TransactionState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("transaction %s: cannot transition %s -> %s", e.TransactionID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// NotReversibleError reports why a reversal was refused.
type NotReversibleError struct {
	TransactionID TransactionID
	State         TransactionState
	HasReversal   bool
}

func (e *NotReversibleError) Error() string {
	if e.HasReversal {
		return fmt.Sprintf("transaction %s already has a reversal", e.TransactionID)
	}
	return fmt.Sprintf("transaction %s is %s, only committed transactions can be reversed", e.TransactionID, e.State)
}

func (e *NotReversibleError) Unwrap() error {
	return ErrTransactionNotReversible
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockAcquisition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLedgerNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

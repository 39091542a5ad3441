/*
lock.go - Ledger-scoped mutual exclusion

PURPOSE:
  All mutating operations against one ledger (spend, deposit, reversal)
  must be serialized so that two concurrent redemptions cannot both read a
  stale balance and both succeed when only one could be afforded.

WHY NOT A MUTEX:
  Multiple process instances serve redemption requests concurrently, so the
  lock must live in shared storage (a lock table), not in process memory.
  The in-memory Locker exists for tests only.

DISCIPLINE:
  - Acquire has a bounded wait and returns ErrLockAcquisition on timeout,
    never blocking indefinitely. Callers map this to a retryable status.
  - The returned release func is safe to defer; release is guaranteed on
    all exit paths, including panics unwound by the caller.
  - Locks carry a TTL so a crashed holder cannot wedge a ledger forever.
*/
package ledger

import "context"

// Locker provides exclusive, ledger-scoped locks.
type Locker interface {
	// Acquire blocks until the lock for the ledger is held, the context is
	// done, or the implementation's bounded wait elapses. On success it
	// returns a release func; on timeout it returns ErrLockAcquisition.
	Acquire(ctx context.Context, id LedgerID) (release func(), err error)
}

/*
lock.go - Storage-backed ledger locks

PURPOSE:
  Multiple process instances serve redemption requests concurrently, so
  the ledger lock must live in shared storage, not in process memory. A
  row in ledger_locks is the lock: inserting it acquires, deleting it
  releases, and an expires_at stamp lets a new holder reap a lock whose
  owner crashed.

PROTOCOL:
  Acquire loops: reap any expired row for the ledger, then try to insert
  a fresh row with a random token. Insert conflict means someone else
  holds the lock; sleep and retry until the bounded wait elapses, then
  give up with ErrLockAcquisition. Release deletes the row only when the
  token still matches, so a holder that outlived its TTL cannot release
  the reaper's lock.
*/
package sqlite

import (
	"context"
	"log"
	"time"

	"github.com/warp/subsidy-engine/ledger"
)

// Lock timing defaults.
const (
	DefaultLockWait  = 3 * time.Second
	DefaultLockTTL   = 30 * time.Second
	lockRetryBackoff = 25 * time.Millisecond
)

// Locker implements ledger.Locker on the store's ledger_locks table.
type Locker struct {
	store *Store

	// Wait bounds how long Acquire blocks before ErrLockAcquisition.
	Wait time.Duration

	// TTL is how long a held lock survives a crashed holder.
	TTL time.Duration

	Logger *log.Logger
}

func NewLocker(store *Store, wait, ttl time.Duration) *Locker {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{store: store, Wait: wait, TTL: ttl, Logger: log.Default()}
}

func (l *Locker) Acquire(ctx context.Context, id ledger.LedgerID) (func(), error) {
	token := ledger.NewID()
	deadline := time.Now().Add(l.Wait)

	for {
		acquired, err := l.tryAcquire(ctx, id, token)
		if err != nil {
			return nil, err
		}
		if acquired {
			return func() { l.release(id, token) }, nil
		}

		if time.Now().After(deadline) {
			return nil, ledger.ErrLockAcquisition
		}
		select {
		case <-ctx.Done():
			return nil, ledger.ErrLockAcquisition
		case <-time.After(lockRetryBackoff):
		}
	}
}

func (l *Locker) tryAcquire(ctx context.Context, id ledger.LedgerID, token string) (bool, error) {
	now := time.Now().UTC()

	// Reap a lock whose holder died.
	if _, err := l.store.db.ExecContext(ctx,
		"DELETE FROM ledger_locks WHERE ledger_id = ? AND expires_at < ?",
		id, now.Format(time.RFC3339Nano),
	); err != nil {
		return false, err
	}

	res, err := l.store.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO ledger_locks (ledger_id, token, expires_at) VALUES (?, ?, ?)",
		id, token, now.Add(l.TTL).Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// release is deliberately context-free: the caller's context may already
// be cancelled, and the lock row must still go away.
func (l *Locker) release(id ledger.LedgerID, token string) {
	_, err := l.store.db.Exec(
		"DELETE FROM ledger_locks WHERE ledger_id = ? AND token = ?",
		id, token,
	)
	if err != nil {
		l.Logger.Printf("could not release lock for ledger %s: %v", id, err)
	}
}

// Package store provides in-memory Store and Locker implementations for
// tests and development.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/subsidy-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.Mutex

	ledgers    map[ledger.LedgerID]ledger.Ledger
	ledgerKeys map[string]ledger.LedgerID

	transactions map[ledger.TransactionID]ledger.Transaction
	txOrder      []ledger.TransactionID
	txByKey      map[txKey]ledger.TransactionID

	reversals map[ledger.TransactionID]ledger.Reversal
	revByKey  map[string]ledger.TransactionID

	deposits map[string]ledger.Deposit
}

type txKey struct {
	LedgerID       ledger.LedgerID
	IdempotencyKey string
}

func NewMemory() *Memory {
	return &Memory{
		ledgers:      make(map[ledger.LedgerID]ledger.Ledger),
		ledgerKeys:   make(map[string]ledger.LedgerID),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		txByKey:      make(map[txKey]ledger.TransactionID),
		reversals:    make(map[ledger.TransactionID]ledger.Reversal),
		revByKey:     make(map[string]ledger.TransactionID),
		deposits:     make(map[string]ledger.Deposit),
	}
}

func (m *Memory) CreateLedger(_ context.Context, l ledger.Ledger) (*ledger.Ledger, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.ledgerKeys[l.IdempotencyKey]; ok {
		existing := m.ledgers[id]
		return &existing, false, nil
	}
	m.ledgers[l.ID] = l
	m.ledgerKeys[l.IdempotencyKey] = l.ID
	created := l
	return &created, true, nil
}

func (m *Memory) GetLedger(_ context.Context, id ledger.LedgerID) (*ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[id]
	if !ok {
		return nil, ledger.ErrLedgerNotFound
	}
	return &l, nil
}

func (m *Memory) GetOrCreateTransaction(_ context.Context, tx ledger.Transaction) (*ledger.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := txKey{LedgerID: tx.LedgerID, IdempotencyKey: tx.IdempotencyKey}
	if id, ok := m.txByKey[k]; ok {
		existing := cloneTx(m.transactions[id])
		return &existing, false, nil
	}

	m.transactions[tx.ID] = cloneTx(tx)
	m.txOrder = append(m.txOrder, tx.ID)
	m.txByKey[k] = tx.ID
	created := cloneTx(tx)
	return &created, true, nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	out := cloneTx(tx)
	return &out, nil
}

func (m *Memory) FindTransactionByIdempotencyKey(_ context.Context, ledgerID ledger.LedgerID, key string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.txByKey[txKey{LedgerID: ledgerID, IdempotencyKey: key}]
	if !ok {
		return nil, nil
	}
	out := cloneTx(m.transactions[id])
	return &out, nil
}

func (m *Memory) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.Transaction
	for _, id := range m.txOrder {
		tx := m.transactions[id]
		if f.LedgerID != "" && tx.LedgerID != f.LedgerID {
			continue
		}
		if f.LearnerID != "" && tx.LearnerID != f.LearnerID {
			continue
		}
		if f.ContentKey != "" && tx.ContentKey != f.ContentKey {
			continue
		}
		if len(f.States) > 0 && !stateIn(tx.State, f.States) {
			continue
		}
		out = append(out, cloneTx(tx))
	}
	return out, nil
}

func (m *Memory) SetTransactionState(_ context.Context, id ledger.TransactionID, to ledger.TransactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if !ledger.CanTransition(tx.State, to) {
		return &ledger.StateTransitionError{TransactionID: id, From: tx.State, To: to}
	}
	tx.State = to
	tx.ModifiedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

func (m *Memory) CommitTransaction(_ context.Context, id ledger.TransactionID, fulfillmentID string, refs []ledger.ExternalReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if !ledger.CanTransition(tx.State, ledger.TxCommitted) {
		return &ledger.StateTransitionError{TransactionID: id, From: tx.State, To: ledger.TxCommitted}
	}
	tx.State = ledger.TxCommitted
	tx.FulfillmentID = fulfillmentID
	tx.ExternalReferences = append(tx.ExternalReferences, refs...)
	tx.ModifiedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

func (m *Memory) AddExternalReference(_ context.Context, id ledger.TransactionID, ref ledger.ExternalReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	tx.ExternalReferences = append(tx.ExternalReferences, ref)
	m.transactions[id] = tx
	return nil
}

func (m *Memory) GetOrCreateReversal(_ context.Context, rev ledger.Reversal) (*ledger.Reversal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.reversals[rev.TransactionID]; ok {
		if existing.IdempotencyKey == rev.IdempotencyKey {
			out := existing
			return &out, false, nil
		}
		// A second, distinct reversal for the same transaction.
		return nil, false, &ledger.NotReversibleError{TransactionID: rev.TransactionID, HasReversal: true}
	}
	if txID, ok := m.revByKey[rev.IdempotencyKey]; ok && txID != rev.TransactionID {
		return nil, false, ledger.ErrDuplicateIdempotencyKey
	}

	m.reversals[rev.TransactionID] = rev
	m.revByKey[rev.IdempotencyKey] = rev.TransactionID
	created := rev
	return &created, true, nil
}

func (m *Memory) GetReversalForTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Reversal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rev, ok := m.reversals[id]
	if !ok {
		return nil, nil
	}
	return &rev, nil
}

func (m *Memory) ListReversals(_ context.Context, ledgerID ledger.LedgerID) ([]ledger.Reversal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.Reversal
	for txID, rev := range m.reversals {
		tx, ok := m.transactions[txID]
		if !ok || tx.LedgerID != ledgerID {
			continue
		}
		out = append(out, rev)
	}
	return out, nil
}

func (m *Memory) GetOrCreateDeposit(_ context.Context, d ledger.Deposit) (*ledger.Deposit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ledger.DepositKey(d.LedgerID, d.ReferenceID, d.DesiredQuantity)
	if existing, ok := m.deposits[key]; ok {
		out := existing
		return &out, false, nil
	}
	m.deposits[key] = d
	created := d
	return &created, true, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneTx(tx ledger.Transaction) ledger.Transaction {
	out := tx
	out.ExternalReferences = append([]ledger.ExternalReference(nil), tx.ExternalReferences...)
	if tx.Metadata != nil {
		out.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func stateIn(s ledger.TransactionState, states []ledger.TransactionState) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

// =============================================================================
// MEMORY LOCKER - Channel-based ledger locks (for testing/dev)
// =============================================================================

// MemoryLocker serializes mutating operations per ledger within one
// process. Production deployments use the storage-backed locker instead,
// since locks must be shared across instances.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[ledger.LedgerID]chan struct{}

	// Wait bounds how long Acquire blocks before giving up.
	Wait time.Duration
}

func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[ledger.LedgerID]chan struct{}),
		Wait:  wait,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, id ledger.LedgerID) (func(), error) {
	ch := l.chanFor(id)

	timer := time.NewTimer(l.Wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ledger.ErrLockAcquisition
	case <-timer.C:
		return nil, ledger.ErrLockAcquisition
	}
}

func (l *MemoryLocker) chanFor(id ledger.LedgerID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[id] = ch
	}
	return ch
}

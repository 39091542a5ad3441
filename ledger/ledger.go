/*
ledger.go - Balance computation over the append-only transaction log

PURPOSE:
  The ledger is the immutable source of truth for stored value. Balance is
  always computed by replaying transactions - there is no separate
  "balance" column that can drift out of sync.

CRITICAL INVARIANTS:
  1. Balance = sum of COMMITTED transaction quantities, where any
     transaction with a COMMITTED reversal is netted to zero by the
     reversal's quantity.
  2. PENDING spends are NOT part of the balance a reader observes; they
     reserve value only relative to other writers holding the ledger lock.
  3. Computation is a read-only snapshot with no side effects.

CORRECTIONS:
  A mistake is never edited away. A Reversal with the exact opposite
  quantity is attached to the transaction; both remain in the ledger and
  the net effect is zero.
*/
package ledger

import "context"

// =============================================================================
// SERVICE - Balance queries on top of Store
// =============================================================================

type Service struct {
	Store Store
}

func NewService(store Store) *Service {
	return &Service{Store: store}
}

// Balance returns the ledger's current balance in its unit: the sum of all
// committed transaction quantities with committed reversals netted out.
func (s *Service) Balance(ctx context.Context, id LedgerID) (int64, error) {
	if _, err := s.Store.GetLedger(ctx, id); err != nil {
		return 0, err
	}
	return s.SubsetBalance(ctx, TransactionFilter{LedgerID: id})
}

// SubsetBalance runs the same aggregation restricted to a caller-supplied
// subset of transactions. Reporting aggregates reuse this so there is only
// one definition of "balance".
func (s *Service) SubsetBalance(ctx context.Context, f TransactionFilter) (int64, error) {
	f.States = []TransactionState{TxCommitted}
	txs, err := s.Store.ListTransactions(ctx, f)
	if err != nil {
		return 0, err
	}

	reversed, err := s.committedReversals(ctx, f.LedgerID)
	if err != nil {
		return 0, err
	}

	var balance int64
	for _, tx := range txs {
		balance += tx.Quantity
		if rev, ok := reversed[tx.ID]; ok {
			balance += rev.Quantity
		}
	}
	return balance, nil
}

func (s *Service) committedReversals(ctx context.Context, id LedgerID) (map[TransactionID]Reversal, error) {
	revs, err := s.Store.ListReversals(ctx, id)
	if err != nil {
		return nil, err
	}
	byTx := make(map[TransactionID]Reversal, len(revs))
	for _, rev := range revs {
		if rev.State == TxCommitted {
			byTx[rev.TransactionID] = rev
		}
	}
	return byTx, nil
}

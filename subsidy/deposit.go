/*
deposit.go - Idempotent value top-ups

PURPOSE:
  Deposits add value to a subsidy's ledger after creation: contract
  renewals, manual adjustments, starting balances. Each deposit is a
  committed positive transaction paired with a Deposit record naming the
  upstream sales contract that paid for it. Replaying the same
  (reference, quantity) pair returns the existing deposit and moves
  nothing.
*/
package subsidy

import (
	"context"
	"fmt"

	"github.com/warp/subsidy-engine/ledger"
)

// DepositRequest adds value to a subsidy's ledger.
type DepositRequest struct {
	SubsidyUUID string

	// Quantity in the ledger's unit. Must be positive.
	Quantity int64

	// ReferenceID names the upstream sales contract paying for the value.
	ReferenceID       string
	ReferenceProvider string

	Metadata map[string]string
}

// CreateDeposit tops up the subsidy's ledger. Returns the deposit and
// whether this call created it.
func (s *Service) CreateDeposit(ctx context.Context, req DepositRequest) (*ledger.Deposit, bool, error) {
	if req.Quantity <= 0 {
		return nil, false, fmt.Errorf("%w: got %d", ErrInvalidDeposit, req.Quantity)
	}

	sub, err := s.subsidies.GetSubsidy(ctx, req.SubsidyUUID)
	if err != nil {
		return nil, false, err
	}
	if req.ReferenceProvider == "" {
		req.ReferenceProvider = sub.ReferenceType
	}

	release, err := s.locker.Acquire(ctx, sub.LedgerID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	now := s.now()
	key := ledger.DepositKey(sub.LedgerID, req.ReferenceID, req.Quantity)
	tx, _, err := s.store.GetOrCreateTransaction(ctx, ledger.Transaction{
		ID:             ledger.TransactionID(ledger.NewID()),
		LedgerID:       sub.LedgerID,
		Quantity:       req.Quantity,
		IdempotencyKey: key,
		State:          ledger.TxCreated,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		ModifiedAt:     now,
	})
	if err != nil {
		return nil, false, err
	}

	// Deposits have no fulfillment phase: straight to committed. An
	// existing transaction a crashed attempt left in created or pending
	// is adopted and driven to committed here, so a replay always makes
	// the value spendable.
	if tx.State == ledger.TxCreated {
		if err := s.store.SetTransactionState(ctx, tx.ID, ledger.TxPending); err != nil {
			return nil, false, err
		}
		tx.State = ledger.TxPending
	}
	if tx.State == ledger.TxPending {
		if err := s.store.CommitTransaction(ctx, tx.ID, "", nil); err != nil {
			return nil, false, err
		}
	}

	dep, created, err := s.store.GetOrCreateDeposit(ctx, ledger.Deposit{
		ID:                ledger.LedgerDepositID(ledger.NewID()),
		LedgerID:          sub.LedgerID,
		DesiredQuantity:   req.Quantity,
		TransactionID:     tx.ID,
		ReferenceID:       req.ReferenceID,
		ReferenceProvider: req.ReferenceProvider,
		CreatedAt:         now,
	})
	if err != nil {
		return nil, false, err
	}
	return dep, created, nil
}

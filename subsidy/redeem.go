/*
redeem.go - The redemption orchestrator

PURPOSE:
  Redeem turns "this learner wants this content, paid by this subsidy"
  into a committed ledger transaction plus a fulfillment, or into an
  auditable failed transaction when anything goes wrong after value was
  reserved.

SEQUENCE:
  1. Existing committed, unreversed redemption for (learner, content)?
     Return it; no lock, no writes.
  2. Active-window check. Inactive subsidies refuse before any lock.
  3. Resolve the spend quantity and check redeemability (price band,
     catalog lookup, balance) outside the lock.
  4. Acquire the ledger lock. Bounded wait; timeout is retryable.
  5. Under the lock: re-check balance, then get-or-create the spend
     transaction (created -> pending). A concurrent duplicate resolves
     here, not at fulfillment time.
  6. Fulfill. On failure: mark the transaction failed, best-effort cancel
     anything provisioned, surface the original error.
  7. Commit: attach the fulfillment reference, publish the event.

WHY FULFILL UNDER THE LOCK:
  The pending spend is only visible to writers serialized behind the same
  lock. Releasing before commit would let a concurrent redemption of
  different content observe a balance that the in-flight spend is about to
  consume.
*/
package subsidy

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/subsidy-engine/fulfillment"
	"github.com/warp/subsidy-engine/ledger"
)

// ErrNotRedeemable is returned when a redemption is refused by business
// rules rather than by a failure: insufficient balance, no seats left.
var ErrNotRedeemable = errors.New("content is not redeemable")

// NotRedeemableError carries the refusal reason.
type NotRedeemableError struct {
	SubsidyUUID string
	ContentKey  string
	Reason      string
}

func (e *NotRedeemableError) Error() string {
	return fmt.Sprintf("subsidy %s cannot redeem %s: %s", e.SubsidyUUID, e.ContentKey, e.Reason)
}

func (e *NotRedeemableError) Unwrap() error {
	return ErrNotRedeemable
}

// RedeemRequest identifies one redemption attempt.
type RedeemRequest struct {
	SubsidyUUID string
	LearnerID   string
	ContentKey  string

	// AccessPolicyID records which policy authorized the spend.
	AccessPolicyID string

	// RequestedPriceCents overrides the canonical price. nil means "use
	// canonical". The override must fall inside the validation band.
	RequestedPriceCents *int64

	// IdempotencyKey overrides the derived transaction key. Callers that
	// retry after a failed attempt supply their own key here.
	IdempotencyKey string

	// Metadata travels onto the transaction. External fulfillment reads
	// learner-provided fields from here.
	Metadata map[string]string
}

// Redeem spends subsidy value to enroll a learner in content. Returns the
// committed transaction and whether this call created it (false means an
// existing redemption was found and nothing was written).
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*ledger.Transaction, bool, error) {
	sub, err := s.subsidies.GetSubsidy(ctx, req.SubsidyUUID)
	if err != nil {
		return nil, false, err
	}

	// An existing committed, unreversed redemption short-circuits
	// everything, including the active-window check: access already
	// granted stays granted.
	existing, err := s.GetRedemption(ctx, sub, req.LearnerID, req.ContentKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.now()
	if !sub.IsActive(now) {
		return nil, false, &InactiveError{SubsidyUUID: sub.UUID, At: now}
	}

	method := s.methodFor(sub)
	red, err := method.IsRedeemable(ctx, sub, req)
	if err != nil {
		return nil, false, err
	}
	if !red.ok {
		return nil, false, &NotRedeemableError{
			SubsidyUUID: sub.UUID,
			ContentKey:  req.ContentKey,
			Reason:      red.reason,
		}
	}

	release, err := s.locker.Acquire(ctx, sub.LedgerID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	return s.redeemLocked(ctx, sub, method, req, red.quantity)
}

// redeemLocked runs the write half of a redemption. Caller holds the
// ledger lock.
func (s *Service) redeemLocked(ctx context.Context, sub *Subsidy, method redemptionMethod, req RedeemRequest, quantity int64) (*ledger.Transaction, bool, error) {
	// The pre-lock check read a balance that may be stale by now.
	balance, err := s.ledgers.Balance(ctx, sub.LedgerID)
	if err != nil {
		return nil, false, err
	}
	if balance < quantity {
		return nil, false, &NotRedeemableError{
			SubsidyUUID: sub.UUID,
			ContentKey:  req.ContentKey,
			Reason:      fmt.Sprintf("balance %d cannot cover %d", balance, quantity),
		}
	}

	tx, existing, err := s.findOrCreatePending(ctx, sub, req, quantity)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	fctx := ctx
	if s.fulfillmentTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.fulfillmentTimeout)
		defer cancel()
	}

	fulfillmentID, refs, ferr := method.Fulfill(fctx, sub, tx)
	if ferr != nil {
		s.failTransaction(ctx, tx, refs, "")
		return nil, false, ferr
	}

	if err := s.store.CommitTransaction(ctx, tx.ID, fulfillmentID, refs); err != nil {
		s.failTransaction(ctx, tx, refs, fulfillmentID)
		return nil, false, err
	}

	committed, err := s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return nil, false, err
	}
	s.events.TransactionCommitted(*committed)
	return committed, true, nil
}

// findOrCreatePending resolves the idempotency key and produces the
// PENDING transaction this attempt will fulfill. When a committed,
// unreversed transaction already holds the key, it is returned as existing
// and nothing is written. Failed or reversed holders of the key don't
// block a retry: the key is salted deterministically until a free slot or
// a live transaction is found.
func (s *Service) findOrCreatePending(ctx context.Context, sub *Subsidy, req RedeemRequest, quantity int64) (pending, existing *ledger.Transaction, err error) {
	baseKey := req.IdempotencyKey
	if baseKey == "" {
		baseKey = ledger.TransactionKey(sub.UUID, -quantity, map[string]string{
			"learner_id":  req.LearnerID,
			"content_key": req.ContentKey,
		})
	}

	key := baseKey
	for attempt := 1; ; attempt++ {
		found, err := s.store.FindTransactionByIdempotencyKey(ctx, sub.LedgerID, key)
		if err != nil {
			return nil, nil, err
		}
		if found == nil {
			break
		}

		switch found.State {
		case ledger.TxCommitted:
			rev, err := s.store.GetReversalForTransaction(ctx, found.ID)
			if err != nil {
				return nil, nil, err
			}
			if rev == nil || rev.State != ledger.TxCommitted {
				return nil, found, nil
			}
			// Reversed: the learner may redeem again under a fresh key.
		case ledger.TxCreated, ledger.TxPending:
			// A prior attempt stalled before resolution. We hold the
			// lock, so it is safe to adopt and drive it to completion.
			if found.State == ledger.TxCreated {
				if err := s.store.SetTransactionState(ctx, found.ID, ledger.TxPending); err != nil {
					return nil, nil, err
				}
				found.State = ledger.TxPending
			}
			return found, nil, nil
		case ledger.TxFailed:
			// The failed record stays for audit; this attempt gets a
			// fresh key.
		}
		key = fmt.Sprintf("%s-retry-%d", baseKey, attempt)
	}

	now := s.now()
	tx, _, err := s.store.GetOrCreateTransaction(ctx, ledger.Transaction{
		ID:             ledger.TransactionID(ledger.NewID()),
		LedgerID:       sub.LedgerID,
		Quantity:       -quantity,
		IdempotencyKey: key,
		State:          ledger.TxCreated,
		LearnerID:      req.LearnerID,
		ContentKey:     req.ContentKey,
		AccessPolicyID: req.AccessPolicyID,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		ModifiedAt:     now,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.SetTransactionState(ctx, tx.ID, ledger.TxPending); err != nil {
		return nil, nil, err
	}
	tx.State = ledger.TxPending
	return tx, nil, nil
}

// failTransaction marks a spend failed and best-effort cancels anything
// already provisioned. Cancellation failures are logged, never returned:
// the caller's original error must not be masked.
func (s *Service) failTransaction(ctx context.Context, tx *ledger.Transaction, refs []ledger.ExternalReference, fulfillmentID string) {
	// Record any provider-side allocations on the failed transaction so
	// the audit trail shows what was provisioned and rolled back.
	for _, ref := range refs {
		if err := s.store.AddExternalReference(ctx, tx.ID, ref); err != nil {
			s.logger.Printf("could not record external reference %s/%s on transaction %s: %v",
				ref.ProviderSlug, ref.ReferenceID, tx.ID, err)
		}
	}

	if err := s.store.SetTransactionState(ctx, tx.ID, ledger.TxFailed); err != nil {
		s.logger.Printf("could not mark transaction %s failed: %v", tx.ID, err)
	} else {
		tx.State = ledger.TxFailed
		s.events.TransactionFailed(*tx)
	}

	for _, ref := range refs {
		if s.external == nil {
			s.logger.Printf("no handler to cancel external reference %s/%s for failed transaction %s",
				ref.ProviderSlug, ref.ReferenceID, tx.ID)
			continue
		}
		if err := s.external.Cancel(ctx, ref); err != nil {
			s.logger.Printf("could not cancel external reference %s/%s for failed transaction %s: %v",
				ref.ProviderSlug, ref.ReferenceID, tx.ID, err)
		}
	}
	if fulfillmentID != "" {
		if err := s.enrollment.CancelFulfillment(ctx, fulfillmentID); err != nil {
			s.logger.Printf("could not cancel enrollment %s for failed transaction %s: %v",
				fulfillmentID, tx.ID, err)
		}
	}
}

// =============================================================================
// LEARNER CREDIT - Currency-denominated redemption
// =============================================================================

type learnerCreditMethod struct {
	svc *Service
}

func (m *learnerCreditMethod) IsRedeemable(ctx context.Context, sub *Subsidy, req RedeemRequest) (redeemability, error) {
	price, err := m.svc.pricer.ResolvePrice(ctx, sub.EnterpriseCustomerUUID, req.ContentKey, req.RequestedPriceCents)
	if err != nil {
		return redeemability{}, err
	}

	balance, err := m.svc.ledgers.Balance(ctx, sub.LedgerID)
	if err != nil {
		return redeemability{}, err
	}
	if balance < price {
		return redeemability{
			quantity: price,
			reason:   fmt.Sprintf("balance %d cannot cover %d", balance, price),
		}, nil
	}
	return redeemability{ok: true, quantity: price}, nil
}

func (m *learnerCreditMethod) Fulfill(ctx context.Context, sub *Subsidy, tx *ledger.Transaction) (string, []ledger.ExternalReference, error) {
	md, err := m.svc.pricer.Catalog.GetContentMetadata(ctx, sub.EnterpriseCustomerUUID, tx.ContentKey)
	if err != nil {
		return "", nil, err
	}

	var refs []ledger.ExternalReference
	if md.RequiresExternalFulfillment() {
		if m.svc.external == nil {
			return "", nil, &fulfillment.Error{
				Op:     "allocate",
				Detail: fmt.Sprintf("content %s needs external fulfillment but no handler is configured", tx.ContentKey),
				Err:    fulfillment.ErrUnknownProvider,
			}
		}
		ref, err := m.svc.external.Allocate(ctx, tx, md.Title)
		if err != nil {
			return "", nil, err
		}
		refs = append(refs, ref)
	}

	fulfillmentID, err := m.svc.enrollment.Enroll(ctx, tx.LearnerID, tx.ContentKey, tx.ID)
	if err != nil {
		return "", refs, err
	}
	return fulfillmentID, refs, nil
}

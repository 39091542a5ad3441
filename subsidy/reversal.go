/*
reversal.go - Compensating reversals and unenrollment handling

PURPOSE:
  Committed transactions are never edited or deleted. When enrollment is
  revoked and the customer deserves their money back, a Reversal with the
  exact opposite quantity is attached to the transaction; the pair nets to
  zero and both stay in the ledger.

TWO ENTRY POINTS:
  - ReverseTransaction: the operator/API path. Writes the reversal, then
    cancels both the external allocation and the platform enrollment.
  - HandleUnenrollment: the event path. The learner is already unenrolled,
    so only the external allocation needs cancelling; the refund window is
    checked first, and an external cancel failure means no reversal is
    written (the seat is still held, so the money stays spent).

AT MOST ONE:
  The storage layer enforces one reversal per transaction. A replayed
  unenrollment event derives the same reversal key and gets the existing
  record back; a second distinct reversal attempt fails with
  ErrTransactionNotReversible.
*/
package subsidy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/subsidy-engine/fulfillment"
	"github.com/warp/subsidy-engine/ledger"
)

// ReverseTransaction writes the compensating reversal for a committed
// transaction and cancels its fulfillments. at stamps the reversal's
// idempotency key; zero means now. The reversal stands even when a
// cancellation fails: value is returned first, cleanup errors surface to
// the caller for retry.
func (s *Service) ReverseTransaction(ctx context.Context, txID ledger.TransactionID, at time.Time) (*ledger.Reversal, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.State != ledger.TxCommitted {
		return nil, &ledger.NotReversibleError{TransactionID: txID, State: tx.State}
	}

	rev, created, err := s.writeReversal(ctx, tx, at)
	if err != nil {
		return nil, err
	}
	if !created {
		return rev, nil
	}

	if err := s.cancelFulfillments(ctx, tx); err != nil {
		return rev, err
	}
	return rev, nil
}

// writeReversal persists the reversal under the ledger lock. Returns
// created=false when the same reversal key already holds the slot.
func (s *Service) writeReversal(ctx context.Context, tx *ledger.Transaction, at time.Time) (*ledger.Reversal, bool, error) {
	if at.IsZero() {
		at = s.now()
	}
	keySource := tx.FulfillmentID
	if keySource == "" {
		keySource = string(tx.ID)
	}

	release, err := s.locker.Acquire(ctx, tx.LedgerID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	now := s.now()
	rev, created, err := s.store.GetOrCreateReversal(ctx, ledger.Reversal{
		ID:             ledger.ReversalID(ledger.NewID()),
		TransactionID:  tx.ID,
		Quantity:       -tx.Quantity,
		IdempotencyKey: ledger.ReversalKey(keySource, at),
		State:          ledger.TxCommitted,
		CreatedAt:      now,
		ModifiedAt:     now,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.events.TransactionReversed(*tx, *rev)
	}
	return rev, created, nil
}

// cancelFulfillments revokes everything a committed transaction
// provisioned: external allocations first (provider seats cost money),
// then the platform enrollment. The two are independent; failures are
// collected, not short-circuited. An external reference from a provider
// nothing knows how to cancel is an error, not a skip.
func (s *Service) cancelFulfillments(ctx context.Context, tx *ledger.Transaction) error {
	var errs []error
	for _, ref := range tx.ExternalReferences {
		if s.external == nil {
			errs = append(errs, &fulfillment.Error{
				Op:     "cancel",
				Detail: fmt.Sprintf("provider %s", ref.ProviderSlug),
				Err:    fulfillment.ErrUnknownProvider,
			})
			continue
		}
		if err := s.external.Cancel(ctx, ref); err != nil {
			errs = append(errs, err)
		}
	}

	if tx.FulfillmentID == "" {
		// Nothing platform-side to cancel. Unusual for a committed
		// transaction, so leave a trace.
		s.logger.Printf("transaction %s has no platform fulfillment reference, skipping enrollment cancellation", tx.ID)
	} else if err := s.enrollment.CancelFulfillment(ctx, tx.FulfillmentID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// =============================================================================
// UNENROLLMENT EVENTS
// =============================================================================

// UnenrollmentEvent reports that a learner's enrollment was revoked.
type UnenrollmentEvent struct {
	TransactionID ledger.TransactionID
	ContentKey    string
	UnenrolledAt  time.Time
}

// HandleUnenrollment processes an enrollment-revoked event: when the
// unenrollment falls inside the refund window, the spend is reversed and
// any external allocation cancelled. Events that reference unknown,
// uncommitted, or already-reversed transactions are ignored quietly;
// event streams replay and none of those cases is actionable.
func (s *Service) HandleUnenrollment(ctx context.Context, ev UnenrollmentEvent) (*ledger.Reversal, error) {
	tx, err := s.store.GetTransaction(ctx, ev.TransactionID)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		s.logger.Printf("unenrollment references unknown transaction %s, ignoring", ev.TransactionID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if tx.State != ledger.TxCommitted {
		s.logger.Printf("unenrollment for transaction %s in state %s, nothing to reverse", tx.ID, tx.State)
		return nil, nil
	}

	if rev, err := s.store.GetReversalForTransaction(ctx, tx.ID); err != nil {
		return nil, err
	} else if rev != nil {
		s.logger.Printf("transaction %s already reversed, ignoring replayed unenrollment", tx.ID)
		return rev, nil
	}

	sub, err := s.subsidies.GetSubsidyByLedger(ctx, tx.LedgerID)
	if err != nil {
		return nil, err
	}

	// The refund window runs from course start or enrollment, whichever
	// is later. Missing catalog data degrades to the enrollment time.
	var courseStart time.Time
	if md, err := s.pricer.Catalog.GetContentMetadata(ctx, sub.EnterpriseCustomerUUID, tx.ContentKey); err != nil {
		s.logger.Printf("no content metadata for %s (%v), refund window falls back to enrollment time", tx.ContentKey, err)
	} else {
		courseStart = md.CourseStart
	}

	unenrolledAt := ev.UnenrolledAt
	if unenrolledAt.IsZero() {
		unenrolledAt = s.now()
	}
	if !CanRefund(courseStart, tx.CreatedAt, unenrolledAt) {
		s.logger.Printf("unenrollment from transaction %s outside the refund window, no reversal written", tx.ID)
		return nil, nil
	}

	// Cancel the external allocation before touching the ledger: if the
	// provider still holds the seat, the money stays spent.
	for _, ref := range tx.ExternalReferences {
		if s.external == nil {
			s.logger.Printf("no handler to cancel external reference %s/%s for transaction %s, no reversal written",
				ref.ProviderSlug, ref.ReferenceID, tx.ID)
			return nil, nil
		}
		if err := s.external.Cancel(ctx, ref); err != nil {
			s.logger.Printf("could not cancel external reference %s/%s for transaction %s: %v, no reversal written",
				ref.ProviderSlug, ref.ReferenceID, tx.ID, err)
			return nil, nil
		}
	}

	rev, _, err := s.writeReversal(ctx, tx, unenrolledAt)
	return rev, err
}

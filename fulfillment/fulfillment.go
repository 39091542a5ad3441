/*
Package fulfillment defines the collaborators that actually grant access.

PURPOSE:
  Redeeming stored value is only half the job: a learner must end up
  enrolled. This package holds the narrow call contracts for the platform
  enrollment service and for external allocation providers (executive
  education seats provisioned outside the platform), plus the validation
  that runs before any external seat is spent.

TWO FULFILLMENT PATHS:
  1. Platform content: one call to EnrollmentClient.Enroll, which returns
     the fulfillment identifier stored on the committed transaction.
  2. External content: learner-provided metadata is validated first, then
     an allocation is created with the provider, then the platform
     enrollment is created. The allocation is recorded as an
     ExternalReference so a later reversal knows what to cancel.

FAIL FAST:
  Metadata validation happens before any external call. Spending a
  provider seat allocation and then discovering the local data is bad
  would leave an orphan to clean up.
*/
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/warp/subsidy-engine/ledger"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrFulfillment is the base class for fulfillment failures. The
	// transaction involved is marked failed and kept for audit.
	ErrFulfillment = errors.New("fulfillment failed")

	// ErrInvalidMetadata means learner-provided fields required by the
	// external provider are missing or malformed.
	ErrInvalidMetadata = errors.New("invalid fulfillment metadata")

	// ErrIncompleteContentMetadata means the catalog record lacks fields
	// required to build the external allocation payload.
	ErrIncompleteContentMetadata = errors.New("incomplete content metadata")

	// ErrUnknownProvider means a transaction carries an external reference
	// from a provider no code path knows how to cancel.
	ErrUnknownProvider = errors.New("unknown external fulfillment provider")
)

// Error wraps a failure from a fulfillment collaborator.
type Error struct {
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fulfillment %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("fulfillment %s: %s", e.Op, e.Detail)
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrFulfillment
}

// =============================================================================
// CLIENT CONTRACTS
// =============================================================================

// EnrollmentClient is the platform enrollment service. Enroll returns the
// fulfillment identifier recorded on the committed transaction.
type EnrollmentClient interface {
	Enroll(ctx context.Context, learnerID, contentKey string, txID ledger.TransactionID) (string, error)
	CancelFulfillment(ctx context.Context, fulfillmentID string) error
}

// AllocationClient is an external (non-platform) seat provider.
type AllocationClient interface {
	Allocate(ctx context.Context, req AllocationRequest) (string, error)
	CancelAllocation(ctx context.Context, allocationID string) error
}

// AllocationRequest is the payload sent to an external provider.
type AllocationRequest struct {
	TransactionID ledger.TransactionID
	LearnerID     string
	ContentKey    string
	ContentTitle  string
	FirstName     string
	LastName      string
	DateOfBirth   string
	Email         string
}

// =============================================================================
// EXTERNAL HANDLER - Validates, allocates, cancels
// =============================================================================

// ProviderSlugExternal identifies the executive-education allocation
// provider in a transaction's external references.
const ProviderSlugExternal = "exec-ed-allocator"

// Metadata keys the learner must supply for external fulfillment.
const (
	MetaFirstName     = "geag_first_name"
	MetaLastName      = "geag_last_name"
	MetaDateOfBirth   = "geag_date_of_birth"
	MetaEmail         = "geag_email"
	MetaTermsAccepted = "geag_terms_accepted_at"
)

var requiredLearnerMetadata = []string{
	MetaFirstName,
	MetaLastName,
	MetaDateOfBirth,
	MetaEmail,
	MetaTermsAccepted,
}

// ExternalHandler drives the external allocation path.
type ExternalHandler struct {
	Client AllocationClient
	Logger *log.Logger
}

func NewExternalHandler(client AllocationClient, logger *log.Logger) *ExternalHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &ExternalHandler{Client: client, Logger: logger}
}

// ValidateTransactionMetadata fails fast when required learner-provided
// fields are missing, before any provider seat is spent.
func (h *ExternalHandler) ValidateTransactionMetadata(metadata map[string]string) error {
	var missing []string
	for _, key := range requiredLearnerMetadata {
		if metadata[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &Error{
			Op:     "validate",
			Detail: fmt.Sprintf("missing required metadata: %v", missing),
			Err:    ErrInvalidMetadata,
		}
	}
	return nil
}

// ValidateContentMetadata fails fast when the catalog record lacks fields
// required to build the allocation payload.
func (h *ExternalHandler) ValidateContentMetadata(contentTitle string) error {
	if contentTitle == "" {
		return &Error{
			Op:     "validate",
			Detail: "content title required for external allocation",
			Err:    ErrIncompleteContentMetadata,
		}
	}
	return nil
}

// Allocate creates the provider-side seat and returns the external
// reference to attach to the transaction.
func (h *ExternalHandler) Allocate(ctx context.Context, tx *ledger.Transaction, contentTitle string) (ledger.ExternalReference, error) {
	if err := h.ValidateTransactionMetadata(tx.Metadata); err != nil {
		return ledger.ExternalReference{}, err
	}
	if err := h.ValidateContentMetadata(contentTitle); err != nil {
		return ledger.ExternalReference{}, err
	}

	allocationID, err := h.Client.Allocate(ctx, AllocationRequest{
		TransactionID: tx.ID,
		LearnerID:     tx.LearnerID,
		ContentKey:    tx.ContentKey,
		ContentTitle:  contentTitle,
		FirstName:     tx.Metadata[MetaFirstName],
		LastName:      tx.Metadata[MetaLastName],
		DateOfBirth:   tx.Metadata[MetaDateOfBirth],
		Email:         tx.Metadata[MetaEmail],
	})
	if err != nil {
		return ledger.ExternalReference{}, &Error{Op: "allocate", Detail: string(tx.ID), Err: err}
	}

	return ledger.ExternalReference{
		ProviderSlug: ProviderSlugExternal,
		ReferenceID:  allocationID,
	}, nil
}

// Cancel revokes a provider-side allocation. Used both for rollback after
// a failed redemption and for reversal-driven cancellation.
func (h *ExternalHandler) Cancel(ctx context.Context, ref ledger.ExternalReference) error {
	if ref.ProviderSlug != ProviderSlugExternal {
		return &Error{
			Op:     "cancel",
			Detail: fmt.Sprintf("provider %s", ref.ProviderSlug),
			Err:    ErrUnknownProvider,
		}
	}
	if err := h.Client.CancelAllocation(ctx, ref.ReferenceID); err != nil {
		return &Error{Op: "cancel", Detail: ref.ReferenceID, Err: err}
	}
	return nil
}

/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  Wire-format types, separate from domain types so the JSON contract can
  evolve without touching the engine. Quantities travel as integer minor
  units (cents, seats); timestamps as RFC3339.
*/
package api

import (
	"time"

	"github.com/warp/subsidy-engine/ledger"
	"github.com/warp/subsidy-engine/subsidy"
)

// ErrorResponse is the JSON body for all non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// SUBSIDIES
// =============================================================================

type CreateSubsidyRequest struct {
	Title                  string `json:"title"`
	ReferenceID            string `json:"reference_id"`
	ReferenceType          string `json:"reference_type,omitempty"`
	EnterpriseCustomerUUID string `json:"enterprise_customer_uuid"`
	Unit                   string `json:"unit"`
	StartingBalance        int64  `json:"starting_balance"`
	Kind                   string `json:"kind,omitempty"`
	SubscriptionPlanUUID   string `json:"subscription_plan_uuid,omitempty"`
	ActiveDatetime         string `json:"active_datetime,omitempty"`
	ExpirationDatetime     string `json:"expiration_datetime,omitempty"`
	InternalOnly           bool   `json:"internal_only,omitempty"`
}

type SubsidyDTO struct {
	UUID                   string `json:"uuid"`
	Title                  string `json:"title"`
	Kind                   string `json:"kind"`
	Unit                   string `json:"unit"`
	StartingBalance        int64  `json:"starting_balance"`
	ReferenceID            string `json:"reference_id"`
	ReferenceType          string `json:"reference_type"`
	EnterpriseCustomerUUID string `json:"enterprise_customer_uuid"`
	InternalOnly           bool   `json:"internal_only"`
	ActiveDatetime         string `json:"active_datetime,omitempty"`
	ExpirationDatetime     string `json:"expiration_datetime,omitempty"`
	LedgerID               string `json:"ledger_id"`
	SubscriptionPlanUUID   string `json:"subscription_plan_uuid,omitempty"`
	IsActive               bool   `json:"is_active"`
	CreatedAt              string `json:"created_at"`
}

func toSubsidyDTO(sub *subsidy.Subsidy, now time.Time) SubsidyDTO {
	dto := SubsidyDTO{
		UUID:                   sub.UUID,
		Title:                  sub.Title,
		Kind:                   string(sub.Kind),
		Unit:                   string(sub.Unit),
		StartingBalance:        sub.StartingBalance,
		ReferenceID:            sub.ReferenceID,
		ReferenceType:          sub.ReferenceType,
		EnterpriseCustomerUUID: sub.EnterpriseCustomerUUID,
		InternalOnly:           sub.InternalOnly,
		LedgerID:               string(sub.LedgerID),
		SubscriptionPlanUUID:   sub.SubscriptionPlanUUID,
		IsActive:               sub.IsActive(now),
		CreatedAt:              sub.CreatedAt.Format(time.RFC3339),
	}
	if !sub.ActiveDatetime.IsZero() {
		dto.ActiveDatetime = sub.ActiveDatetime.Format(time.RFC3339)
	}
	if !sub.ExpirationDatetime.IsZero() {
		dto.ExpirationDatetime = sub.ExpirationDatetime.Format(time.RFC3339)
	}
	return dto
}

type BalanceDTO struct {
	SubsidyUUID string `json:"subsidy_uuid"`
	Balance     int64  `json:"balance"`
	Unit        string `json:"unit"`
}

// =============================================================================
// REDEMPTION
// =============================================================================

type RedeemRequest struct {
	LearnerID           string            `json:"learner_id"`
	ContentKey          string            `json:"content_key"`
	AccessPolicyID      string            `json:"access_policy_id,omitempty"`
	RequestedPriceCents *int64            `json:"requested_price_cents,omitempty"`
	IdempotencyKey      string            `json:"idempotency_key,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type RedeemResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Created     bool           `json:"created"`
}

type CanRedeemResponse struct {
	SubsidyUUID         string          `json:"subsidy_uuid"`
	Active              bool            `json:"active"`
	CanRedeem           bool            `json:"can_redeem"`
	ContentPrice        int64           `json:"content_price"`
	Reason              string          `json:"reason,omitempty"`
	ExistingTransaction *TransactionDTO `json:"existing_transaction,omitempty"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type ExternalReferenceDTO struct {
	ProviderSlug string `json:"provider_slug"`
	ReferenceID  string `json:"reference_id"`
}

type TransactionDTO struct {
	ID                 string                 `json:"id"`
	LedgerID           string                 `json:"ledger_id"`
	Quantity           int64                  `json:"quantity"`
	IdempotencyKey     string                 `json:"idempotency_key"`
	State              string                 `json:"state"`
	LearnerID          string                 `json:"learner_id,omitempty"`
	ContentKey         string                 `json:"content_key,omitempty"`
	AccessPolicyID     string                 `json:"access_policy_id,omitempty"`
	FulfillmentID      string                 `json:"fulfillment_id,omitempty"`
	ExternalReferences []ExternalReferenceDTO `json:"external_references,omitempty"`
	Metadata           map[string]string      `json:"metadata,omitempty"`
	CreatedAt          string                 `json:"created_at"`
	ModifiedAt         string                 `json:"modified_at"`
}

func toTransactionDTO(tx *ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(tx.ID),
		LedgerID:       string(tx.LedgerID),
		Quantity:       tx.Quantity,
		IdempotencyKey: tx.IdempotencyKey,
		State:          string(tx.State),
		LearnerID:      tx.LearnerID,
		ContentKey:     tx.ContentKey,
		AccessPolicyID: tx.AccessPolicyID,
		FulfillmentID:  tx.FulfillmentID,
		Metadata:       tx.Metadata,
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
		ModifiedAt:     tx.ModifiedAt.Format(time.RFC3339),
	}
	for _, ref := range tx.ExternalReferences {
		dto.ExternalReferences = append(dto.ExternalReferences, ExternalReferenceDTO{
			ProviderSlug: ref.ProviderSlug,
			ReferenceID:  ref.ReferenceID,
		})
	}
	return dto
}

// =============================================================================
// REVERSALS AND DEPOSITS
// =============================================================================

type ReverseRequest struct {
	// UnenrolledAt stamps the reversal's idempotency key. Empty means now.
	UnenrolledAt string `json:"unenrolled_at,omitempty"`
}

type ReversalDTO struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
	State          string `json:"state"`
	CreatedAt      string `json:"created_at"`
}

func toReversalDTO(rev *ledger.Reversal) ReversalDTO {
	return ReversalDTO{
		ID:             string(rev.ID),
		TransactionID:  string(rev.TransactionID),
		Quantity:       rev.Quantity,
		IdempotencyKey: rev.IdempotencyKey,
		State:          string(rev.State),
		CreatedAt:      rev.CreatedAt.Format(time.RFC3339),
	}
}

type DepositRequest struct {
	Quantity          int64             `json:"quantity"`
	ReferenceID       string            `json:"reference_id"`
	ReferenceProvider string            `json:"reference_provider,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type DepositResponse struct {
	ID            string `json:"id"`
	LedgerID      string `json:"ledger_id"`
	Quantity      int64  `json:"quantity"`
	TransactionID string `json:"transaction_id"`
	ReferenceID   string `json:"reference_id"`
	Created       bool   `json:"created"`
}

// =============================================================================
// EVENTS
// =============================================================================

type UnenrollmentEventRequest struct {
	TransactionID string `json:"transaction_id"`
	ContentKey    string `json:"content_key,omitempty"`
	UnenrolledAt  string `json:"unenrolled_at,omitempty"`
}

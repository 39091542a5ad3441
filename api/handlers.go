/*
handlers.go - HTTP API handlers for the subsidy service

PURPOSE:
  Exposes the subsidy engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the domain service.

ENDPOINTS:
  Subsidies:
    POST   /api/subsidies                         Create (get-or-create by reference)
    GET    /api/subsidies                         List (?enterprise_customer_uuid=)
    GET    /api/subsidies/{uuid}                  Get one
    GET    /api/subsidies/{uuid}/balance          Current ledger balance
    GET    /api/subsidies/{uuid}/transactions     Transaction history
    POST   /api/subsidies/{uuid}/redeem           Redeem content for a learner
    GET    /api/subsidies/{uuid}/can-redeem       Redeemability check, no writes
    POST   /api/subsidies/{uuid}/deposits         Top up value

  Transactions:
    GET    /api/transactions/{id}                 Get one
    POST   /api/transactions/{id}/reverse         Write the compensating reversal

  Events:
    POST   /api/events/unenrollment               Enrollment-revoked webhook

ERROR MAPPING:
  Errors are returned as JSON with the status chosen by category:
  - 400: Malformed request body or parameters
  - 404: Unknown subsidy/transaction, content not in catalog
  - 422: Business-rule refusal (inactive subsidy, price band, not
         redeemable, bad deposit, not reversible, invalid metadata)
  - 429: Ledger lock contention; the client should retry
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/subsidy-engine/catalog"
	"github.com/warp/subsidy-engine/fulfillment"
	"github.com/warp/subsidy-engine/ledger"
	"github.com/warp/subsidy-engine/subsidy"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Subsidies *subsidy.Service
	Logger    *log.Logger
}

// NewHandler creates a new handler around the subsidy service.
func NewHandler(svc *subsidy.Service, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{Subsidies: svc, Logger: logger}
}

// =============================================================================
// SUBSIDY HANDLERS
// =============================================================================

// CreateSubsidy provisions a subsidy with its ledger and starting balance.
// POST /api/subsidies
func (h *Handler) CreateSubsidy(w http.ResponseWriter, r *http.Request) {
	var req CreateSubsidyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	params := subsidy.CreateSubsidyParams{
		Title:                  req.Title,
		ReferenceID:            req.ReferenceID,
		ReferenceType:          req.ReferenceType,
		EnterpriseCustomerUUID: req.EnterpriseCustomerUUID,
		Unit:                   ledger.Unit(req.Unit),
		StartingBalance:        req.StartingBalance,
		Kind:                   subsidy.Kind(req.Kind),
		SubscriptionPlanUUID:   req.SubscriptionPlanUUID,
		InternalOnly:           req.InternalOnly,
	}
	var err error
	if params.ActiveDatetime, err = parseOptionalTime(req.ActiveDatetime); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid active_datetime", err)
		return
	}
	if params.ExpirationDatetime, err = parseOptionalTime(req.ExpirationDatetime); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expiration_datetime", err)
		return
	}

	sub, created, err := h.Subsidies.CreateSubsidy(r.Context(), params)
	if err != nil {
		h.writeDomainError(w, "Failed to create subsidy", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toSubsidyDTO(sub, time.Now().UTC()))
}

// ListSubsidies returns subsidies, optionally scoped to one customer.
// GET /api/subsidies?enterprise_customer_uuid=...
func (h *Handler) ListSubsidies(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Subsidies.ListSubsidies(r.Context(), r.URL.Query().Get("enterprise_customer_uuid"))
	if err != nil {
		h.writeDomainError(w, "Failed to list subsidies", err)
		return
	}

	now := time.Now().UTC()
	dtos := make([]SubsidyDTO, len(subs))
	for i := range subs {
		dtos[i] = toSubsidyDTO(&subs[i], now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSubsidy returns a single subsidy.
// GET /api/subsidies/{uuid}
func (h *Handler) GetSubsidy(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Subsidies.GetSubsidy(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeDomainError(w, "Failed to get subsidy", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubsidyDTO(sub, time.Now().UTC()))
}

// GetBalance returns the subsidy's current ledger balance.
// GET /api/subsidies/{uuid}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	sub, err := h.Subsidies.GetSubsidy(r.Context(), uuid)
	if err != nil {
		h.writeDomainError(w, "Failed to get subsidy", err)
		return
	}
	balance, err := h.Subsidies.Balance(r.Context(), uuid)
	if err != nil {
		h.writeDomainError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		SubsidyUUID: uuid,
		Balance:     balance,
		Unit:        string(sub.Unit),
	})
}

// GetTransactions returns the subsidy's transaction history.
// GET /api/subsidies/{uuid}/transactions?learner_id=&content_key=&state=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	f := ledger.TransactionFilter{
		LearnerID:  r.URL.Query().Get("learner_id"),
		ContentKey: r.URL.Query().Get("content_key"),
	}
	if state := r.URL.Query().Get("state"); state != "" {
		f.States = []ledger.TransactionState{ledger.TransactionState(state)}
	}

	txs, err := h.Subsidies.ListTransactions(r.Context(), chi.URLParam(r, "uuid"), f)
	if err != nil {
		h.writeDomainError(w, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i := range txs {
		dtos[i] = toTransactionDTO(&txs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

// Redeem spends subsidy value to enroll a learner.
// POST /api/subsidies/{uuid}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.LearnerID == "" || req.ContentKey == "" {
		writeError(w, http.StatusBadRequest, "learner_id and content_key are required", nil)
		return
	}

	tx, created, err := h.Subsidies.Redeem(r.Context(), subsidy.RedeemRequest{
		SubsidyUUID:         chi.URLParam(r, "uuid"),
		LearnerID:           req.LearnerID,
		ContentKey:          req.ContentKey,
		AccessPolicyID:      req.AccessPolicyID,
		RequestedPriceCents: req.RequestedPriceCents,
		IdempotencyKey:      req.IdempotencyKey,
		Metadata:            req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, "Redemption failed", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, RedeemResponse{
		Transaction: toTransactionDTO(tx),
		Created:     created,
	})
}

// CanRedeem answers redeemability without moving value.
// GET /api/subsidies/{uuid}/can-redeem?learner_id=&content_key=
func (h *Handler) CanRedeem(w http.ResponseWriter, r *http.Request) {
	learnerID := r.URL.Query().Get("learner_id")
	contentKey := r.URL.Query().Get("content_key")
	if learnerID == "" || contentKey == "" {
		writeError(w, http.StatusBadRequest, "learner_id and content_key are required", nil)
		return
	}

	d, err := h.Subsidies.CanRedeem(r.Context(), chi.URLParam(r, "uuid"), learnerID, contentKey)
	if err != nil {
		h.writeDomainError(w, "Redeemability check failed", err)
		return
	}

	resp := CanRedeemResponse{
		SubsidyUUID:  d.SubsidyUUID,
		Active:       d.Active,
		CanRedeem:    d.CanRedeem,
		ContentPrice: d.ContentPriceCents,
		Reason:       d.Reason,
	}
	if d.ExistingTransaction != nil {
		dto := toTransactionDTO(d.ExistingTransaction)
		resp.ExistingTransaction = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateDeposit tops up the subsidy's ledger.
// POST /api/subsidies/{uuid}/deposits
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	dep, created, err := h.Subsidies.CreateDeposit(r.Context(), subsidy.DepositRequest{
		SubsidyUUID:       chi.URLParam(r, "uuid"),
		Quantity:          req.Quantity,
		ReferenceID:       req.ReferenceID,
		ReferenceProvider: req.ReferenceProvider,
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, "Deposit failed", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, DepositResponse{
		ID:            string(dep.ID),
		LedgerID:      string(dep.LedgerID),
		Quantity:      dep.DesiredQuantity,
		TransactionID: string(dep.TransactionID),
		ReferenceID:   dep.ReferenceID,
		Created:       created,
	})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// GetTransaction returns a single transaction.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Subsidies.GetTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// ReverseTransaction writes the compensating reversal for a committed
// transaction and cancels its fulfillments.
// POST /api/transactions/{id}/reverse
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	at, err := parseOptionalTime(req.UnenrolledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unenrolled_at", err)
		return
	}

	rev, err := h.Subsidies.ReverseTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")), at)
	if err != nil {
		// The reversal may have been written even when cancellation
		// failed; report the cleanup failure, the value is back.
		if rev != nil {
			h.Logger.Printf("reversal %s written but cancellation failed: %v", rev.ID, err)
			writeJSON(w, http.StatusCreated, toReversalDTO(rev))
			return
		}
		h.writeDomainError(w, "Reversal failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReversalDTO(rev))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// HandleUnenrollment processes an enrollment-revoked event.
// POST /api/events/unenrollment
func (h *Handler) HandleUnenrollment(w http.ResponseWriter, r *http.Request) {
	var req UnenrollmentEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required", nil)
		return
	}
	at, err := parseOptionalTime(req.UnenrolledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unenrolled_at", err)
		return
	}

	rev, err := h.Subsidies.HandleUnenrollment(r.Context(), subsidy.UnenrollmentEvent{
		TransactionID: ledger.TransactionID(req.TransactionID),
		ContentKey:    req.ContentKey,
		UnenrolledAt:  at,
	})
	if err != nil {
		h.writeDomainError(w, "Unenrollment handling failed", err)
		return
	}
	if rev == nil {
		// Outside the refund window, unknown transaction, or not yet
		// committed: acknowledged, nothing written.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toReversalDTO(rev))
}

// =============================================================================
// ERROR MAPPING AND HELPERS
// =============================================================================

// writeDomainError maps domain errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ledger.ErrLockAcquisition):
		writeError(w, http.StatusTooManyRequests, "Ledger busy, retry shortly", err)
	case errors.Is(err, subsidy.ErrSubsidyNotFound),
		errors.Is(err, catalog.ErrContentNotFound),
		ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, subsidy.ErrSubsidyInactive),
		errors.Is(err, subsidy.ErrPriceValidation),
		errors.Is(err, subsidy.ErrNotRedeemable),
		errors.Is(err, subsidy.ErrInvalidDeposit),
		errors.Is(err, ledger.ErrTransactionNotReversible),
		errors.Is(err, fulfillment.ErrInvalidMetadata),
		errors.Is(err, fulfillment.ErrIncompleteContentMetadata):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	default:
		h.Logger.Printf("internal error: %s: %v", message, err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

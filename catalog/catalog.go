/*
Package catalog provides content metadata lookup for subsidy redemption.

PURPOSE:
  Redemption needs the canonical price and fulfillment attributes of a
  content item. The catalog service is an external collaborator; this
  package defines the narrow call contract, an HTTP implementation, and a
  read-through cache so repeated price checks for the same (customer,
  content) pair don't hammer the remote API.

ERROR CONTRACT:
  A 404 from the catalog is a distinguishable NotFoundError: the content is
  simply not in this customer's catalog, a permanent condition for the
  request. Any other non-2xx surfaces as an UpstreamError.

PRICING:
  The catalog reports prices in decimal dollars. All ledger math is in
  integer cents, so conversion goes through shopspring/decimal to avoid
  floating-point drift on values like 149.99.
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTENT METADATA
// =============================================================================

// CourseType values that are fulfilled by an external allocation provider
// rather than the platform's own enrollment API.
const (
	CourseTypeExecEd        = "executive-education-2u"
	CourseTypeVerifiedAudit = "verified-audit"
	CourseTypeVerified      = "verified"
	CourseTypeAudit         = "audit"
)

type ContentMetadata struct {
	ContentKey  string
	Title       string
	CourseType  string
	// Price in decimal dollars as reported by the catalog.
	Price       decimal.Decimal
	CourseStart time.Time
	EnrollBy    time.Time
}

// PriceCents converts the catalog's dollar price to integer cents.
func (m *ContentMetadata) PriceCents() int64 {
	return m.Price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// RequiresExternalFulfillment reports whether the content is provisioned by
// an external allocation provider.
func (m *ContentMetadata) RequiresExternalFulfillment() bool {
	return m.CourseType == CourseTypeExecEd
}

// =============================================================================
// CLIENT CONTRACT
// =============================================================================

// Client fetches content metadata scoped to an enterprise customer.
type Client interface {
	GetContentMetadata(ctx context.Context, customerID, contentKey string) (*ContentMetadata, error)
}

// ErrContentNotFound distinguishes "not in this customer's catalog" from
// transient upstream failures.
var ErrContentNotFound = errors.New("content not found for customer")

// NotFoundError carries the lookup that 404ed.
type NotFoundError struct {
	CustomerID string
	ContentKey string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("content %s not found in catalog for customer %s", e.ContentKey, e.CustomerID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrContentNotFound
}

// UpstreamError wraps any other non-2xx catalog response.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("catalog request failed with status %d: %s", e.StatusCode, e.Body)
}

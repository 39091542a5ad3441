/*
Package license defines the subscription license service contract.

PURPOSE:
  Subscription subsidies are denominated in seats backed by a license plan
  rather than a currency balance. The license service is an external
  collaborator; subsidy redemption for a subscription assigns a license to
  the learner instead of spending credit.
*/
package license

import "context"

// PlanMetadata summarizes license availability for a plan.
type PlanMetadata struct {
	PendingLicenses int
	TotalLicenses   int
}

// License is one learner's seat in a plan.
type License struct {
	UUID      string
	LearnerID string
	Status    string
}

const (
	StatusActivated = "activated"
	StatusAssigned  = "assigned"
	StatusRevoked   = "revoked"
)

// Client is the narrow call contract with the subscription license service.
type Client interface {
	// GetPlanMetadata returns license counts for a plan.
	GetPlanMetadata(ctx context.Context, planID string) (*PlanMetadata, error)

	// GetLicense returns the learner's license in the plan, or nil when
	// the learner holds none.
	GetLicense(ctx context.Context, planID, learnerID string) (*License, error)

	// AssignLicense grants the learner a license from the plan's pool.
	AssignLicense(ctx context.Context, planID, learnerID string) (*License, error)
}

/*
subscription.go - Seat-denominated redemption backed by a license plan

PURPOSE:
  A subscription subsidy doesn't spend currency: its ledger is denominated
  in seats and its fulfillment assigns a license from the backing plan.
  Every redemption costs exactly one seat. A learner who already holds a
  live license redeems against it instead of drawing a second one.
*/
package subsidy

import (
	"context"
	"errors"

	"github.com/warp/subsidy-engine/ledger"
	"github.com/warp/subsidy-engine/license"
)

// subscriptionSeatCost is what one redemption spends from a seats ledger.
const subscriptionSeatCost int64 = 1

type subscriptionMethod struct {
	svc *Service
}

func (m *subscriptionMethod) IsRedeemable(ctx context.Context, sub *Subsidy, req RedeemRequest) (redeemability, error) {
	if m.svc.licenses == nil {
		return redeemability{}, errors.New("subscription subsidy configured without a license client")
	}
	if sub.SubscriptionPlanUUID == "" {
		return redeemability{}, errors.New("subscription subsidy has no plan uuid")
	}

	balance, err := m.svc.ledgers.Balance(ctx, sub.LedgerID)
	if err != nil {
		return redeemability{}, err
	}
	if balance < subscriptionSeatCost {
		return redeemability{
			quantity: subscriptionSeatCost,
			reason:   "no seats remaining in the subsidy ledger",
		}, nil
	}

	lic, err := m.svc.licenses.GetLicense(ctx, sub.SubscriptionPlanUUID, req.LearnerID)
	if err != nil {
		return redeemability{}, err
	}
	if lic != nil && lic.Status != license.StatusRevoked {
		return redeemability{ok: true, quantity: subscriptionSeatCost}, nil
	}

	plan, err := m.svc.licenses.GetPlanMetadata(ctx, sub.SubscriptionPlanUUID)
	if err != nil {
		return redeemability{}, err
	}
	if plan.PendingLicenses < 1 {
		return redeemability{
			quantity: subscriptionSeatCost,
			reason:   "no unassigned licenses left in the plan",
		}, nil
	}
	return redeemability{ok: true, quantity: subscriptionSeatCost}, nil
}

// Fulfill assigns a license to the learner, or reuses the live one they
// already hold. The license UUID is the fulfillment reference.
func (m *subscriptionMethod) Fulfill(ctx context.Context, sub *Subsidy, tx *ledger.Transaction) (string, []ledger.ExternalReference, error) {
	lic, err := m.svc.licenses.GetLicense(ctx, sub.SubscriptionPlanUUID, tx.LearnerID)
	if err != nil {
		return "", nil, err
	}
	if lic != nil && lic.Status != license.StatusRevoked {
		return lic.UUID, nil, nil
	}

	assigned, err := m.svc.licenses.AssignLicense(ctx, sub.SubscriptionPlanUUID, tx.LearnerID)
	if err != nil {
		return "", nil, err
	}
	return assigned.UUID, nil, nil
}

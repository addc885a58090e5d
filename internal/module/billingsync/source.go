package billingsync

import (
	"context"

	"github.com/google/uuid"

	"github.com/klarpost/server/internal/module/plan"
)

// Source adapts the subscription mirror to the plan resolver. Resolution
// reads only the local mirror; it never calls the billing provider.
type Source struct {
	repo Repository
}

var _ plan.SubscriptionSource = (*Source)(nil)

// NewSource creates a resolver-facing view of the subscription mirror.
func NewSource(repo Repository) *Source {
	return &Source{repo: repo}
}

func (s *Source) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*plan.SubscriptionState, error) {
	sub, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	state := &plan.SubscriptionState{
		PlanKey: plan.Key(sub.PlanKey),
		Status:  plan.SubscriptionStatus(sub.Status),
	}
	if sub.CurrentPeriodEnd != nil {
		state.CurrentPeriodEnd = *sub.CurrentPeriodEnd
	}
	return state, nil
}

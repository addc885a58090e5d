package override

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/klarpost/server/internal/module/plan"
)

// Source adapts the override repository to the plan resolver.
type Source struct {
	repo Repository
}

// NewSource creates a plan.OverrideSource backed by the override store.
func NewSource(repo Repository) *Source {
	return &Source{repo: repo}
}

// ActiveOverride returns the active override grant for a user, or nil when
// none exists. Expiry is evaluated by the resolver against its own clock.
func (s *Source) ActiveOverride(ctx context.Context, userID uuid.UUID) (*plan.OverrideGrant, error) {
	ov, err := s.repo.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrOverrideNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan.OverrideGrant{
		PlanKey:   plan.Key(ov.PlanCode),
		ExpiresAt: ov.ExpiresAt,
	}, nil
}

var _ plan.OverrideSource = (*Source)(nil)

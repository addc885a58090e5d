package billingsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/plan"
	"github.com/klarpost/server/internal/module/user"
	"github.com/klarpost/server/internal/shared/metrics"
)

// SnapshotInvalidator drops a user's cached entitlement snapshot after a
// state change.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// Service pulls billing state from the provider into the local mirror.
type Service struct {
	provider   Provider
	repo       Repository
	users      user.Repository
	pricePlans map[string]string
	snapshots  SnapshotInvalidator
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewService creates a billing sync service. pricePlans maps provider price
// IDs to internal plan keys.
func NewService(provider Provider, repo Repository, users user.Repository, pricePlans map[string]string, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		provider:   provider,
		repo:       repo,
		users:      users,
		pricePlans: pricePlans,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// SetSnapshotInvalidator wires entitlement cache invalidation. Optional.
func (s *Service) SetSnapshotInvalidator(inv SnapshotInvalidator) {
	s.snapshots = inv
}

// Sync refreshes the subscription mirror for one user from the billing
// provider and returns the new mirror state. Provider failures surface as
// UPSTREAM_UNAVAILABLE and leave the previously persisted mirror untouched,
// so a transient outage cannot erase a paying user's plan.
func (s *Service) Sync(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	customerID := u.StripeCustomerID
	if customerID == "" {
		cust, err := s.provider.FindCustomerByEmail(ctx, u.Email)
		if err != nil {
			s.countFailure()
			return nil, err
		}
		if cust == nil {
			// No billing customer yet: mirror an empty state.
			return s.persist(ctx, userID, "", nil)
		}
		customerID = cust.ID
		if err := s.users.SetStripeCustomerID(ctx, userID, customerID); err != nil {
			return nil, fmt.Errorf("persist customer id: %w", err)
		}
	}

	subs, err := s.provider.ListSubscriptions(ctx, customerID)
	if err != nil {
		s.countFailure()
		return nil, err
	}

	selected := s.selectSubscription(subs)
	return s.persist(ctx, userID, customerID, selected)
}

// selectSubscription picks the subscription that best represents the user's
// entitlement: a live one first, then an unpaid one (the plan is known even
// though access is blocked), then a canceled one whose paid period still runs.
func (s *Service) selectSubscription(subs []ProviderSubscription) *ProviderSubscription {
	now := s.now()
	byClass := func(classes ...string) *ProviderSubscription {
		var best *ProviderSubscription
		for i := range subs {
			sub := &subs[i]
			for _, class := range classes {
				if sub.Status != class {
					continue
				}
				if best == nil || sub.CurrentPeriodEnd.After(best.CurrentPeriodEnd) {
					best = sub
				}
			}
		}
		return best
	}

	if sub := byClass("active", "trialing"); sub != nil {
		return sub
	}
	if sub := byClass("past_due", "unpaid"); sub != nil {
		return sub
	}
	if sub := byClass("canceled"); sub != nil && sub.CurrentPeriodEnd.After(now) {
		return sub
	}
	return nil
}

func (s *Service) persist(ctx context.Context, userID uuid.UUID, customerID string, selected *ProviderSubscription) (*Subscription, error) {
	now := s.now()
	mirror := &Subscription{
		UserID:             userID,
		PlanKey:            string(plan.KeyFree),
		Status:             string(plan.StatusInactive),
		ProviderCustomerID: customerID,
		SyncedAt:           now,
		UpdatedAt:          now,
	}

	if selected != nil {
		mirror.PlanKey = string(s.planForPrice(selected.PriceID))
		mirror.Status = selected.Status
		mirror.ProviderSubscriptionID = selected.ID
		periodEnd := selected.CurrentPeriodEnd
		mirror.CurrentPeriodEnd = &periodEnd
	}

	if err := s.repo.Upsert(ctx, mirror); err != nil {
		return nil, err
	}
	// Denormalized pair read by consumers that predate the mirror table.
	if err := s.users.SetPlanStatus(ctx, userID, mirror.PlanKey, mirror.Status); err != nil {
		return nil, fmt.Errorf("persist plan status: %w", err)
	}

	s.logger.Info("billing state synced",
		zap.String("user_id", userID.String()),
		zap.String("plan_key", mirror.PlanKey),
		zap.String("status", mirror.Status),
	)
	if s.snapshots != nil {
		s.snapshots.Invalidate(ctx, userID)
	}
	return mirror, nil
}

// planForPrice maps a provider price ID to an internal plan key. An unmapped
// price means a configuration gap, not a free user: fall back to the cheapest
// paid tier so a paying customer is never silently downgraded to free.
func (s *Service) planForPrice(priceID string) plan.Key {
	if key, ok := s.pricePlans[priceID]; ok && plan.Key(key).IsValid() {
		return plan.Key(key)
	}
	s.logger.Warn("unmapped billing price, falling back to cheapest paid tier",
		zap.String("price_id", priceID),
		zap.String("fallback", string(plan.CheapestPaid)),
	)
	return plan.CheapestPaid
}

func (s *Service) countFailure() {
	if s.metrics != nil {
		s.metrics.BillingSyncFailures.Inc()
	}
}

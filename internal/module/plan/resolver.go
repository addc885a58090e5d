package plan

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/shared/metrics"
)

// Source identifies which input won the precedence race for a user.
type Source string

const (
	SourceOverride Source = "override"
	SourceBilling  Source = "billing"
	SourceFree     Source = "free"
)

// SubscriptionStatus mirrors the billing provider's subscription status.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusUnpaid   SubscriptionStatus = "unpaid"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusInactive SubscriptionStatus = "inactive"
)

// OverrideGrant is the resolver's view of an admin-assigned plan.
type OverrideGrant struct {
	PlanKey   Key
	ExpiresAt *time.Time
}

// Expired reports whether the grant has lapsed at the given instant.
func (g *OverrideGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// SubscriptionState is the resolver's view of the billing mirror.
type SubscriptionState struct {
	PlanKey          Key
	Status           SubscriptionStatus
	CurrentPeriodEnd time.Time
}

// OverrideSource supplies the active override for a user, or nil when none.
type OverrideSource interface {
	ActiveOverride(ctx context.Context, userID uuid.UUID) (*OverrideGrant, error)
}

// SubscriptionSource supplies the mirrored billing state for a user, or nil
// when the user has never had a subscription.
type SubscriptionSource interface {
	CurrentSubscription(ctx context.Context, userID uuid.UUID) (*SubscriptionState, error)
}

// EffectivePlan is the resolved entitlement for one user at one instant.
type EffectivePlan struct {
	Key              Key
	Source           Source
	Status           SubscriptionStatus
	CurrentPeriodEnd *time.Time
	// AccessBlocked separates "what plan" from "may I use it right now":
	// a past_due subscription keeps its plan key but refuses usage.
	AccessBlocked bool
	Limits        Limits
	Features      []string
}

// Resolver combines overrides, the billing mirror and the free default into
// one effective plan with deterministic precedence.
type Resolver struct {
	overrides OverrideSource
	subs      SubscriptionSource
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewResolver creates a plan resolver.
func NewResolver(overrides OverrideSource, subs SubscriptionSource, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		overrides: overrides,
		subs:      subs,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Resolve returns the effective plan for a user. Precedence, strictly:
// active non-expired override, then a live subscription, then free.
//
// A transiently unreachable override store or billing mirror degrades to the
// free plan rather than blocking the caller; degradation is logged and
// metered, and never grants an elevated plan.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (*EffectivePlan, error) {
	now := r.now()

	grant, err := r.overrides.ActiveOverride(ctx, userID)
	if err != nil {
		return r.degrade(userID, "override store unreachable", err), nil
	}
	if grant != nil && !grant.Expired(now) {
		def := Lookup(grant.PlanKey)
		r.count(SourceOverride)
		return &EffectivePlan{
			Key:      def.Key,
			Source:   SourceOverride,
			Limits:   def.Limits,
			Features: def.Features,
		}, nil
	}

	sub, err := r.subs.CurrentSubscription(ctx, userID)
	if err != nil {
		return r.degrade(userID, "billing mirror unreachable", err), nil
	}
	if sub != nil {
		if ep := r.fromSubscription(sub, now); ep != nil {
			r.count(SourceBilling)
			return ep, nil
		}
	}

	r.count(SourceFree)
	return freePlan(), nil
}

// fromSubscription maps a mirrored subscription to an effective plan, or nil
// when the subscription confers no entitlement.
func (r *Resolver) fromSubscription(sub *SubscriptionState, now time.Time) *EffectivePlan {
	def := Lookup(sub.PlanKey)
	periodEnd := sub.CurrentPeriodEnd

	switch sub.Status {
	case StatusActive, StatusTrialing:
		return &EffectivePlan{
			Key:              def.Key,
			Source:           SourceBilling,
			Status:           sub.Status,
			CurrentPeriodEnd: &periodEnd,
			Limits:           def.Limits,
			Features:         def.Features,
		}
	case StatusPastDue, StatusUnpaid:
		// The plan is known but usage is refused until payment recovers.
		return &EffectivePlan{
			Key:              def.Key,
			Source:           SourceBilling,
			Status:           sub.Status,
			CurrentPeriodEnd: &periodEnd,
			AccessBlocked:    true,
			Limits:           def.Limits,
			Features:         def.Features,
		}
	case StatusCanceled:
		if now.Before(periodEnd) {
			return &EffectivePlan{
				Key:              def.Key,
				Source:           SourceBilling,
				Status:           sub.Status,
				CurrentPeriodEnd: &periodEnd,
				Limits:           def.Limits,
				Features:         def.Features,
			}
		}
	}
	return nil
}

func (r *Resolver) degrade(userID uuid.UUID, reason string, err error) *EffectivePlan {
	r.logger.Warn("plan resolution degraded to free",
		zap.String("user_id", userID.String()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if r.metrics != nil {
		r.metrics.ResolverDegradations.Inc()
	}
	return freePlan()
}

func (r *Resolver) count(source Source) {
	if r.metrics != nil {
		r.metrics.EntitlementResolutions.WithLabelValues(string(source)).Inc()
	}
}

func freePlan() *EffectivePlan {
	def := Lookup(KeyFree)
	return &EffectivePlan{
		Key:      def.Key,
		Source:   SourceFree,
		Limits:   def.Limits,
		Features: def.Features,
	}
}

package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/ledger"
	"github.com/klarpost/server/internal/module/plan"
	"github.com/klarpost/server/internal/module/usage"
)

// PlanResolver yields the effective plan for a user.
type PlanResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*plan.EffectivePlan, error)
}

// WalletReader reads the live credit balance.
type WalletReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (*ledger.Wallet, error)
}

// UsageReader reads the current month's counters.
type UsageReader interface {
	Current(ctx context.Context, userID uuid.UUID) (*usage.Counter, error)
}

// RoleReader answers the administrator predicate.
type RoleReader interface {
	IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Service assembles entitlement snapshots from the resolver, wallet and
// usage counters, behind a freshness-windowed cache.
type Service struct {
	resolver PlanResolver
	wallets  WalletReader
	counters UsageReader
	roles    RoleReader
	cache    SnapshotCache
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the entitlement facade. cache may be nil, in which case
// every call rebuilds.
func NewService(resolver PlanResolver, wallets WalletReader, counters UsageReader, roles RoleReader, cache SnapshotCache, logger *zap.Logger) *Service {
	return &Service{
		resolver: resolver,
		wallets:  wallets,
		counters: counters,
		roles:    roles,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
}

// GetEntitlements returns the user's resolved plan, limits and usage. A fresh
// cached snapshot is served as-is; a stale one is revalidated, and if the
// rebuild fails the stale copy is returned rather than blocking the user.
func (s *Service) GetEntitlements(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	var stale *Snapshot
	if s.cache != nil {
		cached, fresh, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("entitlement cache read failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		} else if cached != nil {
			if fresh {
				return cached, nil
			}
			stale = cached
		}
	}

	snapshot, err := s.build(ctx, userID)
	if err != nil {
		if stale != nil {
			s.logger.Warn("serving stale entitlement snapshot",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
			return stale, nil
		}
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, snapshot); err != nil {
			s.logger.Warn("entitlement cache write failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
	}
	return snapshot, nil
}

// Invalidate drops the cached snapshot after a state change (override
// applied, credits moved, billing synced).
func (s *Service) Invalidate(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("entitlement cache invalidation failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) build(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	ep, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}

	wallet, err := s.wallets.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}

	counter, err := s.counters.Current(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read usage counters: %w", err)
	}

	role := RoleUser
	isAdmin, err := s.roles.IsAdmin(ctx, userID)
	if err != nil {
		// The role is cosmetic in this shape; authorization checks read it
		// from the token, not from here.
		s.logger.Warn("role lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	} else if isAdmin {
		role = RoleAdmin
	}

	return &Snapshot{
		UserID:           userID,
		Role:             role,
		Plan:             ep.Key,
		PlanSource:       ep.Source,
		Status:           ep.Status,
		CurrentPeriodEnd: ep.CurrentPeriodEnd,
		AccessBlocked:    ep.AccessBlocked,
		Limits: SnapshotLimits{
			Cases:    ep.Limits.MonthlyCases,
			Credits:  ep.Limits.MonthlyCredits,
			Messages: ep.Limits.MessagesPerSession,
		},
		Usage: SnapshotUsage{
			CasesUsed:      counter.CasesCreated,
			CreditsUsed:    counter.CreditsSpent,
			MessagesUsed:   counter.AiSessionsStarted,
			BalanceCredits: wallet.BalanceCredits,
		},
		CachedAt: s.now(),
	}, nil
}

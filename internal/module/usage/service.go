package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/plan"
	apperrors "github.com/klarpost/server/internal/shared/errors"
)

// PlanResolver yields the effective plan for a user.
type PlanResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*plan.EffectivePlan, error)
}

// Service enforces monthly quotas on top of the counter store.
type Service struct {
	repo     Repository
	resolver PlanResolver
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new usage service.
func NewService(repo Repository, resolver PlanResolver, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckCaseQuota reports whether the user may create another case this month.
// nil means allow; the error carries the denial reason otherwise.
func (s *Service) CheckCaseQuota(ctx context.Context, userID uuid.UUID) error {
	ep, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve plan: %w", err)
	}
	if ep.AccessBlocked {
		return apperrors.QuotaExceeded("subscription payment is overdue")
	}
	if ep.Limits.MonthlyCases.IsUnlimited() {
		return nil
	}

	counter, err := s.repo.Get(ctx, userID, YM(s.now()))
	if err != nil {
		return fmt.Errorf("read usage counter: %w", err)
	}
	if !ep.Limits.MonthlyCases.Allows(counter.CasesCreated) {
		return apperrors.QuotaExceeded("monthly case limit reached")
	}
	return nil
}

// RecordCaseCreated consumes one unit of the monthly case quota. For bounded
// plans the quota check and the increment are one conditional statement, so
// two concurrent requests cannot both claim the last slot.
func (s *Service) RecordCaseCreated(ctx context.Context, userID uuid.UUID) (int64, error) {
	ep, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("resolve plan: %w", err)
	}
	if ep.AccessBlocked {
		return 0, apperrors.QuotaExceeded("subscription payment is overdue")
	}

	ym := YM(s.now())
	if ep.Limits.MonthlyCases.IsUnlimited() {
		return s.repo.IncrementCasesCreated(ctx, userID, ym)
	}

	count, ok, err := s.repo.TryIncrementCasesCreated(ctx, userID, ym, ep.Limits.MonthlyCases.Value())
	if err != nil {
		return 0, fmt.Errorf("increment cases created: %w", err)
	}
	if !ok {
		return 0, apperrors.QuotaExceeded("monthly case limit reached")
	}
	return count, nil
}

// RecordSessionStarted counts an AI session start for the current month.
func (s *Service) RecordSessionStarted(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.IncrementAiSessionsStarted(ctx, userID, YM(s.now()))
}

// IncrementCreditsSpent mirrors a ledger spend into the month's counter.
// It satisfies the ledger module's SpendRecorder.
func (s *Service) IncrementCreditsSpent(ctx context.Context, userID uuid.UUID, ym string, amount int64) (int64, error) {
	return s.repo.IncrementCreditsSpent(ctx, userID, ym, amount)
}

// Current returns the user's counter for the current month.
func (s *Service) Current(ctx context.Context, userID uuid.UUID) (*Counter, error) {
	return s.repo.Get(ctx, userID, YM(s.now()))
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/metrics"
)

// AdminChecker reports whether a user holds the administrator role.
type AdminChecker interface {
	IsAdmin(ctx context.Context, id uuid.UUID) (bool, error)
}

// SpendRecorder mirrors ledger spends into the monthly usage counters so the
// counter-vs-ledger invariant holds for every spend path.
type SpendRecorder interface {
	IncrementCreditsSpent(ctx context.Context, userID uuid.UUID, ym string, amount int64) (int64, error)
}

// SnapshotInvalidator drops a user's cached entitlement snapshot after a
// balance change.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// Service coordinates ledger writes and wallet state.
type Service struct {
	repo      Repository
	admins    AdminChecker
	spends    SpendRecorder
	snapshots SnapshotInvalidator
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates a new ledger service.
func NewService(repo Repository, admins AdminChecker, spends SpendRecorder, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		admins:  admins,
		spends:  spends,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// SetSnapshotInvalidator wires entitlement cache invalidation. Optional.
func (s *Service) SetSnapshotInvalidator(inv SnapshotInvalidator) {
	s.snapshots = inv
}

// ApplyCredits credits a user's wallet. admin_adjustment, and any call where
// the target differs from the actor, require the administrator role.
func (s *Service) ApplyCredits(ctx context.Context, actorID, targetID uuid.UUID, amount int64, reason string) (*Entry, error) {
	if amount <= 0 {
		return nil, apperrors.ValidationError("amount must be positive")
	}
	if !ValidApplyReason(reason) {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown reason %q", reason))
	}
	if reason == ReasonAdminAdjustment || targetID != actorID {
		isAdmin, err := s.admins.IsAdmin(ctx, actorID)
		if err != nil {
			return nil, fmt.Errorf("check admin role: %w", err)
		}
		if !isAdmin {
			return nil, apperrors.Forbidden("administrator role required")
		}
	}

	action := ActionRefill
	if reason == ReasonAdminAdjustment {
		action = ActionAdjustment
	}

	entry := &Entry{
		ID:         uuid.New(),
		UserID:     targetID,
		ActionType: action,
		Delta:      amount,
		Meta: map[string]any{
			"reason":   reason,
			"actor_id": actorID.String(),
		},
		CreatedAt: s.now(),
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("apply credits: %w", err)
	}

	s.logger.Info("credits applied",
		zap.String("user_id", targetID.String()),
		zap.String("actor_id", actorID.String()),
		zap.Int64("amount", amount),
		zap.String("reason", reason),
	)
	if s.snapshots != nil {
		s.snapshots.Invalidate(ctx, targetID)
	}
	return entry, nil
}

// Spend debits credits from a user's wallet and mirrors the spend into the
// current month's usage counter. Returns INSUFFICIENT_CREDITS when the wallet
// cannot cover the amount.
func (s *Service) Spend(ctx context.Context, userID uuid.UUID, amount int64, caseID *uuid.UUID, meta map[string]any) (*Entry, error) {
	if amount <= 0 {
		return nil, apperrors.ValidationError("spend amount must be positive")
	}

	now := s.now()
	entry := &Entry{
		ID:         uuid.New(),
		UserID:     userID,
		ActionType: ActionSpend,
		Delta:      -amount,
		CaseID:     caseID,
		Meta:       meta,
		CreatedAt:  now,
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			if s.metrics != nil {
				s.metrics.CreditSpendDenied.Inc()
			}
			return nil, apperrors.InsufficientCredits("")
		}
		return nil, fmt.Errorf("spend credits: %w", err)
	}

	ym := now.UTC().Format("2006-01")
	if _, err := s.spends.IncrementCreditsSpent(ctx, userID, ym, amount); err != nil {
		// The ledger entry is already durable; the inspector surfaces the
		// counter drift. Do not fail the spend.
		s.logger.Error("failed to mirror spend into usage counter",
			zap.String("user_id", userID.String()),
			zap.String("ym", ym),
			zap.Error(err),
		)
	}

	if s.snapshots != nil {
		s.snapshots.Invalidate(ctx, userID)
	}
	return entry, nil
}

// Balance returns the user's current and lifetime credits. A user without a
// wallet row has a zero balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	w, err := s.repo.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return &Wallet{UserID: userID}, nil
		}
		return nil, err
	}
	return w, nil
}

// History returns the user's ledger entries ordered by created_at.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*Entry, error) {
	return s.repo.ListEntries(ctx, userID, limit)
}

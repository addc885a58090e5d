package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/plan"
	apperrors "github.com/klarpost/server/internal/shared/errors"
)

// AdminChecker reports whether a user holds the administrator role.
type AdminChecker interface {
	IsAdmin(ctx context.Context, id uuid.UUID) (bool, error)
}

// SnapshotInvalidator drops a user's cached entitlement snapshot after a
// state change.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// ApplyInput is the input for assigning an override.
type ApplyInput struct {
	TargetUserID uuid.UUID
	PlanCode     plan.Key
	IsActive     bool
	ExpiresAt    *time.Time
	Reason       string
}

// Service manages plan overrides with an audited admin surface.
type Service struct {
	repo      Repository
	admins    AdminChecker
	snapshots SnapshotInvalidator
	logger    *zap.Logger
}

// NewService creates a new override service.
func NewService(repo Repository, admins AdminChecker, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		admins: admins,
		logger: logger,
	}
}

// SetSnapshotInvalidator wires entitlement cache invalidation. Optional.
func (s *Service) SetSnapshotInvalidator(inv SnapshotInvalidator) {
	s.snapshots = inv
}

// Apply upserts the override row for the target user and appends an audit
// entry capturing the pre- and post-state. Re-applying an identical state is
// idempotent on the row but still appends an audit entry.
func (s *Service) Apply(ctx context.Context, actorID uuid.UUID, in ApplyInput) (*PlanOverride, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	if !in.PlanCode.IsValid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown plan code %q", in.PlanCode))
	}
	if in.ExpiresAt != nil && in.ExpiresAt.Before(time.Now()) {
		return nil, apperrors.ValidationError("expires_at must be in the future")
	}

	old, err := s.repo.Get(ctx, in.TargetUserID)
	if err != nil && !errors.Is(err, ErrOverrideNotFound) {
		return nil, fmt.Errorf("load current override: %w", err)
	}

	ov := &PlanOverride{
		ID:        uuid.New(),
		UserID:    in.TargetUserID,
		PlanCode:  in.PlanCode.String(),
		IsActive:  in.IsActive,
		ExpiresAt: in.ExpiresAt,
		Reason:    in.Reason,
		CreatedBy: actorID,
	}

	audit := &AuditEntry{
		ID:           uuid.New(),
		TargetUserID: in.TargetUserID,
		ActorUserID:  actorID,
		NewPlan:      in.PlanCode.String(),
		NewIsActive:  in.IsActive,
		Reason:       in.Reason,
		CreatedAt:    time.Now(),
	}
	if old != nil {
		audit.OldPlan = old.PlanCode
		audit.OldIsActive = old.IsActive
	}

	if err := s.repo.Upsert(ctx, ov, audit); err != nil {
		return nil, err
	}

	s.logger.Info("plan override applied",
		zap.String("target_user_id", in.TargetUserID.String()),
		zap.String("actor_user_id", actorID.String()),
		zap.String("plan_code", in.PlanCode.String()),
		zap.Bool("is_active", in.IsActive),
	)
	if s.snapshots != nil {
		s.snapshots.Invalidate(ctx, in.TargetUserID)
	}
	return ov, nil
}

// Remove deactivates the target user's override. The row is retained and an
// audit entry is appended; removing is idempotent.
func (s *Service) Remove(ctx context.Context, actorID, targetUserID uuid.UUID, reason string) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}

	old, err := s.repo.Get(ctx, targetUserID)
	if err != nil {
		if errors.Is(err, ErrOverrideNotFound) {
			return apperrors.NotFound("override")
		}
		return fmt.Errorf("load current override: %w", err)
	}

	ov := &PlanOverride{
		ID:        uuid.New(),
		UserID:    targetUserID,
		PlanCode:  old.PlanCode,
		IsActive:  false,
		ExpiresAt: old.ExpiresAt,
		Reason:    reason,
		CreatedBy: actorID,
	}

	audit := &AuditEntry{
		ID:           uuid.New(),
		TargetUserID: targetUserID,
		ActorUserID:  actorID,
		OldPlan:      old.PlanCode,
		NewPlan:      old.PlanCode,
		OldIsActive:  old.IsActive,
		NewIsActive:  false,
		Reason:       reason,
		CreatedAt:    time.Now(),
	}

	if err := s.repo.Upsert(ctx, ov, audit); err != nil {
		return err
	}

	s.logger.Info("plan override removed",
		zap.String("target_user_id", targetUserID.String()),
		zap.String("actor_user_id", actorID.String()),
	)
	if s.snapshots != nil {
		s.snapshots.Invalidate(ctx, targetUserID)
	}
	return nil
}

// Audit returns the audit trail for a user, oldest first.
func (s *Service) Audit(ctx context.Context, actorID, targetUserID uuid.UUID, limit int) ([]*AuditEntry, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, targetUserID, limit)
}

func (s *Service) requireAdmin(ctx context.Context, actorID uuid.UUID) error {
	isAdmin, err := s.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return fmt.Errorf("check admin role: %w", err)
	}
	if !isAdmin {
		return apperrors.Forbidden("administrator role required")
	}
	return nil
}

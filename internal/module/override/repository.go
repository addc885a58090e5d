package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOverrideNotFound is returned when no override row exists for a user.
var ErrOverrideNotFound = errors.New("override not found")

// Repository defines the interface for override data access.
type Repository interface {
	// Get returns the override row for a user regardless of its active state.
	Get(ctx context.Context, userID uuid.UUID) (*PlanOverride, error)
	// GetActive returns the active override row for a user, or ErrOverrideNotFound.
	GetActive(ctx context.Context, userID uuid.UUID) (*PlanOverride, error)
	// Upsert writes the single override row for the user and appends the audit
	// entry in the same transaction. Concurrent writers resolve to
	// last-writer-wins on the row; every writer's audit entry survives.
	Upsert(ctx context.Context, ov *PlanOverride, audit *AuditEntry) error
	// ListAudit returns the audit trail for a user, oldest first.
	ListAudit(ctx context.Context, userID uuid.UUID, limit int) ([]*AuditEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new override repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, userID uuid.UUID) (*PlanOverride, error) {
	var ov PlanOverride
	err := r.db.WithContext(ctx).First(&ov, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOverrideNotFound
		}
		return nil, fmt.Errorf("get override: %w", err)
	}
	return &ov, nil
}

func (r *repository) GetActive(ctx context.Context, userID uuid.UUID) (*PlanOverride, error) {
	var ov PlanOverride
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		First(&ov).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOverrideNotFound
		}
		return nil, fmt.Errorf("get active override: %w", err)
	}
	return &ov, nil
}

func (r *repository) Upsert(ctx context.Context, ov *PlanOverride, audit *AuditEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ov.UpdatedAt = time.Now()
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"plan_code", "is_active", "expires_at", "reason", "created_by", "updated_at",
			}),
		}).Create(ov).Error
		if err != nil {
			return fmt.Errorf("upsert override: %w", err)
		}

		if err := tx.Create(audit).Error; err != nil {
			return fmt.Errorf("append override audit: %w", err)
		}
		return nil
	})
}

func (r *repository) ListAudit(ctx context.Context, userID uuid.UUID, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*AuditEntry
	err := r.db.WithContext(ctx).
		Where("target_user_id = ?", userID).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list override audit: %w", err)
	}
	return entries, nil
}

package billingsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists the subscription mirror.
type Repository interface {
	// Get returns the mirrored subscription, or nil when the user has never
	// been synced.
	Get(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	// Upsert writes the mirror row, replacing any previous state for the user.
	Upsert(ctx context.Context, sub *Subscription) error
	// DeleteUserData removes the mirror row. Used by the self-test harness.
	DeleteUserData(ctx context.Context, userID uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new subscription mirror repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	var sub Subscription
	err := r.db.WithContext(ctx).First(&sub, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription mirror: %w", err)
	}
	return &sub, nil
}

func (r *repository) Upsert(ctx context.Context, sub *Subscription) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"plan_key", "status", "current_period_end",
				"provider_customer_id", "provider_subscription_id",
				"synced_at", "updated_at",
			}),
		}).
		Create(sub).Error
	if err != nil {
		return fmt.Errorf("upsert subscription mirror: %w", err)
	}
	return nil
}

func (r *repository) DeleteUserData(ctx context.Context, userID uuid.UUID) error {
	err := r.db.WithContext(ctx).Delete(&Subscription{}, "user_id = ?", userID).Error
	if err != nil {
		return fmt.Errorf("delete subscription mirror: %w", err)
	}
	return nil
}

package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrUserNotFound is returned when a user does not exist.
var ErrUserNotFound = errors.New("user not found")

// Repository defines the interface for user data access.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	IsAdmin(ctx context.Context, id uuid.UUID) (bool, error)
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	SetPlanStatus(ctx context.Context, id uuid.UUID, planKey, planStatus string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new user repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (r *repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).First(&u, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

func (r *repository) IsAdmin(ctx context.Context, id uuid.UUID) (bool, error) {
	var u User
	err := r.db.WithContext(ctx).Select("is_admin").First(&u, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("check admin: %w", err)
	}
	return u.IsAdmin, nil
}

func (r *repository) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	err := r.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Update("stripe_customer_id", customerID).Error
	if err != nil {
		return fmt.Errorf("set stripe customer id: %w", err)
	}
	return nil
}

func (r *repository) SetPlanStatus(ctx context.Context, id uuid.UUID, planKey, planStatus string) error {
	err := r.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"plan_key":    planKey,
			"plan_status": planStatus,
		}).Error
	if err != nil {
		return fmt.Errorf("set plan status: %w", err)
	}
	return nil
}

package aisession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("active session already exists")
)

// Repository defines the interface for session data access.
type Repository interface {
	// Insert creates an active session row. A concurrent active session for
	// the same (user, case) surfaces as ErrSessionExists via the partial
	// unique index, never via an application-level check.
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	// ExpireStale deactivates sessions of the pair whose window or message
	// budget has lapsed, so the uniqueness slot frees up lazily.
	ExpireStale(ctx context.Context, userID, caseID uuid.UUID, now time.Time) error
	// TryExtend increments message_count and last_message_at in a single
	// conditional statement. The boolean reports whether the row qualified
	// (owned by userID, active, unexpired, below the cap). Ownership is part
	// of the condition so a non-owner cannot advance the count.
	TryExtend(ctx context.Context, id, userID uuid.UUID, now time.Time) (*Session, bool, error)
	// Close ends a session explicitly.
	Close(ctx context.Context, id uuid.UUID) error
	// Delete removes a session row. Used only to unwind a start whose credit
	// charge failed, and by the self-test harness.
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteUserData removes all session rows of a user. Self-test only.
	DeleteUserData(ctx context.Context, userID uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new session repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Insert(ctx context.Context, s *Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

func (r *repository) ExpireStale(ctx context.Context, userID, caseID uuid.UUID, now time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&Session{}).
		Where("user_id = ? AND case_id = ? AND is_active = ? AND (expires_at <= ? OR message_count >= max_messages)",
			userID, caseID, true, now).
		Updates(map[string]any{
			"is_active": false,
			"status":    StatusExpired,
		}).Error
	if err != nil {
		return fmt.Errorf("expire stale sessions: %w", err)
	}
	return nil
}

func (r *repository) TryExtend(ctx context.Context, id, userID uuid.UUID, now time.Time) (*Session, bool, error) {
	res := r.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND user_id = ? AND is_active = ? AND expires_at > ? AND message_count < max_messages",
			id, userID, true, now).
		Updates(map[string]any{
			"message_count":   gorm.Expr("message_count + 1"),
			"last_message_at": now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("extend session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	// Hitting the cap ends the session; the conditional WHERE makes this a
	// terminal transition exactly once.
	err := r.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND is_active = ? AND message_count >= max_messages", id, true).
		Updates(map[string]any{
			"is_active": false,
			"status":    StatusExpired,
		}).Error
	if err != nil {
		return nil, false, fmt.Errorf("close exhausted session: %w", err)
	}

	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (r *repository) Close(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]any{
			"is_active": false,
			"status":    StatusClosed,
		}).Error
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&Session{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *repository) DeleteUserData(ctx context.Context, userID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}

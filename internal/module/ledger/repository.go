package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository errors.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrWalletNotFound      = errors.New("wallet not found")
)

// Repository defines the interface for ledger and wallet data access.
type Repository interface {
	// Append writes the entry and applies its delta to the wallet in one
	// transaction. A negative delta that would drive the balance below zero
	// rolls the whole write back and returns ErrInsufficientCredits. The
	// balance check and the write are a single conditional UPDATE, so two
	// concurrent spends cannot both pass on a stale balance.
	Append(ctx context.Context, entry *Entry) error

	GetWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	CountEntries(ctx context.Context, userID uuid.UUID) (int64, error)
	// SumDeltas returns the all-time running sum of a user's deltas.
	SumDeltas(ctx context.Context, userID uuid.UUID) (int64, error)
	// SumSpentInRange returns the positive total of SPEND-side deltas
	// (delta < 0) created within [start, end).
	SumSpentInRange(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error)
	// ListEntries returns a user's entries ordered by created_at ascending.
	ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*Entry, error)
	// DeleteUserData removes a user's ledger rows and wallet. Only the
	// self-test harness uses this, against its own synthetic users.
	DeleteUserData(ctx context.Context, userID uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new ledger repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Append(ctx context.Context, entry *Entry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Make sure the wallet row exists before the conditional update.
		seed := &Wallet{UserID: entry.UserID, UpdatedAt: time.Now()}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(seed).Error
		if err != nil {
			return fmt.Errorf("ensure wallet: %w", err)
		}

		if entry.Delta < 0 {
			// Check-then-write as one statement: the WHERE clause rejects the
			// spend atomically when the balance is too low.
			res := tx.Model(&Wallet{}).
				Where("user_id = ? AND balance_credits + ? >= 0", entry.UserID, entry.Delta).
				Updates(map[string]any{
					"balance_credits": gorm.Expr("balance_credits + ?", entry.Delta),
					"updated_at":      time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("apply spend: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrInsufficientCredits
			}
		} else {
			res := tx.Model(&Wallet{}).
				Where("user_id = ?", entry.UserID).
				Updates(map[string]any{
					"balance_credits":  gorm.Expr("balance_credits + ?", entry.Delta),
					"lifetime_credits": gorm.Expr("lifetime_credits + ?", entry.Delta),
					"updated_at":       time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("apply refill: %w", res.Error)
			}
		}

		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
		return nil
	})
}

func (r *repository) GetWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := r.db.WithContext(ctx).First(&w, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

func (r *repository) CountEntries(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Entry{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return count, nil
}

func (r *repository) SumDeltas(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&Entry{}).
		Select("COALESCE(SUM(delta), 0)").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("sum ledger deltas: %w", err)
	}
	return sum, nil
}

func (r *repository) SumSpentInRange(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&Entry{}).
		Select("COALESCE(-SUM(delta), 0)").
		Where("user_id = ? AND delta < 0 AND created_at >= ? AND created_at < ?", userID, start, end).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("sum spent in range: %w", err)
	}
	return sum, nil
}

func (r *repository) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*Entry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

func (r *repository) DeleteUserData(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&Entry{}).Error; err != nil {
			return fmt.Errorf("delete ledger entries: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&Wallet{}).Error; err != nil {
			return fmt.Errorf("delete wallet: %w", err)
		}
		return nil
	})
}

package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository defines the interface for usage counter data access. Every
// increment is a single upsert-with-increment statement at the storage layer;
// there is no application-level read-compute-write anywhere in this package.
type Repository interface {
	IncrementCasesCreated(ctx context.Context, userID uuid.UUID, ym string) (int64, error)
	// TryIncrementCasesCreated increments only while the counter is below cap,
	// in one statement. The boolean reports whether the increment happened.
	TryIncrementCasesCreated(ctx context.Context, userID uuid.UUID, ym string, cap int64) (int64, bool, error)
	IncrementCreditsSpent(ctx context.Context, userID uuid.UUID, ym string, amount int64) (int64, error)
	IncrementAiSessionsStarted(ctx context.Context, userID uuid.UUID, ym string) (int64, error)
	// Get returns the counter row, or a zero-valued counter when the user has
	// no usage this month.
	Get(ctx context.Context, userID uuid.UUID, ym string) (*Counter, error)
	// DeleteUserData removes a user's counter rows. Self-test harness only.
	DeleteUserData(ctx context.Context, userID uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new usage counter repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) IncrementCasesCreated(ctx context.Context, userID uuid.UUID, ym string) (int64, error) {
	return r.increment(ctx, userID, ym, "cases_created", 1)
}

func (r *repository) TryIncrementCasesCreated(ctx context.Context, userID uuid.UUID, ym string, cap int64) (int64, bool, error) {
	if cap <= 0 {
		return 0, false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO usage_counters (user_id, year_month, cases_created, credits_spent, ai_sessions_started, updated_at)
		VALUES (?, ?, 1, 0, 0, NOW())
		ON CONFLICT (user_id, year_month)
		DO UPDATE SET cases_created = usage_counters.cases_created + 1, updated_at = NOW()
		WHERE usage_counters.cases_created < ?
		RETURNING cases_created`,
		userID, ym, cap,
	).Scan(&count).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("try increment cases_created: %w", err)
	}
	if count == 0 {
		// No row returned: the conditional update rejected the increment.
		return 0, false, nil
	}
	return count, true, nil
}

func (r *repository) IncrementCreditsSpent(ctx context.Context, userID uuid.UUID, ym string, amount int64) (int64, error) {
	return r.increment(ctx, userID, ym, "credits_spent", amount)
}

func (r *repository) IncrementAiSessionsStarted(ctx context.Context, userID uuid.UUID, ym string) (int64, error) {
	return r.increment(ctx, userID, ym, "ai_sessions_started", 1)
}

// increment performs an atomic increment-or-insert for one whitelisted column.
func (r *repository) increment(ctx context.Context, userID uuid.UUID, ym, column string, amount int64) (int64, error) {
	switch column {
	case "cases_created", "credits_spent", "ai_sessions_started":
	default:
		return 0, fmt.Errorf("unknown counter column %q", column)
	}

	var count int64
	err := r.db.WithContext(ctx).Raw(fmt.Sprintf(`
		INSERT INTO usage_counters (user_id, year_month, cases_created, credits_spent, ai_sessions_started, updated_at)
		VALUES (?, ?, %s, %s, %s, NOW())
		ON CONFLICT (user_id, year_month)
		DO UPDATE SET %s = usage_counters.%s + ?, updated_at = NOW()
		RETURNING %s`,
		initial(column, "cases_created"), initial(column, "credits_spent"), initial(column, "ai_sessions_started"),
		column, column, column,
	), userID, ym, amount, amount).Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", column, err)
	}
	return count, nil
}

// initial renders the insert value for a column: the delta placeholder's value
// for the incremented column, zero for the others.
func initial(target, column string) string {
	if target == column {
		return "?"
	}
	return "0"
}

func (r *repository) Get(ctx context.Context, userID uuid.UUID, ym string) (*Counter, error) {
	var c Counter
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND year_month = ?", userID, ym).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Counter{UserID: userID, YearMonth: ym}, nil
		}
		return nil, fmt.Errorf("get usage counter: %w", err)
	}
	return &c, nil
}

func (r *repository) DeleteUserData(ctx context.Context, userID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Counter{}).Error; err != nil {
		return fmt.Errorf("delete usage counters: %w", err)
	}
	return nil
}

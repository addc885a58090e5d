package usage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Counter holds a user's metered usage for one calendar month. Rows are
// created lazily on first use of a month key and are only ever incremented;
// the monthly reset is implicit in the key, no background job rewinds values.
type Counter struct {
	UserID            uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	YearMonth         string    `json:"year_month" gorm:"column:year_month;primaryKey;size:7"`
	CasesCreated      int64     `json:"cases_created" gorm:"not null;default:0"`
	CreditsSpent      int64     `json:"credits_spent" gorm:"not null;default:0"`
	AiSessionsStarted int64     `json:"ai_sessions_started" gorm:"not null;default:0"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Counter) TableName() string {
	return "usage_counters"
}

// YM formats a time as the calendar-month key counters are scoped by.
func YM(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MonthRange returns the [start, end) UTC interval covered by a ym key.
func MonthRange(ym string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", ym)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid ym %q: %w", ym, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}

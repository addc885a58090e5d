package billingsync

import (
	"time"

	"github.com/google/uuid"
)

// Subscription mirrors the billing provider's view of a user's subscription.
// Only the sync adapter writes these rows.
type Subscription struct {
	UserID                 uuid.UUID  `json:"user_id" gorm:"type:uuid;primaryKey"`
	PlanKey                string     `json:"plan_key" gorm:"not null;default:free"`
	Status                 string     `json:"status" gorm:"not null;default:inactive"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end"`
	ProviderCustomerID     string     `json:"-" gorm:"column:provider_customer_id;index"`
	ProviderSubscriptionID string     `json:"-" gorm:"column:provider_subscription_id"`
	SyncedAt               time.Time  `json:"synced_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (Subscription) TableName() string {
	return "subscription_mirror"
}

// ProviderSubscription is the sync adapter's view of one subscription at the
// billing provider.
type ProviderSubscription struct {
	ID               string
	Status           string
	PriceID          string
	CurrentPeriodEnd time.Time
}

// ProviderCustomer is the sync adapter's view of a billing customer.
type ProviderCustomer struct {
	ID    string
	Email string
}

package user

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account as the entitlement engine sees it. Identity
// issuance itself is external; this row mirrors what the engine needs.
type User struct {
	ID      uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Email   string    `json:"email" gorm:"uniqueIndex;not null"`
	IsAdmin bool      `json:"is_admin" gorm:"column:is_admin;default:false"`

	// Billing linkage, owned by the billing sync adapter.
	StripeCustomerID string `json:"-" gorm:"column:stripe_customer_id;index"`

	// Denormalized plan/status pair kept for backward-compatible consumers.
	// Authoritative state lives in the subscription mirror.
	PlanKey    string `json:"plan_key" gorm:"column:plan_key;default:free"`
	PlanStatus string `json:"plan_status" gorm:"column:plan_status;default:inactive"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (User) TableName() string {
	return "users"
}

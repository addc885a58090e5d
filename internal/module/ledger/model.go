package ledger

import (
	"time"

	"github.com/google/uuid"
)

// ActionType tags a ledger entry with what kind of movement it records.
type ActionType string

const (
	ActionRefill     ActionType = "REFILL"
	ActionSpend      ActionType = "SPEND"
	ActionAdjustment ActionType = "ADJUSTMENT"
)

// IsValid checks if the action type is known.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionRefill, ActionSpend, ActionAdjustment:
		return true
	}
	return false
}

// Entry is one immutable credit movement. Entries are append-only: once
// written they are never updated or deleted; corrections are new ADJUSTMENT
// entries.
type Entry struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID      `json:"user_id" gorm:"type:uuid;index;not null"`
	ActionType ActionType     `json:"action_type" gorm:"not null"`
	Delta      int64          `json:"delta" gorm:"not null"`
	CaseID     *uuid.UUID     `json:"case_id,omitempty" gorm:"type:uuid"`
	Meta       map[string]any `json:"meta,omitempty" gorm:"serializer:json"`
	CreatedAt  time.Time      `json:"created_at" gorm:"index"`
}

// TableName returns the database table name.
func (Entry) TableName() string {
	return "credit_ledger"
}

// Wallet is the cached per-user balance. It is derived state: whenever the
// user has at least one ledger entry, balance_credits must equal the running
// sum of their deltas. A positive balance with an empty ledger marks a legacy
// (pre-ledger) account, exempt from the equality until its first ledger write.
type Wallet struct {
	UserID          uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	BalanceCredits  int64     `json:"balance_credits" gorm:"not null;default:0"`
	LifetimeCredits int64     `json:"lifetime_credits" gorm:"not null;default:0"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Wallet) TableName() string {
	return "credit_wallets"
}

// Credit apply reasons accepted from the API surface.
const (
	ReasonPurchase        = "purchase"
	ReasonAdminAdjustment = "admin_adjustment"
	ReasonPromo           = "promo"
	ReasonRefund          = "refund"
)

// ValidApplyReason reports whether the reason is accepted for ApplyCredits.
func ValidApplyReason(reason string) bool {
	switch reason {
	case ReasonPurchase, ReasonAdminAdjustment, ReasonPromo, ReasonRefund:
		return true
	}
	return false
}

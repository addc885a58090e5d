package override

import (
	"time"

	"github.com/google/uuid"
)

// PlanOverride is an administrator-assigned plan that takes precedence over
// billing state. At most one row exists per user; removal deactivates the row,
// it is never physically deleted.
type PlanOverride struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID  `json:"user_id" gorm:"type:uuid;uniqueIndex;not null"`
	PlanCode  string     `json:"plan_code" gorm:"not null"`
	IsActive  bool       `json:"is_active" gorm:"not null;default:true"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason"`
	CreatedBy uuid.UUID  `json:"created_by" gorm:"type:uuid;not null"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (PlanOverride) TableName() string {
	return "plan_overrides"
}

// AuditEntry records one admin action on an override. The audit log is
// append-only; every Apply and Remove appends exactly one entry, including
// no-op re-applies, so the trail reflects every admin action rather than only
// net state changes.
type AuditEntry struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TargetUserID uuid.UUID `json:"target_user_id" gorm:"type:uuid;index;not null"`
	ActorUserID  uuid.UUID `json:"actor_user_id" gorm:"type:uuid;not null"`
	OldPlan      string    `json:"old_plan"`
	NewPlan      string    `json:"new_plan"`
	OldIsActive  bool      `json:"old_is_active"`
	NewIsActive  bool      `json:"new_is_active"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name.
func (AuditEntry) TableName() string {
	return "plan_override_audit"
}

package entitlement

import (
	"time"

	"github.com/google/uuid"

	"github.com/klarpost/server/internal/module/plan"
)

// Snapshot is the resolved entitlement state for one user at one instant:
// effective plan, limits, and current usage in a single response shape.
type Snapshot struct {
	UserID           uuid.UUID               `json:"user_id"`
	Role             string                  `json:"role"`
	Plan             plan.Key                `json:"plan"`
	PlanSource       plan.Source             `json:"plan_source"`
	Status           plan.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd *time.Time              `json:"current_period_end,omitempty"`
	AccessBlocked    bool                    `json:"access_blocked"`
	Limits           SnapshotLimits          `json:"limits"`
	Usage            SnapshotUsage           `json:"usage"`
	CachedAt         time.Time               `json:"cached_at"`
}

// SnapshotLimits renders each limit as an integer or the string "unlimited".
type SnapshotLimits struct {
	Cases    plan.Limit `json:"cases"`
	Credits  plan.Limit `json:"credits"`
	Messages plan.Limit `json:"messages"`
}

// SnapshotUsage is the current calendar month's consumption plus the live
// credit balance. messagesUsed counts session starts; messages within a
// session are tracked on the session row itself.
type SnapshotUsage struct {
	CasesUsed      int64 `json:"casesUsed"`
	CreditsUsed    int64 `json:"creditsUsed"`
	MessagesUsed   int64 `json:"messagesUsed"`
	BalanceCredits int64 `json:"balance_credits"`
}

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

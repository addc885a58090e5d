package aisession

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a chat session.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// Session is one bounded AI chat interaction tied to a case. Starting a
// session costs exactly one credit; every message after the first is free
// until the message cap or the wall-clock window ends the session.
//
// The partial unique index enforces at most one active session per
// (user, case) at the storage layer; a race between two starts yields one
// winner and one unique-violation.
type Session struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:udx_active_session,where:is_active"`
	CaseID        uuid.UUID `json:"case_id" gorm:"type:uuid;not null;uniqueIndex:udx_active_session,where:is_active"`
	YearMonth     string    `json:"year_month" gorm:"column:year_month;size:7;index"`
	StartedAt     time.Time `json:"started_at" gorm:"not null"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int64     `json:"message_count" gorm:"not null;default:0"`
	MaxMessages   int64     `json:"max_messages" gorm:"not null"`
	ExpiresAt     time.Time `json:"expires_at" gorm:"not null"`
	IsActive      bool      `json:"is_active" gorm:"not null;default:true"`
	Status        Status    `json:"status" gorm:"not null;default:active"`
}

// TableName returns the database table name.
func (Session) TableName() string {
	return "ai_sessions"
}

// Exhausted reports whether the session has reached its message cap.
func (s *Session) Exhausted() bool {
	return s.MessageCount >= s.MaxMessages
}

// ExpiredAt reports whether the session's wall-clock window has elapsed.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

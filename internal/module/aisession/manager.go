package aisession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/ledger"
	"github.com/klarpost/server/internal/module/plan"
	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/metrics"
)

// defaultMaxMessages caps a session when the plan carries no bounded
// per-session limit.
const defaultMaxMessages = 50

// PlanResolver yields the effective plan for a user.
type PlanResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*plan.EffectivePlan, error)
}

// CreditSpender debits the user's wallet through the ledger.
type CreditSpender interface {
	Spend(ctx context.Context, userID uuid.UUID, amount int64, caseID *uuid.UUID, meta map[string]any) (*ledger.Entry, error)
}

// SessionCounter counts session starts in the monthly usage counters.
type SessionCounter interface {
	RecordSessionStarted(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Manager drives the session lifecycle: NONE -> ACTIVE -> EXPIRED | CLOSED.
type Manager struct {
	repo     Repository
	resolver PlanResolver
	credits  CreditSpender
	counters SessionCounter
	window   time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewManager creates a session manager. window is the wall-clock lifetime of
// a session from its start.
func NewManager(repo Repository, resolver PlanResolver, credits CreditSpender, counters SessionCounter, window time.Duration, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if window <= 0 {
		window = 2 * time.Hour
	}
	return &Manager{
		repo:     repo,
		resolver: resolver,
		credits:  credits,
		counters: counters,
		window:   window,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Start opens a session for (user, case). It charges exactly one credit via
// a SPEND ledger entry, except on the unlimited plan which bypasses the
// charge entirely but still creates the session for bookkeeping.
//
// Concurrency: the session row is inserted first, so the partial unique index
// arbitrates races; the loser gets SESSION_ALREADY_ACTIVE. If the credit
// charge then fails, the just-claimed row is removed again.
func (m *Manager) Start(ctx context.Context, userID, caseID uuid.UUID) (*Session, error) {
	ep, err := m.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}
	if ep.AccessBlocked {
		m.countStart("blocked")
		return nil, apperrors.QuotaExceeded("subscription payment is overdue")
	}

	now := m.now()
	if err := m.repo.ExpireStale(ctx, userID, caseID, now); err != nil {
		return nil, err
	}

	maxMessages := int64(defaultMaxMessages)
	if !ep.Limits.MessagesPerSession.IsUnlimited() {
		maxMessages = ep.Limits.MessagesPerSession.Value()
	}

	session := &Session{
		ID:            uuid.New(),
		UserID:        userID,
		CaseID:        caseID,
		YearMonth:     now.UTC().Format("2006-01"),
		StartedAt:     now,
		LastMessageAt: now,
		MessageCount:  1,
		MaxMessages:   maxMessages,
		ExpiresAt:     now.Add(m.window),
		IsActive:      true,
		Status:        StatusActive,
	}

	if err := m.repo.Insert(ctx, session); err != nil {
		if errors.Is(err, ErrSessionExists) {
			m.countStart("already_active")
			return nil, apperrors.SessionAlreadyActive()
		}
		return nil, err
	}

	if ep.Key != plan.KeyUnlimited {
		_, err := m.credits.Spend(ctx, userID, 1, &caseID, map[string]any{
			"action":     "ai_session_start",
			"session_id": session.ID.String(),
		})
		if err != nil {
			if delErr := m.repo.Delete(ctx, session.ID); delErr != nil {
				m.logger.Error("failed to unwind uncharged session",
					zap.String("session_id", session.ID.String()),
					zap.Error(delErr),
				)
			}
			if errors.Is(err, apperrors.ErrInsufficientCredits) {
				m.countStart("insufficient_credits")
			}
			return nil, err
		}
	}

	if _, err := m.counters.RecordSessionStarted(ctx, userID); err != nil {
		// Counter drift is surfaced by the inspector; the session stands.
		m.logger.Error("failed to count session start",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}

	m.countStart("ok")
	m.logger.Info("ai session started",
		zap.String("session_id", session.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("case_id", caseID.String()),
		zap.Bool("charged", ep.Key != plan.KeyUnlimited),
	)
	return session, nil
}

// Extend records one more message on an active session. Extension is free:
// it never writes a ledger entry. Reaching the message cap ends the session.
func (m *Manager) Extend(ctx context.Context, userID, sessionID uuid.UUID) (*Session, error) {
	now := m.now()

	session, ok, err := m.repo.TryExtend(ctx, sessionID, userID, now)
	if err != nil {
		return nil, err
	}
	if ok {
		return session, nil
	}

	// The conditional update rejected the row; classify why.
	session, err = m.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, apperrors.NotFound("session")
		}
		return nil, err
	}
	if session.UserID != userID {
		return nil, apperrors.Forbidden("session belongs to another user")
	}
	if session.Exhausted() {
		return nil, apperrors.QuotaExceeded("session message limit reached, start a new session")
	}
	return nil, apperrors.Conflict("session has expired, start a new session")
}

// Close ends a session explicitly.
func (m *Manager) Close(ctx context.Context, userID, sessionID uuid.UUID) error {
	session, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return apperrors.NotFound("session")
		}
		return err
	}
	if session.UserID != userID {
		return apperrors.Forbidden("session belongs to another user")
	}
	return m.repo.Close(ctx, sessionID)
}

func (m *Manager) countStart(outcome string) {
	if m.metrics != nil {
		m.metrics.SessionStarts.WithLabelValues(outcome).Inc()
	}
}

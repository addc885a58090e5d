package aisession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/ledger"
	"github.com/klarpost/server/internal/module/plan"
	apperrors "github.com/klarpost/server/internal/shared/errors"
)

// mockRepository mirrors the storage guarantees the real repository gets from
// postgres: the partial unique index on (user_id, case_id) where is_active,
// and single-statement conditional updates. The mutex stands in for both.
type mockRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func newMockRepository() *mockRepository {
	return &mockRepository{sessions: make(map[uuid.UUID]*Session)}
}

func (m *mockRepository) Insert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.IsActive && existing.UserID == s.UserID && existing.CaseID == s.CaseID {
			return ErrSessionExists
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *mockRepository) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockRepository) ExpireStale(_ context.Context, userID, caseID uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.IsActive && s.UserID == userID && s.CaseID == caseID &&
			(!s.ExpiresAt.After(now) || s.MessageCount >= s.MaxMessages) {
			s.IsActive = false
			s.Status = StatusExpired
		}
	}
	return nil
}

func (m *mockRepository) TryExtend(_ context.Context, id, userID uuid.UUID, now time.Time) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.UserID != userID || !s.IsActive || !s.ExpiresAt.After(now) || s.MessageCount >= s.MaxMessages {
		return nil, false, nil
	}
	s.MessageCount++
	s.LastMessageAt = now
	if s.MessageCount >= s.MaxMessages {
		s.IsActive = false
		s.Status = StatusExpired
	}
	cp := *s
	return &cp, true, nil
}

func (m *mockRepository) Close(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.IsActive {
		s.IsActive = false
		s.Status = StatusClosed
	}
	return nil
}

func (m *mockRepository) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *mockRepository) DeleteUserData(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

type fixedResolver struct {
	ep  *plan.EffectivePlan
	err error
}

func (f *fixedResolver) Resolve(context.Context, uuid.UUID) (*plan.EffectivePlan, error) {
	return f.ep, f.err
}

// mockSpender keeps a balance and refuses spends that would overdraw it,
// matching the wallet's conditional update.
type mockSpender struct {
	mu      sync.Mutex
	balance int64
	spends  []int64
}

func (m *mockSpender) Spend(_ context.Context, userID uuid.UUID, amount int64, caseID *uuid.UUID, meta map[string]any) (*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balance < amount {
		return nil, apperrors.InsufficientCredits("not enough credits")
	}
	m.balance -= amount
	m.spends = append(m.spends, amount)
	return &ledger.Entry{
		ID:         uuid.New(),
		UserID:     userID,
		ActionType: ledger.ActionSpend,
		Delta:      -amount,
		CaseID:     caseID,
		Meta:       meta,
	}, nil
}

type mockCounter struct {
	mu     sync.Mutex
	starts map[uuid.UUID]int64
}

func newMockCounter() *mockCounter {
	return &mockCounter{starts: make(map[uuid.UUID]int64)}
}

func (m *mockCounter) RecordSessionStarted(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts[userID]++
	return m.starts[userID], nil
}

func freePlan() *plan.EffectivePlan {
	def := plan.Lookup(plan.KeyFree)
	return &plan.EffectivePlan{
		Key:    plan.KeyFree,
		Source: plan.SourceFree,
		Status: plan.StatusInactive,
		Limits: def.Limits,
	}
}

func unlimitedPlan() *plan.EffectivePlan {
	def := plan.Lookup(plan.KeyUnlimited)
	return &plan.EffectivePlan{
		Key:    plan.KeyUnlimited,
		Source: plan.SourceBilling,
		Status: plan.StatusActive,
		Limits: def.Limits,
	}
}

func newTestManager(repo Repository, resolver PlanResolver, spender CreditSpender, counter SessionCounter) *Manager {
	return NewManager(repo, resolver, spender, counter, 2*time.Hour, zap.NewNop(), nil)
}

func TestStartChargesOneCredit(t *testing.T) {
	repo := newMockRepository()
	spender := &mockSpender{balance: 3}
	counter := newMockCounter()
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, spender, counter)

	userID, caseID := uuid.New(), uuid.New()
	session, err := mgr.Start(context.Background(), userID, caseID)
	require.NoError(t, err)

	assert.Equal(t, int64(1), session.MessageCount)
	assert.Equal(t, StatusActive, session.Status)
	assert.True(t, session.IsActive)
	assert.Equal(t, int64(10), session.MaxMessages) // free plan cap
	assert.Equal(t, int64(2), spender.balance)
	assert.Equal(t, []int64{1}, spender.spends)
	assert.Equal(t, int64(1), counter.starts[userID])
}

func TestStartConcurrentSingleWinner(t *testing.T) {
	repo := newMockRepository()
	spender := &mockSpender{balance: 100}
	counter := newMockCounter()
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, spender, counter)

	userID, caseID := uuid.New(), uuid.New()

	const n = 20
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Start(context.Background(), userID, caseID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, conflicted int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "SESSION_ALREADY_ACTIVE", appErr.Code)
		conflicted++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, conflicted)
	// The losers must not have been charged.
	assert.Equal(t, int64(99), spender.balance)
	assert.Len(t, spender.spends, 1)
}

func TestStartUnlimitedSkipsCharge(t *testing.T) {
	repo := newMockRepository()
	spender := &mockSpender{balance: 0}
	counter := newMockCounter()
	mgr := newTestManager(repo, &fixedResolver{ep: unlimitedPlan()}, spender, counter)

	userID := uuid.New()
	session, err := mgr.Start(context.Background(), userID, uuid.New())
	require.NoError(t, err)

	assert.Empty(t, spender.spends)
	assert.Equal(t, int64(0), spender.balance)
	assert.Equal(t, int64(1), counter.starts[userID])
	assert.True(t, session.IsActive)
}

func TestStartInsufficientCreditsUnwindsSession(t *testing.T) {
	repo := newMockRepository()
	spender := &mockSpender{balance: 0}
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, spender, newMockCounter())

	userID, caseID := uuid.New(), uuid.New()
	_, err := mgr.Start(context.Background(), userID, caseID)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "INSUFFICIENT_CREDITS", appErr.Code)
	assert.True(t, appErr.Upgrade)

	// The claimed row was released, so a funded retry succeeds.
	spender.balance = 1
	_, err = mgr.Start(context.Background(), userID, caseID)
	require.NoError(t, err)
}

func TestStartBlockedSubscription(t *testing.T) {
	ep := freePlan()
	ep.Key = plan.KeyPro
	ep.Status = plan.StatusPastDue
	ep.AccessBlocked = true
	mgr := newTestManager(newMockRepository(), &fixedResolver{ep: ep}, &mockSpender{balance: 10}, newMockCounter())

	_, err := mgr.Start(context.Background(), uuid.New(), uuid.New())
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "QUOTA_EXCEEDED", appErr.Code)
}

func TestStartAfterSessionExpires(t *testing.T) {
	repo := newMockRepository()
	spender := &mockSpender{balance: 10}
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, spender, newMockCounter())

	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return base }

	userID, caseID := uuid.New(), uuid.New()
	_, err := mgr.Start(context.Background(), userID, caseID)
	require.NoError(t, err)

	// Same case again while active: refused.
	_, err = mgr.Start(context.Background(), userID, caseID)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "SESSION_ALREADY_ACTIVE", appErr.Code)

	// Past the window the stale row is swept and a fresh start works.
	mgr.now = func() time.Time { return base.Add(3 * time.Hour) }
	_, err = mgr.Start(context.Background(), userID, caseID)
	require.NoError(t, err)
	assert.Len(t, spender.spends, 2)
}

func TestExtendNeverTouchesLedger(t *testing.T) {
	repo := newMockRepository()
	spender := &mockSpender{balance: 5}
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, spender, newMockCounter())

	userID := uuid.New()
	session, err := mgr.Start(context.Background(), userID, uuid.New())
	require.NoError(t, err)
	balanceAfterStart := spender.balance

	for i := 0; i < 5; i++ {
		session, err = mgr.Extend(context.Background(), userID, session.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(6), session.MessageCount)
	assert.Equal(t, balanceAfterStart, spender.balance)
	assert.Len(t, spender.spends, 1)
}

func TestExtendCapReached(t *testing.T) {
	repo := newMockRepository()
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, &mockSpender{balance: 5}, newMockCounter())

	userID := uuid.New()
	session, err := mgr.Start(context.Background(), userID, uuid.New())
	require.NoError(t, err)

	// Free plan allows 10 messages; the first is the start itself.
	for i := 0; i < 9; i++ {
		session, err = mgr.Extend(context.Background(), userID, session.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(10), session.MessageCount)
	assert.False(t, session.IsActive)
	assert.Equal(t, StatusExpired, session.Status)

	_, err = mgr.Extend(context.Background(), userID, session.ID)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "QUOTA_EXCEEDED", appErr.Code)
}

func TestExtendExpiredSession(t *testing.T) {
	repo := newMockRepository()
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, &mockSpender{balance: 5}, newMockCounter())

	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return base }

	userID := uuid.New()
	session, err := mgr.Start(context.Background(), userID, uuid.New())
	require.NoError(t, err)

	mgr.now = func() time.Time { return base.Add(3 * time.Hour) }
	_, err = mgr.Extend(context.Background(), userID, session.ID)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestExtendWrongUser(t *testing.T) {
	repo := newMockRepository()
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, &mockSpender{balance: 5}, newMockCounter())

	session, err := mgr.Start(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = mgr.Extend(context.Background(), uuid.New(), session.ID)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "FORBIDDEN", appErr.Code)
}

func TestExtendWrongUserLeavesSessionUntouched(t *testing.T) {
	repo := newMockRepository()
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, &mockSpender{balance: 5}, newMockCounter())

	owner := uuid.New()
	session, err := mgr.Start(context.Background(), owner, uuid.New())
	require.NoError(t, err)

	// A non-owner hammering the session must not consume its message budget
	// or push it over the cap.
	attacker := uuid.New()
	for i := 0; i < int(session.MaxMessages)+5; i++ {
		_, err := mgr.Extend(context.Background(), attacker, session.ID)
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		require.Equal(t, "FORBIDDEN", appErr.Code)
	}

	got, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MessageCount)
	assert.True(t, got.IsActive)

	// The owner's budget is intact.
	extended, err := mgr.Extend(context.Background(), owner, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), extended.MessageCount)
}

func TestExtendUnknownSession(t *testing.T) {
	mgr := newTestManager(newMockRepository(), &fixedResolver{ep: freePlan()}, &mockSpender{balance: 5}, newMockCounter())

	_, err := mgr.Extend(context.Background(), uuid.New(), uuid.New())
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestCloseFreesTheSlot(t *testing.T) {
	repo := newMockRepository()
	spender := &mockSpender{balance: 5}
	mgr := newTestManager(repo, &fixedResolver{ep: freePlan()}, spender, newMockCounter())

	userID, caseID := uuid.New(), uuid.New()
	session, err := mgr.Start(context.Background(), userID, caseID)
	require.NoError(t, err)

	require.NoError(t, mgr.Close(context.Background(), userID, session.ID))

	got, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.False(t, got.IsActive)

	// Closing does not refund; the next start charges again.
	_, err = mgr.Start(context.Background(), userID, caseID)
	require.NoError(t, err)
	assert.Len(t, spender.spends, 2)
}

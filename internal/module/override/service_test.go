package override

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/plan"
	apperrors "github.com/klarpost/server/internal/shared/errors"
)

// mockRepository implements Repository for testing. Upsert mimics the unique
// user_id constraint: the row is replaced, audit entries only accumulate.
type mockRepository struct {
	rows  map[uuid.UUID]*PlanOverride
	audit []*AuditEntry
	err   error
}

func newMockRepository() *mockRepository {
	return &mockRepository{rows: make(map[uuid.UUID]*PlanOverride)}
}

func (m *mockRepository) Get(_ context.Context, userID uuid.UUID) (*PlanOverride, error) {
	if m.err != nil {
		return nil, m.err
	}
	ov, ok := m.rows[userID]
	if !ok {
		return nil, ErrOverrideNotFound
	}
	return ov, nil
}

func (m *mockRepository) GetActive(ctx context.Context, userID uuid.UUID) (*PlanOverride, error) {
	ov, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ov.IsActive {
		return nil, ErrOverrideNotFound
	}
	return ov, nil
}

func (m *mockRepository) Upsert(_ context.Context, ov *PlanOverride, audit *AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	m.rows[ov.UserID] = ov
	m.audit = append(m.audit, audit)
	return nil
}

func (m *mockRepository) ListAudit(_ context.Context, userID uuid.UUID, _ int) ([]*AuditEntry, error) {
	var out []*AuditEntry
	for _, e := range m.audit {
		if e.TargetUserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// mockAdminChecker implements AdminChecker for testing.
type mockAdminChecker struct {
	admins map[uuid.UUID]bool
	err    error
}

func (m *mockAdminChecker) IsAdmin(_ context.Context, id uuid.UUID) (bool, error) {
	return m.admins[id], m.err
}

func newTestService(repo *mockRepository, admin uuid.UUID) *Service {
	return NewService(repo, &mockAdminChecker{admins: map[uuid.UUID]bool{admin: true}}, zap.NewNop())
}

func TestApplyRequiresAdmin(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, uuid.New())

	_, err := svc.Apply(context.Background(), uuid.New(), ApplyInput{
		TargetUserID: uuid.New(),
		PlanCode:     plan.KeyPro,
		IsActive:     true,
		Reason:       "support ticket 42",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Empty(t, repo.audit, "no audit entry for rejected action")
}

func TestApplyUpsertsRowAndAppendsAudit(t *testing.T) {
	admin := uuid.New()
	target := uuid.New()
	repo := newMockRepository()
	svc := newTestService(repo, admin)

	_, err := svc.Apply(context.Background(), admin, ApplyInput{
		TargetUserID: target,
		PlanCode:     plan.KeyPro,
		IsActive:     true,
		Reason:       "beta tester",
	})
	require.NoError(t, err)

	// Re-applying the identical state must not duplicate the row but must
	// still append a second audit entry.
	_, err = svc.Apply(context.Background(), admin, ApplyInput{
		TargetUserID: target,
		PlanCode:     plan.KeyPro,
		IsActive:     true,
		Reason:       "beta tester",
	})
	require.NoError(t, err)

	assert.Len(t, repo.rows, 1)
	require.Len(t, repo.audit, 2)

	first, second := repo.audit[0], repo.audit[1]
	assert.Equal(t, "", first.OldPlan, "first apply had no prior state")
	assert.False(t, first.OldIsActive)
	assert.Equal(t, "pro", first.NewPlan)
	assert.Equal(t, "pro", second.OldPlan)
	assert.True(t, second.OldIsActive)
	assert.Equal(t, admin, second.ActorUserID)
}

func TestApplyRejectsUnknownPlan(t *testing.T) {
	admin := uuid.New()
	svc := newTestService(newMockRepository(), admin)

	_, err := svc.Apply(context.Background(), admin, ApplyInput{
		TargetUserID: uuid.New(),
		PlanCode:     plan.Key("platinum"),
		IsActive:     true,
		Reason:       "typo",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestApplyRejectsPastExpiry(t *testing.T) {
	admin := uuid.New()
	svc := newTestService(newMockRepository(), admin)
	yesterday := time.Now().Add(-24 * time.Hour)

	_, err := svc.Apply(context.Background(), admin, ApplyInput{
		TargetUserID: uuid.New(),
		PlanCode:     plan.KeyPro,
		IsActive:     true,
		ExpiresAt:    &yesterday,
		Reason:       "late",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestRemoveDeactivatesWithoutDeleting(t *testing.T) {
	admin := uuid.New()
	target := uuid.New()
	repo := newMockRepository()
	svc := newTestService(repo, admin)

	_, err := svc.Apply(context.Background(), admin, ApplyInput{
		TargetUserID: target,
		PlanCode:     plan.KeyUnlimited,
		IsActive:     true,
		Reason:       "vip",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(context.Background(), admin, target, "expired arrangement"))

	row := repo.rows[target]
	require.NotNil(t, row, "row must survive removal")
	assert.False(t, row.IsActive)
	assert.Equal(t, "unlimited", row.PlanCode)

	require.Len(t, repo.audit, 2)
	last := repo.audit[1]
	assert.True(t, last.OldIsActive)
	assert.False(t, last.NewIsActive)

	// The resolver-facing source must no longer surface the grant.
	src := NewSource(repo)
	grant, err := src.ActiveOverride(context.Background(), target)
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestRemoveMissingOverride(t *testing.T) {
	admin := uuid.New()
	svc := newTestService(newMockRepository(), admin)

	err := svc.Remove(context.Background(), admin, uuid.New(), "nothing there")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSourcePropagatesStoreErrors(t *testing.T) {
	repo := newMockRepository()
	repo.err = errors.New("connection refused")
	src := NewSource(repo)

	_, err := src.ActiveOverride(context.Background(), uuid.New())
	assert.Error(t, err, "resolver needs the error to trigger fail-open degradation")
}

func TestSourceReturnsActiveGrant(t *testing.T) {
	admin := uuid.New()
	target := uuid.New()
	repo := newMockRepository()
	svc := newTestService(repo, admin)

	expires := time.Now().Add(48 * time.Hour)
	_, err := svc.Apply(context.Background(), admin, ApplyInput{
		TargetUserID: target,
		PlanCode:     plan.KeyPro,
		IsActive:     true,
		ExpiresAt:    &expires,
		Reason:       "trial extension",
	})
	require.NoError(t, err)

	src := NewSource(repo)
	grant, err := src.ActiveOverride(context.Background(), target)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, plan.KeyPro, grant.PlanKey)
	require.NotNil(t, grant.ExpiresAt)
	assert.WithinDuration(t, expires, *grant.ExpiresAt, time.Second)
}

// recordingInvalidator implements SnapshotInvalidator for testing.
type recordingInvalidator struct {
	dropped []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(_ context.Context, userID uuid.UUID) {
	r.dropped = append(r.dropped, userID)
}

func TestApplyAndRemoveDropCachedSnapshot(t *testing.T) {
	admin := uuid.New()
	target := uuid.New()
	repo := newMockRepository()
	svc := newTestService(repo, admin)
	inv := &recordingInvalidator{}
	svc.SetSnapshotInvalidator(inv)

	_, err := svc.Apply(context.Background(), admin, ApplyInput{
		TargetUserID: target,
		PlanCode:     plan.KeyPro,
		IsActive:     true,
		Reason:       "beta tester",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Remove(context.Background(), admin, target, "beta over"))

	assert.Equal(t, []uuid.UUID{target, target}, inv.dropped)
}

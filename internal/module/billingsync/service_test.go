package billingsync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/user"
	apperrors "github.com/klarpost/server/internal/shared/errors"
)

type mockProvider struct {
	customers map[string]*ProviderCustomer   // by email
	subs      map[string][]ProviderSubscription // by customer ID
	err       error
}

func (m *mockProvider) FindCustomerByEmail(_ context.Context, email string) (*ProviderCustomer, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.customers[email], nil
}

func (m *mockProvider) ListSubscriptions(_ context.Context, customerID string) ([]ProviderSubscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.subs[customerID], nil
}

type mockRepository struct {
	mirrors map[uuid.UUID]*Subscription
}

func newMockRepository() *mockRepository {
	return &mockRepository{mirrors: make(map[uuid.UUID]*Subscription)}
}

func (m *mockRepository) Get(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	sub, ok := m.mirrors[userID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (m *mockRepository) Upsert(_ context.Context, sub *Subscription) error {
	cp := *sub
	m.mirrors[sub.UserID] = &cp
	return nil
}

func (m *mockRepository) DeleteUserData(_ context.Context, userID uuid.UUID) error {
	delete(m.mirrors, userID)
	return nil
}

type mockUserRepo struct {
	users map[uuid.UUID]*user.User
}

func (m *mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*user.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrUserNotFound
}

func (m *mockUserRepo) IsAdmin(_ context.Context, id uuid.UUID) (bool, error) {
	u, ok := m.users[id]
	if !ok {
		return false, user.ErrUserNotFound
	}
	return u.IsAdmin, nil
}

func (m *mockUserRepo) SetStripeCustomerID(_ context.Context, id uuid.UUID, customerID string) error {
	if u, ok := m.users[id]; ok {
		u.StripeCustomerID = customerID
	}
	return nil
}

func (m *mockUserRepo) SetPlanStatus(_ context.Context, id uuid.UUID, planKey, planStatus string) error {
	if u, ok := m.users[id]; ok {
		u.PlanKey = planKey
		u.PlanStatus = planStatus
	}
	return nil
}

var syncNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(provider Provider, repo Repository, users user.Repository, pricePlans map[string]string) *Service {
	svc := NewService(provider, repo, users, pricePlans, zap.NewNop(), nil)
	svc.now = func() time.Time { return syncNow }
	return svc
}

func seedUser(users *mockUserRepo, email, customerID string) uuid.UUID {
	id := uuid.New()
	users.users[id] = &user.User{ID: id, Email: email, StripeCustomerID: customerID}
	return id
}

func TestSyncDiscoversCustomerAndSelectsActive(t *testing.T) {
	users := &mockUserRepo{users: make(map[uuid.UUID]*user.User)}
	userID := seedUser(users, "anna@example.com", "")

	provider := &mockProvider{
		customers: map[string]*ProviderCustomer{
			"anna@example.com": {ID: "cus_123", Email: "anna@example.com"},
		},
		subs: map[string][]ProviderSubscription{
			"cus_123": {
				{ID: "sub_old", Status: "canceled", PriceID: "price_pro", CurrentPeriodEnd: syncNow.AddDate(0, -1, 0)},
				{ID: "sub_live", Status: "active", PriceID: "price_pro", CurrentPeriodEnd: syncNow.AddDate(0, 1, 0)},
			},
		},
	}
	repo := newMockRepository()
	svc := newTestService(provider, repo, users, map[string]string{"price_pro": "pro"})

	mirror, err := svc.Sync(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, "pro", mirror.PlanKey)
	assert.Equal(t, "active", mirror.Status)
	assert.Equal(t, "sub_live", mirror.ProviderSubscriptionID)
	assert.Equal(t, "cus_123", mirror.ProviderCustomerID)
	require.NotNil(t, mirror.CurrentPeriodEnd)

	// Customer ID and denormalized pair were persisted on the user row.
	assert.Equal(t, "cus_123", users.users[userID].StripeCustomerID)
	assert.Equal(t, "pro", users.users[userID].PlanKey)
	assert.Equal(t, "active", users.users[userID].PlanStatus)
}

func TestSyncNoCustomerMirrorsFree(t *testing.T) {
	users := &mockUserRepo{users: make(map[uuid.UUID]*user.User)}
	userID := seedUser(users, "new@example.com", "")

	svc := newTestService(&mockProvider{customers: map[string]*ProviderCustomer{}}, newMockRepository(), users, nil)

	mirror, err := svc.Sync(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, "free", mirror.PlanKey)
	assert.Equal(t, "inactive", mirror.Status)
	assert.Nil(t, mirror.CurrentPeriodEnd)
	assert.Empty(t, users.users[userID].StripeCustomerID)
}

func TestSyncPastDueKeepsPlanKey(t *testing.T) {
	users := &mockUserRepo{users: make(map[uuid.UUID]*user.User)}
	userID := seedUser(users, "late@example.com", "cus_late")

	provider := &mockProvider{
		subs: map[string][]ProviderSubscription{
			"cus_late": {
				{ID: "sub_1", Status: "past_due", PriceID: "price_starter", CurrentPeriodEnd: syncNow.AddDate(0, 1, 0)},
			},
		},
	}
	svc := newTestService(provider, newMockRepository(), users, map[string]string{"price_starter": "starter"})

	mirror, err := svc.Sync(context.Background(), userID)
	require.NoError(t, err)

	// The paid tier is retained; the resolver blocks access off the status.
	assert.Equal(t, "starter", mirror.PlanKey)
	assert.Equal(t, "past_due", mirror.Status)
}

func TestSyncPreferenceOrder(t *testing.T) {
	tests := []struct {
		name       string
		subs       []ProviderSubscription
		wantStatus string
		wantID     string
	}{
		{
			name: "active wins over past_due",
			subs: []ProviderSubscription{
				{ID: "sub_due", Status: "past_due", PriceID: "price_pro", CurrentPeriodEnd: syncNow.AddDate(0, 2, 0)},
				{ID: "sub_ok", Status: "active", PriceID: "price_pro", CurrentPeriodEnd: syncNow.AddDate(0, 1, 0)},
			},
			wantStatus: "active",
			wantID:     "sub_ok",
		},
		{
			name: "trialing counts as live",
			subs: []ProviderSubscription{
				{ID: "sub_trial", Status: "trialing", PriceID: "price_pro", CurrentPeriodEnd: syncNow.AddDate(0, 0, 14)},
			},
			wantStatus: "trialing",
			wantID:     "sub_trial",
		},
		{
			name: "canceled with future period end still selected",
			subs: []ProviderSubscription{
				{ID: "sub_gone", Status: "canceled", PriceID: "price_pro", CurrentPeriodEnd: syncNow.AddDate(0, 0, 10)},
			},
			wantStatus: "canceled",
			wantID:     "sub_gone",
		},
		{
			name: "canceled with elapsed period yields none",
			subs: []ProviderSubscription{
				{ID: "sub_dead", Status: "canceled", PriceID: "price_pro", CurrentPeriodEnd: syncNow.AddDate(0, -1, 0)},
			},
			wantStatus: "inactive",
			wantID:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &mockUserRepo{users: make(map[uuid.UUID]*user.User)}
			userID := seedUser(users, "pref@example.com", "cus_pref")
			provider := &mockProvider{subs: map[string][]ProviderSubscription{"cus_pref": tt.subs}}
			svc := newTestService(provider, newMockRepository(), users, map[string]string{"price_pro": "pro"})

			mirror, err := svc.Sync(context.Background(), userID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, mirror.Status)
			assert.Equal(t, tt.wantID, mirror.ProviderSubscriptionID)
		})
	}
}

func TestSyncUnmappedPriceFallsBackToCheapestPaid(t *testing.T) {
	users := &mockUserRepo{users: make(map[uuid.UUID]*user.User)}
	userID := seedUser(users, "gap@example.com", "cus_gap")

	provider := &mockProvider{
		subs: map[string][]ProviderSubscription{
			"cus_gap": {
				{ID: "sub_1", Status: "active", PriceID: "price_unknown", CurrentPeriodEnd: syncNow.AddDate(0, 1, 0)},
			},
		},
	}
	svc := newTestService(provider, newMockRepository(), users, map[string]string{"price_pro": "pro"})

	mirror, err := svc.Sync(context.Background(), userID)
	require.NoError(t, err)

	// A paying customer with a config gap lands on starter, never on free.
	assert.Equal(t, "starter", mirror.PlanKey)
}

func TestSyncProviderFailureLeavesMirrorUntouched(t *testing.T) {
	users := &mockUserRepo{users: make(map[uuid.UUID]*user.User)}
	userID := seedUser(users, "down@example.com", "cus_down")

	repo := newMockRepository()
	repo.mirrors[userID] = &Subscription{UserID: userID, PlanKey: "pro", Status: "active"}

	provider := &mockProvider{err: apperrors.UpstreamUnavailable("stripe", assert.AnError)}
	svc := newTestService(provider, repo, users, nil)

	_, err := svc.Sync(context.Background(), userID)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", appErr.Code)

	// The previously persisted state survives the outage.
	existing, err := repo.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "pro", existing.PlanKey)
	assert.Equal(t, "active", existing.Status)
}

func TestSourceMapsMirrorToResolverState(t *testing.T) {
	repo := newMockRepository()
	userID := uuid.New()
	periodEnd := syncNow.AddDate(0, 1, 0)
	repo.mirrors[userID] = &Subscription{
		UserID:           userID,
		PlanKey:          "pro",
		Status:           "active",
		CurrentPeriodEnd: &periodEnd,
	}

	source := NewSource(repo)

	state, err := source.CurrentSubscription(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "pro", string(state.PlanKey))
	assert.Equal(t, "active", string(state.Status))
	assert.Equal(t, periodEnd, state.CurrentPeriodEnd)

	// Never-synced users yield no state, which resolves to free.
	state, err = source.CurrentSubscription(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, state)
}

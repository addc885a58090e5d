package inspector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/aisession"
	"github.com/klarpost/server/internal/module/ledger"
	"github.com/klarpost/server/internal/module/usage"
	apperrors "github.com/klarpost/server/internal/shared/errors"
)

// PropertyResult is one self-test property outcome.
type PropertyResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// SelfTestReport aggregates all property outcomes of one run.
type SelfTestReport struct {
	Passed  bool             `json:"passed"`
	Results []PropertyResult `json:"results"`
	RanAt   time.Time        `json:"ran_at"`
}

// SelfTest exercises the accounting invariants against synthetic users, using
// the real storage layer, and removes its rows afterwards. It is the only
// code path allowed to delete accounting data, and only its own.
type SelfTest struct {
	ledgers  ledger.Repository
	counters usage.Repository
	sessions aisession.Repository
	admins   AdminChecker
	logger   *zap.Logger
	now      func() time.Time
}

// NewSelfTest creates the self-test harness.
func NewSelfTest(ledgers ledger.Repository, counters usage.Repository, sessions aisession.Repository, admins AdminChecker, logger *zap.Logger) *SelfTest {
	return &SelfTest{
		ledgers:  ledgers,
		counters: counters,
		sessions: sessions,
		admins:   admins,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes every property and returns per-property pass/fail. Only
// administrators (or the cron identity, which carries the admin role) may
// trigger a run.
func (st *SelfTest) Run(ctx context.Context, actorID uuid.UUID) (*SelfTestReport, error) {
	isAdmin, err := st.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("check admin: %w", err)
	}
	if !isAdmin {
		return nil, apperrors.Forbidden("administrator role required to run the self-test")
	}

	report := &SelfTestReport{Passed: true, RanAt: st.now()}
	properties := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"wallet_matches_ledger_sum", st.walletMatchesLedgerSum},
		{"concurrent_spends_never_overdraw", st.concurrentSpendsNeverOverdraw},
		{"counter_increments_are_atomic", st.counterIncrementsAreAtomic},
		{"capped_counter_admits_exactly_cap", st.cappedCounterAdmitsExactlyCap},
		{"one_active_session_per_case", st.oneActiveSessionPerCase},
		{"sequential_adjustments_accumulate", st.sequentialAdjustmentsAccumulate},
	}

	for _, p := range properties {
		result := PropertyResult{Name: p.name, Passed: true}
		if err := p.fn(ctx); err != nil {
			result.Passed = false
			result.Detail = err.Error()
			report.Passed = false
			st.logger.Warn("self-test property failed",
				zap.String("property", p.name),
				zap.Error(err),
			)
		}
		report.Results = append(report.Results, result)
	}
	return report, nil
}

// cleanup removes every row the property created for its synthetic user.
func (st *SelfTest) cleanup(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, err := range []error{
		st.ledgers.DeleteUserData(ctx, userID),
		st.counters.DeleteUserData(ctx, userID),
		st.sessions.DeleteUserData(ctx, userID),
	} {
		if err != nil {
			st.logger.Error("self-test cleanup failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
	}
}

func (st *SelfTest) append(ctx context.Context, userID uuid.UUID, action ledger.ActionType, delta int64) error {
	return st.ledgers.Append(ctx, &ledger.Entry{
		ID:         uuid.New(),
		UserID:     userID,
		ActionType: action,
		Delta:      delta,
		Meta:       map[string]any{"reason": "selftest"},
		CreatedAt:  st.now(),
	})
}

func (st *SelfTest) walletMatchesLedgerSum(ctx context.Context) error {
	userID := uuid.New()
	defer st.cleanup(userID)

	for _, delta := range []int64{10, -3, 2, -4} {
		action := ledger.ActionRefill
		if delta < 0 {
			action = ledger.ActionSpend
		}
		if err := st.append(ctx, userID, action, delta); err != nil {
			return err
		}
	}

	wallet, err := st.ledgers.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	sum, err := st.ledgers.SumDeltas(ctx, userID)
	if err != nil {
		return err
	}
	if wallet.BalanceCredits != sum {
		return fmt.Errorf("wallet balance %d != ledger sum %d", wallet.BalanceCredits, sum)
	}
	if wallet.BalanceCredits != 5 {
		return fmt.Errorf("expected balance 5, got %d", wallet.BalanceCredits)
	}
	if wallet.LifetimeCredits != 12 {
		return fmt.Errorf("expected lifetime 12, got %d", wallet.LifetimeCredits)
	}
	return nil
}

func (st *SelfTest) concurrentSpendsNeverOverdraw(ctx context.Context) error {
	userID := uuid.New()
	defer st.cleanup(userID)

	if err := st.append(ctx, userID, ledger.ActionRefill, 5); err != nil {
		return err
	}

	const attempts = 20
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.append(ctx, userID, ledger.ActionSpend, -1)
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, refused int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientCredits):
			refused++
		default:
			return err
		}
	}
	if succeeded != 5 || refused != attempts-5 {
		return fmt.Errorf("expected 5 spends to pass, got %d (refused %d)", succeeded, refused)
	}

	wallet, err := st.ledgers.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	if wallet.BalanceCredits != 0 {
		return fmt.Errorf("expected balance 0 after drain, got %d", wallet.BalanceCredits)
	}
	return nil
}

func (st *SelfTest) counterIncrementsAreAtomic(ctx context.Context) error {
	userID := uuid.New()
	defer st.cleanup(userID)
	ym := usage.YM(st.now())

	const attempts = 10
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.counters.IncrementCasesCreated(ctx, userID, ym)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	counter, err := st.counters.Get(ctx, userID, ym)
	if err != nil {
		return err
	}
	if counter.CasesCreated != attempts {
		return fmt.Errorf("expected %d cases, got %d", attempts, counter.CasesCreated)
	}
	return nil
}

func (st *SelfTest) cappedCounterAdmitsExactlyCap(ctx context.Context) error {
	userID := uuid.New()
	defer st.cleanup(userID)
	ym := usage.YM(st.now())

	const attempts = 10
	const limit = 3
	var wg sync.WaitGroup
	type outcome struct {
		ok  bool
		err error
	}
	outcomes := make(chan outcome, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := st.counters.TryIncrementCasesCreated(ctx, userID, ym, limit)
			outcomes <- outcome{ok: ok, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	admitted := 0
	for o := range outcomes {
		if o.err != nil {
			return o.err
		}
		if o.ok {
			admitted++
		}
	}
	if admitted != limit {
		return fmt.Errorf("expected %d admissions, got %d", limit, admitted)
	}
	return nil
}

func (st *SelfTest) oneActiveSessionPerCase(ctx context.Context) error {
	userID := uuid.New()
	caseID := uuid.New()
	defer st.cleanup(userID)
	now := st.now()

	const attempts = 10
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.sessions.Insert(ctx, &aisession.Session{
				ID:            uuid.New(),
				UserID:        userID,
				CaseID:        caseID,
				YearMonth:     usage.YM(now),
				StartedAt:     now,
				LastMessageAt: now,
				MessageCount:  1,
				MaxMessages:   10,
				ExpiresAt:     now.Add(2 * time.Hour),
				IsActive:      true,
				Status:        aisession.StatusActive,
			})
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, aisession.ErrSessionExists):
			rejected++
		default:
			return err
		}
	}
	if succeeded != 1 || rejected != attempts-1 {
		return fmt.Errorf("expected exactly one active session, got %d (rejected %d)", succeeded, rejected)
	}
	return nil
}

func (st *SelfTest) sequentialAdjustmentsAccumulate(ctx context.Context) error {
	userID := uuid.New()
	defer st.cleanup(userID)

	for i := 0; i < 2; i++ {
		if err := st.append(ctx, userID, ledger.ActionAdjustment, 5); err != nil {
			return err
		}
	}

	wallet, err := st.ledgers.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	count, err := st.ledgers.CountEntries(ctx, userID)
	if err != nil {
		return err
	}
	if wallet.BalanceCredits != 10 {
		return fmt.Errorf("expected balance 10, got %d", wallet.BalanceCredits)
	}
	if count != 2 {
		return fmt.Errorf("expected 2 ledger rows, got %d", count)
	}
	return nil
}

package inspector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klarpost/server/internal/module/ledger"
	"github.com/klarpost/server/internal/module/plan"
	"github.com/klarpost/server/internal/module/usage"
	apperrors "github.com/klarpost/server/internal/shared/errors"
)

// WalletCheck classifies the wallet-vs-ledger comparison outcome.
type WalletCheck string

const (
	// WalletCheckOK means the wallet equals the ledger sum.
	WalletCheckOK WalletCheck = "ok"
	// WalletCheckMismatch means the wallet drifted from the ledger sum.
	WalletCheckMismatch WalletCheck = "mismatch"
	// WalletCheckLegacy means the account predates the ledger; the equality
	// invariant does not apply until its first ledger write.
	WalletCheckLegacy WalletCheck = "legacy"
	// WalletCheckUnknown means the ledger sum could not be computed. It is
	// reported as such rather than guessed.
	WalletCheckUnknown WalletCheck = "unknown"
)

// Report is the reconciliation result for one user.
type Report struct {
	UserID        uuid.UUID `json:"user_id"`
	YearMonth     string    `json:"year_month"`
	Plan          plan.Key  `json:"plan"`
	LegacyData    bool      `json:"legacy_data"`
	MismatchSpent bool      `json:"mismatch_spent"`
	CounterSpent  int64     `json:"counter_spent"`
	LedgerSpent   int64     `json:"ledger_spent"`

	WalletBalance          int64       `json:"wallet_balance"`
	LedgerSum              *int64      `json:"ledger_sum,omitempty"`
	WalletCheck            WalletCheck `json:"wallet_check"`
	MismatchWalletVsLedger bool        `json:"mismatch_wallet_vs_ledger"`

	GeneratedAt time.Time `json:"generated_at"`
}

// PlanResolver yields the effective plan for a user.
type PlanResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*plan.EffectivePlan, error)
}

// LedgerReader is the read-only slice of the ledger the inspector needs.
type LedgerReader interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*ledger.Wallet, error)
	CountEntries(ctx context.Context, userID uuid.UUID) (int64, error)
	SumDeltas(ctx context.Context, userID uuid.UUID) (int64, error)
	SumSpentInRange(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error)
}

// CounterReader reads one month's usage counters.
type CounterReader interface {
	Get(ctx context.Context, userID uuid.UUID, ym string) (*usage.Counter, error)
}

// AdminChecker answers the administrator predicate.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Service recomputes expected accounting state from the ledger and flags
// drift. It is strictly read-only.
type Service struct {
	ledgers  LedgerReader
	counters CounterReader
	resolver PlanResolver
	admins   AdminChecker
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a consistency inspector.
func NewService(ledgers LedgerReader, counters CounterReader, resolver PlanResolver, admins AdminChecker, logger *zap.Logger) *Service {
	return &Service{
		ledgers:  ledgers,
		counters: counters,
		resolver: resolver,
		admins:   admins,
		logger:   logger,
		now:      time.Now,
	}
}

// Inspect reconciles one user's accounting state. Targeting another user
// requires the actor to be an administrator.
func (s *Service) Inspect(ctx context.Context, actorID, targetID uuid.UUID) (*Report, error) {
	if actorID != targetID {
		isAdmin, err := s.admins.IsAdmin(ctx, actorID)
		if err != nil {
			return nil, fmt.Errorf("check admin: %w", err)
		}
		if !isAdmin {
			return nil, apperrors.Forbidden("administrator role required to inspect another user")
		}
	}

	now := s.now()
	ym := usage.YM(now)

	ep, err := s.resolver.Resolve(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}

	wallet, err := s.ledgers.GetWallet(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	balance := int64(0)
	if wallet != nil {
		balance = wallet.BalanceCredits
	}

	entryCount, err := s.ledgers.CountEntries(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("count ledger entries: %w", err)
	}

	report := &Report{
		UserID:        targetID,
		YearMonth:     ym,
		Plan:          ep.Key,
		WalletBalance: balance,
		LegacyData:    entryCount == 0 && balance > 0,
		GeneratedAt:   now,
	}

	s.checkMonthSpend(ctx, report, targetID, ep)
	s.checkWallet(ctx, report, targetID, entryCount, balance)

	if report.MismatchSpent || report.MismatchWalletVsLedger {
		s.logger.Warn("accounting drift detected",
			zap.String("user_id", targetID.String()),
			zap.Bool("mismatch_spent", report.MismatchSpent),
			zap.String("wallet_check", string(report.WalletCheck)),
		)
	}
	return report, nil
}

// checkMonthSpend recomputes the month's spend from negative ledger deltas in
// the calendar date range, never from stored metadata, and compares it to the
// counter. Unlimited plans are exempt: their sessions are uncharged, so the
// counter and the ledger legitimately diverge.
func (s *Service) checkMonthSpend(ctx context.Context, report *Report, targetID uuid.UUID, ep *plan.EffectivePlan) {
	start, end, err := usage.MonthRange(report.YearMonth)
	if err != nil {
		s.logger.Warn("invalid month key",
			zap.String("year_month", report.YearMonth),
			zap.Error(err),
		)
		return
	}

	ledgerSpent, err := s.ledgers.SumSpentInRange(ctx, targetID, start, end)
	if err != nil {
		s.logger.Warn("month spend aggregate unavailable",
			zap.String("user_id", targetID.String()),
			zap.Error(err),
		)
		return
	}
	report.LedgerSpent = ledgerSpent

	counter, err := s.counters.Get(ctx, targetID, report.YearMonth)
	if err != nil {
		s.logger.Warn("usage counter unavailable",
			zap.String("user_id", targetID.String()),
			zap.Error(err),
		)
		return
	}
	report.CounterSpent = counter.CreditsSpent

	if ep.Key != plan.KeyUnlimited && ledgerSpent != counter.CreditsSpent {
		report.MismatchSpent = true
	}
}

// checkWallet compares the wallet balance to the all-time ledger sum. When
// the aggregate cannot be computed the check reports "unknown" instead of a
// false mismatch.
func (s *Service) checkWallet(ctx context.Context, report *Report, targetID uuid.UUID, entryCount, balance int64) {
	if entryCount == 0 {
		report.WalletCheck = WalletCheckLegacy
		if balance == 0 {
			report.WalletCheck = WalletCheckOK
		}
		return
	}

	sum, err := s.ledgers.SumDeltas(ctx, targetID)
	if err != nil {
		s.logger.Warn("ledger sum aggregate unavailable",
			zap.String("user_id", targetID.String()),
			zap.Error(err),
		)
		report.WalletCheck = WalletCheckUnknown
		return
	}
	report.LedgerSum = &sum

	if sum == balance {
		report.WalletCheck = WalletCheckOK
		return
	}
	report.WalletCheck = WalletCheckMismatch
	report.MismatchWalletVsLedger = true
}

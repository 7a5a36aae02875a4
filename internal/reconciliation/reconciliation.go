// Package reconciliation audits ledger accounts by replaying entry logs
// against balance snapshots.
//
// The entry log is the system of record; the snapshot is a cache of it. This
// package sweeps every account on a timer, flags drift, and keeps the last
// report available for operators. Accounts that fail verification are frozen
// by the ledger itself; the report tells an operator where to look.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/ledger"
)

// maxAccountsPerRun bounds one sweep so a huge ledger cannot stall the timer.
const maxAccountsPerRun = 1000

// Ledger is the slice of the ledger service a sweep needs.
type Ledger interface {
	ListAccounts(ctx context.Context, status string, limit int) ([]*ledger.Account, error)
	Verify(ctx context.Context, accountID string) (*ledger.VerifyResult, error)
}

// AccountDrift describes one account whose snapshot disagreed with replay.
type AccountDrift struct {
	AccountID      string          `json:"account_id"`
	AvailableDrift decimal.Decimal `json:"available_drift"`
	PendingDrift   decimal.Decimal `json:"pending_drift"`
	Entries        int             `json:"entries"`
}

// Report is the outcome of one reconciliation sweep.
type Report struct {
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	AccountsChecked int             `json:"accounts_checked"`
	Mismatches      []AccountDrift  `json:"mismatches"`
	CheckErrors     int             `json:"check_errors"`
	TotalDrift      decimal.Decimal `json:"total_drift"`
	Healthy         bool            `json:"healthy"`
}

// Service sweeps ledger accounts and records drift.
type Service struct {
	ledger         Ledger
	alertThreshold decimal.Decimal
	logger         *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service. Any drift at all raises an
// alert unless a tolerance is configured via SetAlertThreshold.
func NewService(l Ledger, logger *slog.Logger) *Service {
	return &Service{
		ledger: l,
		logger: logger,
	}
}

// SetAlertThreshold sets the total drift above which a sweep escalates to a
// critical alert. Mismatches below the threshold are still reported.
func (s *Service) SetAlertThreshold(amount decimal.Decimal) {
	if amount.Sign() >= 0 {
		s.alertThreshold = amount
	}
}

// Run sweeps all accounts once and returns the report. Individual account
// failures never abort the sweep; they are counted and the sweep moves on.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	accounts, err := s.ledger.ListAccounts(ctx, "", maxAccountsPerRun)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	report := &Report{
		StartedAt:  start.UTC(),
		TotalDrift: decimal.Zero,
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		res, err := s.ledger.Verify(ctx, acct.ID)
		switch {
		case err == nil:
			report.AccountsChecked++
		case errors.Is(err, ledger.ErrInvariantViolation):
			// Verify returns the comparison alongside the error on mismatch.
			report.AccountsChecked++
			drift := AccountDrift{
				AccountID:      acct.ID,
				AvailableDrift: res.SnapshotAvailable.Sub(res.ReplayAvailable),
				PendingDrift:   res.SnapshotPending.Sub(res.ReplayPending),
				Entries:        res.Entries,
			}
			report.Mismatches = append(report.Mismatches, drift)
			report.TotalDrift = report.TotalDrift.
				Add(drift.AvailableDrift.Abs()).
				Add(drift.PendingDrift.Abs())
		default:
			report.CheckErrors++
			reconcileErrors.Inc()
			s.logger.Warn("account verification errored during sweep",
				"account_id", acct.ID, "error", err)
		}
	}

	report.FinishedAt = time.Now().UTC()
	report.Healthy = len(report.Mismatches) == 0 && report.CheckErrors == 0

	reconcileRuns.Inc()
	reconcileDuration.Observe(time.Since(start).Seconds())
	reconcileMismatchedAccounts.Set(float64(len(report.Mismatches)))
	reconcileDrift.Set(report.TotalDrift.InexactFloat64())

	if len(report.Mismatches) > 0 && report.TotalDrift.GreaterThanOrEqual(s.alertThreshold) {
		s.logger.Error("CRITICAL: ledger drift detected",
			"mismatched_accounts", len(report.Mismatches),
			"total_drift", report.TotalDrift.String(),
			"accounts_checked", report.AccountsChecked)
	} else if report.Healthy {
		s.logger.Info("reconciliation sweep clean",
			"accounts_checked", report.AccountsChecked)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	return report, nil
}

// LastReport returns the most recent sweep report, or nil before the first
// sweep completes.
func (s *Service) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

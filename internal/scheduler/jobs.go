// Package scheduler runs the periodic reconciliation, abandonment and expiry sweeps.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
)

const (
	JobReconcileOrders = "reconcile_orders"
	JobAbandonStale    = "abandon_stale_orders"
	JobExpireAccounts  = "expire_accounts"

	defaultBatchSize     = 100
	defaultJobTimeout    = 2 * time.Minute
	defaultStaleOrderAge = 24 * time.Hour
)

// Tracker is the checkout surface the sweeps drive.
type Tracker interface {
	ReconcileOpenOrders(ctx context.Context, limit int) (checkout.SweepSummary, error)
	AbandonStale(ctx context.Context, olderThan time.Duration, limit int) (checkout.SweepSummary, error)
}

// Ledger expires lapsed memberships.
type Ledger interface {
	ExpireAccounts(ctx context.Context) (int64, error)
}

// Observer records job runs.
type Observer interface {
	ObserveJob(job string, affected int64, err error)
}

// JobConfig bounds each sweep.
type JobConfig struct {
	BatchSize     int
	JobTimeout    time.Duration
	StaleOrderAge time.Duration
}

// Jobs holds the sweep implementations shared by cron and the one-shot CLI.
type Jobs struct {
	tracker  Tracker
	ledger   Ledger
	observer Observer
	logger   *zap.Logger
	cfg      JobConfig
}

// NewJobs wires the sweeps. observer may be nil.
func NewJobs(tracker Tracker, ledgerService Ledger, observer Observer, logger *zap.Logger, cfg JobConfig) (*Jobs, error) {
	if tracker == nil || ledgerService == nil {
		return nil, errors.New("scheduler: tracker and ledger are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.StaleOrderAge <= 0 {
		cfg.StaleOrderAge = defaultStaleOrderAge
	}
	return &Jobs{tracker: tracker, ledger: ledgerService, observer: observer, logger: logger.Named("scheduler"), cfg: cfg}, nil
}

// ReconcileOrders verifies open orders with the gateway and applies paid ones.
func (jobs *Jobs) ReconcileOrders(ctx context.Context) error {
	return jobs.run(ctx, JobReconcileOrders, func(ctx context.Context) (int64, error) {
		summary, err := jobs.tracker.ReconcileOpenOrders(ctx, jobs.cfg.BatchSize)
		jobs.logSummary(JobReconcileOrders, summary)
		return int64(summary.Applied + summary.Abandoned), err
	})
}

// AbandonStaleOrders closes orders left open past the configured age.
func (jobs *Jobs) AbandonStaleOrders(ctx context.Context) error {
	return jobs.run(ctx, JobAbandonStale, func(ctx context.Context) (int64, error) {
		summary, err := jobs.tracker.AbandonStale(ctx, jobs.cfg.StaleOrderAge, jobs.cfg.BatchSize)
		jobs.logSummary(JobAbandonStale, summary)
		return int64(summary.Applied + summary.Abandoned), err
	})
}

// ExpireAccounts deactivates memberships past their expiry.
func (jobs *Jobs) ExpireAccounts(ctx context.Context) error {
	return jobs.run(ctx, JobExpireAccounts, jobs.ledger.ExpireAccounts)
}

// RunAll runs every sweep once and joins their errors.
func (jobs *Jobs) RunAll(ctx context.Context) error {
	return errors.Join(
		jobs.ReconcileOrders(ctx),
		jobs.AbandonStaleOrders(ctx),
		jobs.ExpireAccounts(ctx),
	)
}

func (jobs *Jobs) run(ctx context.Context, name string, job func(context.Context) (int64, error)) error {
	jobCtx, cancel := context.WithTimeout(ctx, jobs.cfg.JobTimeout)
	defer cancel()
	started := time.Now()
	affected, err := job(jobCtx)
	if jobs.observer != nil {
		jobs.observer.ObserveJob(name, affected, err)
	}
	if err != nil {
		jobs.logger.Error("job failed", zap.String("job", name), zap.Error(err))
		return err
	}
	jobs.logger.Info("job finished", zap.String("job", name), zap.Int64("affected", affected), zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (jobs *Jobs) logSummary(name string, summary checkout.SweepSummary) {
	if summary.Failed > 0 {
		jobs.logger.Warn("sweep had failures",
			zap.String("job", name),
			zap.Int("checked", summary.Checked),
			zap.Int("failed", summary.Failed))
	}
}

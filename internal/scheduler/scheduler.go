package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules holds cron specs; an empty spec disables the job.
type Schedules struct {
	ReconcileOrders string
	AbandonStale    string
	ExpireAccounts  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// New registers every scheduled job; an invalid spec is an error.
func New(ctx context.Context, jobs *Jobs, schedules Schedules, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := zapCronLogger{logger: logger.Named("cron").Sugar()}
	runner := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	entries := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{name: JobReconcileOrders, spec: schedules.ReconcileOrders, run: jobs.ReconcileOrders},
		{name: JobAbandonStale, spec: schedules.AbandonStale, run: jobs.AbandonStaleOrders},
		{name: JobExpireAccounts, spec: schedules.ExpireAccounts, run: jobs.ExpireAccounts},
	}
	for _, entry := range entries {
		if strings.TrimSpace(entry.spec) == "" {
			logger.Info("job disabled", zap.String("job", entry.name))
			continue
		}
		run := entry.run
		if _, err := runner.AddFunc(entry.spec, func() { _ = run(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", entry.name, entry.spec, err)
		}
		logger.Info("scheduled job", zap.String("job", entry.name), zap.String("schedule", entry.spec))
	}
	return &Scheduler{cron: runner, logger: logger}, nil
}

// Start begins running jobs in the background.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
}

// Stop stops scheduling; the returned context is done once running jobs finish.
func (scheduler *Scheduler) Stop() context.Context {
	return scheduler.cron.Stop()
}

// Len reports how many jobs are scheduled.
func (scheduler *Scheduler) Len() int {
	return len(scheduler.cron.Entries())
}

type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (cronLogger zapCronLogger) Info(message string, keysAndValues ...interface{}) {
	cronLogger.logger.Debugw(message, keysAndValues...)
}

func (cronLogger zapCronLogger) Error(err error, message string, keysAndValues ...interface{}) {
	cronLogger.logger.Errorw(message, append(keysAndValues, "error", err)...)
}

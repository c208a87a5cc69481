package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/ports"
)

// Job names double as lock keys.
const (
	JobCollect = "collect"
	JobRewrite = "rewrite"
	JobAudit   = "audit"
)

// ErrJobRunning means another instance of the same job holds the lock.
var ErrJobRunning = errors.New("already running")

// Jobs runs each batch job under its own time-boxed lock so the same job type
// never overlaps, while different types may.
type Jobs struct {
	collector *Collector
	rewriter  *Rewriter
	auditor   *Auditor
	locker    ports.JobLocker
	lockTTL   time.Duration
	logger    *slog.Logger
}

// NewJobs bundles the batch use cases. locker may be nil for single runs.
func NewJobs(collector *Collector, rewriter *Rewriter, auditor *Auditor, locker ports.JobLocker, lockTTL time.Duration, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &Jobs{
		collector: collector,
		rewriter:  rewriter,
		auditor:   auditor,
		locker:    locker,
		lockTTL:   lockTTL,
		logger:    logger,
	}
}

// Collect runs one collection pass.
func (j *Jobs) Collect(ctx context.Context) (CollectResult, error) {
	return runLocked(ctx, j, JobCollect, j.collector.Run)
}

// Rewrite runs one rewrite batch.
func (j *Jobs) Rewrite(ctx context.Context) (BatchResult, error) {
	return runLocked(ctx, j, JobRewrite, j.rewriter.Run)
}

// Audit runs one audit batch.
func (j *Jobs) Audit(ctx context.Context) (AuditResult, error) {
	return runLocked(ctx, j, JobAudit, j.auditor.Run)
}

func runLocked[T any](ctx context.Context, j *Jobs, name string, run func(context.Context) (T, error)) (T, error) {
	var zero T
	if j.locker != nil {
		release, ok, err := j.locker.TryAcquire(ctx, name, j.lockTTL)
		if err != nil {
			return zero, fmt.Errorf("lock %s: %w", name, err)
		}
		if !ok {
			j.logger.InfoContext(ctx, "job skipped", "job", name, "reason", ErrJobRunning.Error())
			return zero, ErrJobRunning
		}
		defer release()
	}

	// Stop before the lock can expire under us.
	runCtx, cancel := context.WithTimeout(ctx, j.lockTTL)
	defer cancel()
	return run(runCtx)
}

// Scheduler wires the cron driver with the batch jobs.
type Scheduler struct {
	driver ports.Scheduler
	jobs   *Jobs
	cfg    config.SchedulerConfig
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, jobs *Jobs, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, jobs: jobs, cfg: cfg, logger: logger}
}

// Start registers every job with a non-empty schedule and starts the driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.jobs == nil {
		return nil
	}

	entries := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobCollect, s.cfg.Collect, func(ctx context.Context) error { _, err := s.jobs.Collect(ctx); return err }},
		{JobRewrite, s.cfg.Rewrite, func(ctx context.Context) error { _, err := s.jobs.Rewrite(ctx); return err }},
		{JobAudit, s.cfg.Audit, func(ctx context.Context) error { _, err := s.jobs.Audit(ctx); return err }},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		name, run := e.name, e.run
		err := s.driver.Add(e.spec, func(trigger time.Time) {
			if err := run(ctx); err != nil && !errors.Is(err, ErrJobRunning) {
				s.logger.ErrorContext(ctx, "scheduled job failed", "job", name, "trigger", trigger, "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	return s.driver.Start(ctx)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}

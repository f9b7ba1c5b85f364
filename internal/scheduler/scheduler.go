// Package scheduler runs the periodic approval jobs: escalating instances
// whose approver timeout elapsed and purging expired email tokens.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	jobEscalationSweep = "escalation-sweep"
	jobTokenCleanup    = "token-cleanup"
)

// Jobs is the work the scheduler triggers.
type Jobs interface {
	EscalateOverdue(ctx context.Context) (int, error)
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

// Config holds the cron specs (with a leading seconds field) and the lease
// length for each run.
type Config struct {
	SweepCron   string
	CleanupCron string
	LockTTL     time.Duration
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	locker  Locker
	lockTTL time.Duration
	log     zerolog.Logger
}

// New registers both jobs. An empty schedule disables that job.
func New(cfg Config, jobs Jobs, locker Locker, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		jobs:    jobs,
		locker:  locker,
		lockTTL: cfg.LockTTL,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
	if s.lockTTL <= 0 {
		s.lockTTL = time.Minute
	}

	cl := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if cfg.SweepCron != "" {
		if _, err := s.cron.AddFunc(cfg.SweepCron, func() { s.RunEscalationSweep(context.Background()) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", jobEscalationSweep, cfg.SweepCron, err)
		}
	}
	if cfg.CleanupCron != "" {
		if _, err := s.cron.AddFunc(cfg.CleanupCron, func() { s.RunTokenCleanup(context.Background()) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", jobTokenCleanup, cfg.CleanupCron, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop prevents new runs and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("Scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stop timed out with jobs still running")
	}
}

// RunEscalationSweep escalates overdue instances once.
func (s *Scheduler) RunEscalationSweep(ctx context.Context) bool {
	return s.runLocked(ctx, jobEscalationSweep, func(ctx context.Context) error {
		n, err := s.jobs.EscalateOverdue(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Info().Int("escalated", n).Msg("Overdue instances escalated")
		}
		return nil
	})
}

// RunTokenCleanup deletes expired email tokens once.
func (s *Scheduler) RunTokenCleanup(ctx context.Context) bool {
	return s.runLocked(ctx, jobTokenCleanup, func(ctx context.Context) error {
		n, err := s.jobs.CleanupExpiredTokens(ctx)
		if err != nil {
			return err
		}
		s.log.Info().Int64("deleted", n).Msg("Expired email approval tokens removed")
		return nil
	})
}

// runLocked runs fn under the job's lease and reports whether it ran.
func (s *Scheduler) runLocked(ctx context.Context, name string, fn func(context.Context) error) bool {
	ctx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	release, ok, err := s.locker.Acquire(ctx, name, s.lockTTL)
	if err != nil {
		s.log.Warn().Err(err).Str("job", name).Msg("Job lock unavailable")
		return false
	}
	if !ok {
		s.log.Debug().Str("job", name).Msg("Job already running elsewhere")
		return false
	}
	defer release()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("Job failed")
		return true
	}
	s.log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Job finished")
	return true
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules are standard five-field cron expressions or descriptors like @every 5m.
type Schedules struct {
	CancellationSweep string
	EventPurge        string
}

// Scheduler runs Jobs on cron schedules. A job still running when its next
// tick arrives is skipped.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
}

func New(jobs *Jobs, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	return &Scheduler{cron: c, jobs: jobs, logger: logger}
}

// Register adds both jobs. An invalid schedule is an error rather than a
// silently missing job.
func (s *Scheduler) Register(schedules Schedules) error {
	if _, err := s.cron.AddFunc(schedules.CancellationSweep, s.jobs.CompleteCancellations); err != nil {
		return fmt.Errorf("invalid cancellation sweep schedule %q: %w", schedules.CancellationSweep, err)
	}
	s.logger.Info("scheduled cancellation sweep", "schedule", schedules.CancellationSweep)

	if _, err := s.cron.AddFunc(schedules.EventPurge, s.jobs.PurgeEvents); err != nil {
		return fmt.Errorf("invalid event purge schedule %q: %w", schedules.EventPurge, err)
	}
	s.logger.Info("scheduled event purge", "schedule", schedules.EventPurge)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

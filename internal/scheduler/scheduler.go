// Package scheduler runs DispatchPipe's periodic jobs on a cron scheduler.
//
// Two jobs are registered by RegisterDispatchJobs: the scheduled-message
// sweep, which promotes due messages into the dispatch core, and the
// retention purge, which drops original requests past their retention
// window.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Default job schedules. Both standard five-field expressions and
// descriptors such as "@every 30s" are accepted.
const (
	DefaultSweepSchedule = "@every 30s"
	DefaultPurgeSchedule = "@hourly"
)

// Scheduler provides cron-based job scheduling. Jobs receive a context that
// is cancelled when the scheduler stops.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates and starts a cron scheduler. A job still running when
// its next tick fires is skipped, and a panicking job is logged and
// recovered.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(expr, func() { task(s.ctx) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop cancels running jobs' context and waits for them to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Dispatcher is the part of the dispatch core the periodic jobs drive.
type Dispatcher interface {
	ProcessScheduledMessages(ctx context.Context) (int, error)
	PurgeExpiredRequests(ctx context.Context) (int, error)
}

// Jobs holds the schedules for RegisterDispatchJobs. Empty fields use the
// defaults.
type Jobs struct {
	Sweep string
	Purge string
}

// RegisterDispatchJobs schedules the scheduled-message sweep and the
// retention purge against d.
func RegisterDispatchJobs(s *Scheduler, d Dispatcher, jobs Jobs) error {
	if jobs.Sweep == "" {
		jobs.Sweep = DefaultSweepSchedule
	}
	if jobs.Purge == "" {
		jobs.Purge = DefaultPurgeSchedule
	}
	if err := s.AddJob(jobs.Sweep, func(ctx context.Context) {
		n, err := d.ProcessScheduledMessages(ctx)
		if err != nil {
			slog.Error("Scheduler: scheduled sweep failed", "processed", n, "error", err)
			return
		}
		if n > 0 {
			slog.Debug("Scheduler: scheduled sweep done", "processed", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to register sweep job: %w", err)
	}
	if err := s.AddJob(jobs.Purge, func(ctx context.Context) {
		if _, err := d.PurgeExpiredRequests(ctx); err != nil {
			slog.Error("Scheduler: retention purge failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to register purge job: %w", err)
	}
	slog.Info("Scheduler: dispatch jobs registered", "sweep", jobs.Sweep, "purge", jobs.Purge)
	return nil
}

// slogLogger routes cron's logging through slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

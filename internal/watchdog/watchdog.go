// Package watchdog runs the periodic maintenance jobs: listener refresh and
// group-log retention.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/listener"

	"github.com/robfig/cron/v3"
)

const (
	DefaultRefreshSchedule = "@every 5m"
	DefaultPruneSchedule   = "@daily"
)

// Refresher is the listener manager operation the watchdog drives.
type Refresher interface {
	Refresh(ctx context.Context) listener.RefreshReport
}

// Pruner deletes passive-log entries older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Refresher Refresher
	// RefreshSchedule is a standard cron expression or descriptor. Empty
	// disables the refresh job.
	RefreshSchedule string

	Pruner        Pruner
	PruneSchedule string
	// Retention is how long group-log entries are kept. Zero disables
	// pruning.
	Retention time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Scheduler owns the cron runner. A job that is still running when its next
// tick fires is skipped.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	pruner    Pruner
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the schedules and registers the enabled jobs.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clog := cronLogger{cfg.Logger}
	s := &Scheduler{
		cron:      cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		refresher: cfg.Refresher,
		pruner:    cfg.Pruner,
		retention: cfg.Retention,
		now:       cfg.Now,
		logger:    cfg.Logger,
		ctx:       context.Background(),
	}

	if cfg.Refresher != nil && cfg.RefreshSchedule != "" {
		if err := s.add("refresh", cfg.RefreshSchedule, s.RunRefresh); err != nil {
			return nil, err
		}
	}
	if cfg.Pruner != nil && cfg.Retention > 0 {
		sched := cfg.PruneSchedule
		if sched == "" {
			sched = DefaultPruneSchedule
		}
		if err := s.add("prune", sched, func(ctx context.Context) { _, _ = s.RunPrune(ctx) }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(context.Context)) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		run(ctx)
	}))
	s.logger.Debug("watchdog job scheduled", "job", name, "schedule", spec)
	return nil
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the jobs in the background until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("watchdog started", "jobs", s.Jobs())
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("watchdog stopped")
}

// RunRefresh performs one refresh pass.
func (s *Scheduler) RunRefresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := s.now()
	report := s.refresher.Refresh(ctx)
	level := slog.LevelDebug
	if report.FailCount > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "scheduled refresh done",
		"total", report.Total, "failed", report.FailCount, "duration", s.now().Sub(start))
}

// RunPrune deletes entries older than the retention window.
func (s *Scheduler) RunPrune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("group log prune failed", "err", err)
		return 0, err
	}
	return n, nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

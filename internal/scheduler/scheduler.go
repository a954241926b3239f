// Package scheduler drives the engine and the mission orchestrator on a fixed
// cadence. It holds no scheduling state: each sweep asks the store what is
// due.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roach88/errand/internal/engine"
	"github.com/roach88/errand/internal/mission"
)

// Defaults for a Scheduler built without options.
const (
	DefaultInterval   = time.Second
	DefaultSweepLimit = 50
)

// Scheduler runs Sweep every interval until stopped. Overlapping sweeps are
// skipped, so at most one sweep is in flight.
type Scheduler struct {
	engine   *engine.Engine
	missions *mission.Orchestrator
	interval time.Duration
	limit    int
	logger   *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sweep cadence. Cron rounds intervals below one
// second up to one second. Default: DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithSweepLimit bounds how many runs, and separately how many missions, a
// sweep touches. Default: DefaultSweepLimit.
func WithSweepLimit(n int) Option {
	return func(s *Scheduler) {
		s.limit = n
	}
}

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a Scheduler. missions may be nil when only runs are driven.
func New(e *engine.Engine, missions *mission.Orchestrator, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:   e,
		missions: missions,
		interval: DefaultInterval,
		limit:    DefaultSweepLimit,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Resumed  int
	Ticked   int
	Missions int
	Finished int
}

// Sweep performs one bounded pass:
//  1. resume up to limit retrying runs whose retry time has passed
//  2. tick up to limit ready or running runs once each
//  3. tick up to limit running missions once each
//
// A run advances at most one step per sweep: a run resumed in the first
// phase is not ticked in the second, and the mission phase only refreshes
// children that either earlier phase already advanced.
//
// A failure on one item does not stop the rest; errors are combined.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs error
	)
	advanced := make(map[string]bool)

	resumed, err := s.engine.ResumeDueRuns(ctx, s.limit)
	errs = multierr.Append(errs, err)
	res.Resumed = len(resumed)
	for _, r := range resumed {
		advanced[r.ID] = true
		if r.State.IsTerminal() {
			res.Finished++
		}
	}

	active, err := s.engine.ListActive(ctx, s.limit)
	errs = multierr.Append(errs, err)
	for _, r := range active {
		if ctx.Err() != nil {
			return res, multierr.Append(errs, ctx.Err())
		}
		if advanced[r.ID] {
			continue
		}
		advanced[r.ID] = true
		run, err := s.engine.Tick(ctx, r.ID)
		if err != nil {
			s.logger.Error("tick failed", zap.String("run_id", r.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		res.Ticked++
		if run.State.IsTerminal() {
			res.Finished++
		}
	}

	if s.missions != nil {
		running, err := s.missions.ListRunning(ctx, s.limit)
		errs = multierr.Append(errs, err)
		for _, m := range running {
			if ctx.Err() != nil {
				return res, multierr.Append(errs, ctx.Err())
			}
			if _, err := s.missions.TickExcept(ctx, m.ID, advanced); err != nil {
				s.logger.Error("mission tick failed", zap.String("mission_id", m.ID), zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			res.Missions++
		}
	}

	if res.Resumed+res.Ticked+res.Missions > 0 {
		s.logger.Debug("sweep done",
			zap.Int("resumed", res.Resumed),
			zap.Int("ticked", res.Ticked),
			zap.Int("missions", res.Missions),
			zap.Int("finished", res.Finished),
		)
	}
	return res, errs
}

// Start schedules Sweep every interval and returns immediately. ctx is
// passed to every sweep; canceling it makes in-flight sweeps stop early but
// does not stop the schedule. Use Stop for that.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc("@every "+s.interval.String(), func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("sweep finished with errors", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to add sweep: %w", err)
	}

	s.cron = c
	c.Start()
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("sweep_limit", s.limit),
	)
	return nil
}

// Stop stops scheduling and waits for an in-flight sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// cronLogger routes cron's own logging into zap. Cron logs every schedule
// tick at info level, which is demoted to debug here.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

// pending reports whether any run or mission could still be advanced by a
// sweep without user action.
func (s *Scheduler) pending(ctx context.Context) (bool, error) {
	active, err := s.engine.ListActive(ctx, 1)
	if err != nil || len(active) > 0 {
		return len(active) > 0, err
	}
	if s.missions == nil {
		return false, nil
	}
	running, err := s.missions.ListRunning(ctx, 1)
	return len(running) > 0, err
}

// Drain sweeps until no run is ready or running and no mission is running,
// or until maxSweeps. Retrying runs that are not yet due and runs paused for
// a user do not keep it going, but a running mission does. It returns the
// number of sweeps made.
func (s *Scheduler) Drain(ctx context.Context, maxSweeps int) (int, error) {
	for i := 0; i < maxSweeps; i++ {
		more, err := s.pending(ctx)
		if err != nil {
			return i, err
		}
		if !more {
			return i, nil
		}
		if _, err := s.Sweep(ctx); err != nil {
			return i + 1, err
		}
	}
	return maxSweeps, nil
}

package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/store"
)

// ResumeDueRuns re-enters at most limit retrying runs whose retry time has
// passed, earliest first, and ticks each of them once. Which runs are due is
// a query on the store; nothing is remembered between calls.
//
// A failure on one run does not stop the others. The returned runs are those
// that were resumed; errors from the rest are combined into the error.
func (e *Engine) ResumeDueRuns(ctx context.Context, limit int) ([]ir.Run, error) {
	if limit <= 0 {
		return []ir.Run{}, nil
	}

	due, err := e.store.ListDueRuns(ctx, e.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("resume due runs: %w", err)
	}

	var errs error
	resumed := make([]ir.Run, 0, len(due))
	for _, run := range due {
		if err := ctx.Err(); err != nil {
			return resumed, multierr.Append(errs, err)
		}
		r, err := e.resume(ctx, run)
		if err != nil {
			e.logger.Error("resume failed", zap.String("run_id", run.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		resumed = append(resumed, r)
	}
	return resumed, errs
}

// Resume re-enters one retrying run if its retry time has passed. A run that
// is not retrying, or not yet due, is returned unchanged.
func (e *Engine) Resume(ctx context.Context, runID string) (ir.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return ir.Run{}, fmt.Errorf("resume: %w", err)
	}
	if !e.isDue(run) {
		return run, nil
	}
	return e.resume(ctx, run)
}

func (e *Engine) isDue(run ir.Run) bool {
	return run.State == ir.RunRetrying &&
		run.NextRetryAt != nil &&
		!run.NextRetryAt.After(e.clock.Now())
}

func (e *Engine) resume(ctx context.Context, run ir.Run) (ir.Run, error) {
	running, err := e.update(ctx, run, func(_ *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
		r.NextRetryAt = nil
		summary := fmt.Sprintf("retry %d of %d started", r.RetryCount, r.MaxRetries)
		return one(e.transition(r, ir.RunRunning, ir.ActivityRetryResumed, summary, now))
	})
	if err != nil {
		return e.resolveConflict(ctx, run.ID, fmt.Errorf("resume %s: %w", run.ID, err))
	}
	return e.tick(ctx, running)
}

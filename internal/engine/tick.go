package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/errand/internal/capability"
	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/primitive"
	"github.com/roach88/errand/internal/store"
)

// Tick performs at most one bounded unit of work on a run: evaluate the
// gates for the current step, execute it if every gate passes, and apply the
// outcome. A run in any state other than ready or running is returned
// unchanged.
//
// Gate order:
//  1. capability allowlist (denied: blocked)
//  2. hard spend cap (exceeded: blocked, nothing charged, nothing executed)
//  3. step approval (declared, or outbound send: needs_approval)
//  4. soft spend cap (exceeded: needs_approval for the spend)
//
// The returned error is non-nil only for infrastructure failures. Workflow
// outcomes, including step failures and policy denials, are recorded on the
// run.
func (e *Engine) Tick(ctx context.Context, runID string) (ir.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return ir.Run{}, fmt.Errorf("tick: %w", err)
	}
	return e.tick(ctx, run)
}

func (e *Engine) tick(ctx context.Context, run ir.Run) (ir.Run, error) {
	if !run.State.IsTickable() {
		return run, nil
	}

	step, ok := run.CurrentStep()
	if !ok {
		failed, err := e.update(ctx, run, func(_ *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
			return e.failNoStep(r, now)
		})
		if err != nil {
			return e.resolveConflict(ctx, run.ID, fmt.Errorf("tick %s: %w", run.ID, err))
		}
		return failed, nil
	}

	claimed, err := e.claim(ctx, run, step)
	if errors.Is(err, errAttemptHeld) {
		e.logger.Debug("step is executing under another tick",
			zap.String("run_id", run.ID),
			zap.String("step_id", step.ID),
		)
		return e.Get(ctx, run.ID)
	}
	if err != nil {
		return e.resolveConflict(ctx, run.ID, fmt.Errorf("tick %s: %w", run.ID, err))
	}
	if claimed.State != ir.RunRunning {
		return claimed, nil
	}

	res, err := e.execute(ctx, claimed, step)
	if err != nil {
		return ir.Run{}, fmt.Errorf("tick %s step %s: %w", run.ID, step.ID, err)
	}

	settled, err := e.settle(ctx, claimed, step, res)
	if err != nil {
		return e.resolveConflict(ctx, run.ID, fmt.Errorf("tick %s step %s: %w", run.ID, step.ID, err))
	}
	return settled, nil
}

// update applies fn to a copy of run inside one transaction and saves it
// conditionally on run.Version.
func (e *Engine) update(ctx context.Context, run ir.Run, fn func(tx *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error)) (ir.Run, error) {
	now := e.clock.Now()
	var (
		updated    ir.Run
		activities []ir.Activity
	)
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		updated = run
		var err error
		activities, err = fn(tx, &updated, now)
		if err != nil {
			return err
		}
		return e.save(ctx, tx, &updated, activities...)
	})
	if err != nil {
		return ir.Run{}, err
	}
	e.logTransitions(updated, activities)
	return updated, nil
}

// resolveConflict turns a lost conditional update into a no-op: the current
// row is returned as if this caller had never acted.
func (e *Engine) resolveConflict(ctx context.Context, runID string, err error) (ir.Run, error) {
	if !errors.Is(err, store.ErrConflict) {
		return ir.Run{}, err
	}
	e.logger.Debug("run changed concurrently, leaving it to the other writer", zap.String("run_id", runID))
	return e.Get(ctx, runID)
}

// errAttemptHeld rolls back a claim whose attempt is reserved by a tick
// that is still executing it.
var errAttemptHeld = errors.New("step attempt is held by another tick")

// claim moves a ready run to running, evaluates the gates and reserves the
// step attempt, all in one transaction. Saving bumps the version even when
// nothing else changes, so a concurrent tick that read the same row loses
// here. A tick that read the row after this claim committed finds the
// reservation and gets errAttemptHeld. The returned run is still running
// only if every gate passed.
func (e *Engine) claim(ctx context.Context, run ir.Run, step ir.Step) (ir.Run, error) {
	return e.update(ctx, run, func(tx *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
		var activities []ir.Activity
		if r.State == ir.RunReady {
			a, err := e.transition(r, ir.RunRunning, ir.ActivityRunStarted, "run started", now)
			if err != nil {
				return nil, err
			}
			activities = append(activities, a)
		}
		r.UpdatedAt = now

		gated, err := e.checkGates(ctx, tx, r, step, now)
		if err != nil {
			return nil, err
		}
		if len(gated) > 0 {
			return append(activities, gated...), nil
		}
		if err := e.reserve(ctx, tx, *r, step, now); err != nil {
			return nil, err
		}
		return activities, nil
	})
}

// reserve takes the attempt the run is about to execute. A finished attempt
// needs no reservation; it is reused by execute. A reservation older than
// the lease belongs to a tick that died and is taken over.
func (e *Engine) reserve(ctx context.Context, tx *store.Tx, r ir.Run, step ir.Step, now time.Time) error {
	action := actionFor(r, step, now)
	key := ir.ExecutionKey(action.ID, r.RetryCount)
	stored, reserved, err := tx.ReserveExecution(ctx, action, key, r.RetryCount, now)
	if err != nil || reserved || stored.Status != ir.ExecutionInFlight {
		return err
	}
	if now.Sub(stored.CreatedAt) < e.lease {
		return errAttemptHeld
	}
	took, err := tx.TakeOverExecution(ctx, key, stored.CreatedAt, now)
	if err != nil {
		return err
	}
	if !took {
		return errAttemptHeld
	}
	e.logger.Warn("taking over an expired step reservation",
		zap.String("run_id", r.ID),
		zap.String("step_id", step.ID),
		zap.Time("held_since", stored.CreatedAt),
	)
	return nil
}

func actionFor(r ir.Run, step ir.Step, now time.Time) ir.Action {
	return ir.Action{
		ID:        ir.ActionID(r.ID, step.ID),
		RunID:     r.ID,
		StepID:    step.ID,
		Primitive: step.Primitive,
		Input:     step.Input,
		CreatedAt: now,
	}
}

// checkGates returns no activities when the step may execute.
func (e *Engine) checkGates(ctx context.Context, tx *store.Tx, r *ir.Run, step ir.Step, now time.Time) ([]ir.Activity, error) {
	if err := capability.Check(step.Primitive, capability.NewSet(r.Allowed...)); err != nil {
		var denied *capability.DeniedError
		if !errors.As(err, &denied) {
			return nil, err
		}
		r.FailureReason = denied.Reason
		return one(e.transition(r, ir.RunBlocked, ir.ActivityPolicyBlocked, denied.Reason, now))
	}

	charged, err := tx.HasSpendEntry(ctx, ir.SpendKey(r.ID, step.ID))
	if err != nil {
		return nil, err
	}
	projected := r.SpendCentsActual + step.CostCents

	if !charged && r.SpendCentsCapHard > 0 && projected > r.SpendCentsCapHard {
		reason := fmt.Sprintf("step %s would bring spend to %d cents, over the hard cap of %d cents",
			step.ID, projected, r.SpendCentsCapHard)
		r.FailureReason = reason
		return one(e.transition(r, ir.RunBlocked, ir.ActivitySpendBlocked, reason, now))
	}

	if capability.RequiresApproval(step) {
		approved, err := tx.HasApproval(ctx, r.ID, step.ID, ir.ApprovalStep, ir.ApprovalApproved)
		if err != nil {
			return nil, err
		}
		if !approved {
			return e.requestApproval(ctx, tx, r, step, ir.ApprovalStep, now)
		}
	}

	if !charged && step.CostCents > 0 && r.SpendCentsCapSoft > 0 && projected > r.SpendCentsCapSoft {
		approved, err := tx.HasApproval(ctx, r.ID, step.ID, ir.ApprovalSpend, ir.ApprovalApproved)
		if err != nil {
			return nil, err
		}
		if !approved {
			return e.requestApproval(ctx, tx, r, step, ir.ApprovalSpend, now)
		}
	}

	return nil, nil
}

func (e *Engine) requestApproval(ctx context.Context, tx *store.Tx, r *ir.Run, step ir.Step, kind ir.ApprovalKind, now time.Time) ([]ir.Activity, error) {
	payload := ir.ApprovalPayload{
		Primitive: step.Primitive,
		Risk:      step.Risk,
		Input:     step.Input,
		CostCents: step.CostCents,
	}
	activity := ir.ActivityApprovalRequested
	summary := fmt.Sprintf("approval needed to run %s (%s risk)", step.Primitive, step.Risk)
	if kind == ir.ApprovalSpend {
		payload.ProjectedCents = r.SpendCentsActual + step.CostCents
		payload.SoftCapCents = r.SpendCentsCapSoft
		activity = ir.ActivitySpendApprovalRequest
		summary = fmt.Sprintf("approval needed to spend %d cents, bringing the total to %d over the soft cap of %d",
			step.CostCents, payload.ProjectedCents, r.SpendCentsCapSoft)
	}

	if _, err := tx.InsertApproval(ctx, ir.Approval{
		ID:        e.ids.Generate(),
		RunID:     r.ID,
		StepID:    step.ID,
		ActionID:  ir.ActionID(r.ID, step.ID),
		Kind:      kind,
		Payload:   payload,
		Status:    ir.ApprovalPending,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return one(e.transition(r, ir.RunNeedsApproval, activity, summary, now))
}

// stepResult is what one execution attempt produced.
type stepResult struct {
	action  ir.Action
	exec    ir.ActionExecution
	missing *primitive.MissingFieldError
	stored  bool
}

// execute performs the current step under the reservation claim took, or
// returns the stored result when this attempt already finished.
func (e *Engine) execute(ctx context.Context, run ir.Run, step ir.Step) (stepResult, error) {
	res := stepResult{action: actionFor(run, step, e.clock.Now())}
	actionID := res.action.ID
	key := ir.ExecutionKey(actionID, run.RetryCount)

	stored, err := e.store.GetExecution(ctx, key)
	if err == nil && stored.Status != ir.ExecutionInFlight {
		e.logger.Debug("reusing stored execution",
			zap.String("run_id", run.ID),
			zap.String("step_id", step.ID),
			zap.Int("attempt", run.RetryCount),
		)
		res.exec = stored
		res.stored = true
		return res, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return stepResult{}, err
	}

	answers, err := e.store.ClarificationAnswers(ctx, run.ID, step.ID)
	if err != nil {
		return stepResult{}, e.release(ctx, key, err)
	}
	outputs, err := e.store.StepOutputs(ctx, run.ID)
	if err != nil {
		return stepResult{}, e.release(ctx, key, err)
	}
	prior := make(map[string]primitive.Output, len(outputs))
	for id, out := range outputs {
		prior[id] = primitive.Output(out)
	}

	out, execErr := e.executor.Execute(ctx, primitive.StepContext{
		RunID:          run.ID,
		StepID:         step.ID,
		ActionID:       actionID,
		Primitive:      step.Primitive,
		Input:          step.Input,
		Answers:        answers,
		Prior:          prior,
		IdempotencyKey: key,
		Attempt:        run.RetryCount,
		ProviderKind:   run.ProviderKind,
		ProviderTier:   run.ProviderTier,
	})
	if ctxErr := ctx.Err(); ctxErr != nil && execErr != nil {
		// Shutting down is not the step's fault. The reservation is
		// dropped, so the next tick runs the attempt again under the same key.
		return stepResult{}, e.release(ctx, key, ctxErr)
	}

	res.exec = ir.ActionExecution{
		IdempotencyKey: key,
		ActionID:       actionID,
		Attempt:        run.RetryCount,
		CreatedAt:      e.clock.Now(),
	}
	if execErr == nil {
		res.exec.Status = ir.ExecutionSucceeded
		res.exec.Output = copyMap(out)
		return res, nil
	}

	if mf, ok := primitive.AsMissingField(execErr); ok {
		res.missing = mf
		return res, nil
	}

	retryable, reason := primitive.Classify(execErr)
	res.exec.Status = ir.ExecutionFailed
	res.exec.Retryable = retryable
	res.exec.Reason = reason
	e.logger.Warn("step failed",
		zap.String("run_id", run.ID),
		zap.String("step_id", step.ID),
		zap.Bool("retryable", retryable),
		zap.Error(execErr),
	)
	return res, nil
}

// release drops the reservation on key after execute gave up with cause.
// It runs even when ctx is already canceled.
func (e *Engine) release(ctx context.Context, key string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.ReleaseExecution(ctx, key)
	})
	if err != nil {
		e.logger.Error("could not release step reservation", zap.String("key", key), zap.Error(err))
	}
	return cause
}

// settle records the attempt in its own transaction and then applies the
// outcome to the run.
func (e *Engine) settle(ctx context.Context, run ir.Run, step ir.Step, res stepResult) (ir.Run, error) {
	if res.missing != nil {
		mf := res.missing
		return e.update(ctx, run, func(tx *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
			// The attempt did not happen; it runs again once answered.
			if err := tx.ReleaseExecution(ctx, res.exec.IdempotencyKey); err != nil {
				return nil, err
			}
			if _, err := tx.InsertClarification(ctx, ir.Clarification{
				ID:        e.ids.Generate(),
				RunID:     r.ID,
				StepID:    step.ID,
				FieldKey:  mf.FieldKey,
				Question:  mf.Question,
				Status:    ir.ClarificationPending,
				CreatedAt: now,
			}); err != nil {
				return nil, err
			}
			summary := fmt.Sprintf("step %s needs %s: %s", step.ID, mf.FieldKey, mf.Question)
			return one(e.transition(r, ir.RunNeedsClarification, ir.ActivityClarificationRequest, summary, now))
		})
	}

	exec := res.exec
	if !res.stored {
		err := e.store.InTx(ctx, func(tx *store.Tx) error {
			var err error
			exec, _, err = tx.RecordExecution(ctx, res.action, res.exec)
			return err
		})
		if err != nil {
			return ir.Run{}, err
		}
	}

	return e.update(ctx, run, func(tx *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
		if exec.Status == ir.ExecutionSucceeded {
			return e.succeedStep(ctx, tx, r, step, exec.Output, now)
		}
		return e.failStep(r, exec, now)
	})
}

func (e *Engine) succeedStep(ctx context.Context, tx *store.Tx, r *ir.Run, step ir.Step, output map[string]string, now time.Time) ([]ir.Activity, error) {
	if step.CostCents > 0 {
		inserted, err := tx.InsertSpendEntry(ctx, ir.SpendEntry{
			RunID:          r.ID,
			StepID:         step.ID,
			Cents:          step.CostCents,
			IdempotencyKey: ir.SpendKey(r.ID, step.ID),
			CreatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		if inserted {
			r.SpendCentsActual += step.CostCents
		}
	}

	done, err := e.transition(r, ir.RunRunning, ir.ActivityStepSucceeded,
		fmt.Sprintf("step %s (%s) succeeded", step.ID, step.Primitive), now)
	if err != nil {
		return nil, err
	}

	if !r.IsLastStep() {
		r.CurrentStepIndex++
		return []ir.Activity{done}, nil
	}

	r.Outcome = copyMap(output)
	finished, err := e.transition(r, ir.RunSucceeded, ir.ActivityRunSucceeded,
		fmt.Sprintf("all %d steps completed", len(r.Plan.Steps)), now)
	if err != nil {
		return nil, err
	}
	return []ir.Activity{done, finished}, nil
}

func (e *Engine) failStep(r *ir.Run, exec ir.ActionExecution, now time.Time) ([]ir.Activity, error) {
	if exec.Retryable && r.RetryCount < r.MaxRetries {
		r.RetryCount++
		at := now.Add(e.backoff.Delay(r.RetryCount))
		r.NextRetryAt = &at
		summary := fmt.Sprintf("retry %d of %d scheduled: %s", r.RetryCount, r.MaxRetries, exec.Reason)
		return one(e.transition(r, ir.RunRetrying, ir.ActivityRetryScheduled, summary, now))
	}

	reason := exec.Reason
	if exec.Retryable && r.MaxRetries > 0 {
		reason = fmt.Sprintf("gave up after %d retries: %s", r.RetryCount, exec.Reason)
	}
	r.FailureReason = reason
	return one(e.transition(r, ir.RunFailed, ir.ActivityRunFailed, reason, now))
}

// failNoStep handles a run whose step index points past its plan.
func (e *Engine) failNoStep(r *ir.Run, now time.Time) ([]ir.Activity, error) {
	var activities []ir.Activity
	if r.State == ir.RunReady {
		a, err := e.transition(r, ir.RunRunning, ir.ActivityRunStarted, "run started", now)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	r.FailureReason = fmt.Sprintf("plan has no step at position %d", r.CurrentStepIndex)
	a, err := e.transition(r, ir.RunFailed, ir.ActivityRunFailed, r.FailureReason, now)
	if err != nil {
		return nil, err
	}
	return append(activities, a), nil
}

func one(a ir.Activity, err error) ([]ir.Activity, error) {
	if err != nil {
		return nil, err
	}
	return []ir.Activity{a}, nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

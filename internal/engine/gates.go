package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/store"
)

// ErrEmptyAnswer is returned when a clarification answer is blank.
var ErrEmptyAnswer = errors.New("clarification answer must not be empty")

// maxCancelAttempts bounds how often Cancel re-reads a run that keeps
// changing under it.
const maxCancelAttempts = 3

// Approve grants a pending approval and resumes the run on the same step.
//
// A spend approval charges the step's cost to the ledger in the same
// transaction, so the charge is visible before the step runs and is never
// made twice. Approving an approval that is no longer pending is a no-op
// that returns the run as it is.
func (e *Engine) Approve(ctx context.Context, approvalID string) (ir.Run, error) {
	approval, run, err := e.loadApproval(ctx, approvalID)
	if err != nil {
		return ir.Run{}, fmt.Errorf("approve: %w", err)
	}
	if approval.Status != ir.ApprovalPending || run.State != ir.RunNeedsApproval {
		return run, nil
	}
	step, ok := stepByID(run.Plan, approval.StepID)
	if !ok {
		return ir.Run{}, fmt.Errorf("approve %s: run %s has no step %q", approvalID, run.ID, approval.StepID)
	}

	approved, err := e.update(ctx, run, func(tx *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
		if err := tx.ResolveApproval(ctx, approval.ID, ir.ApprovalApproved, now); err != nil {
			return nil, err
		}
		summary := fmt.Sprintf("%s approval granted for step %s", approval.Kind, step.ID)
		if approval.Kind == ir.ApprovalSpend && step.CostCents > 0 {
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
			summary = fmt.Sprintf("spend of %d cents approved for step %s", step.CostCents, step.ID)
		}
		return one(e.transition(r, ir.RunRunning, ir.ActivityApprovalGranted, summary, now))
	})
	if err != nil {
		return e.resolveConflict(ctx, run.ID, fmt.Errorf("approve %s: %w", approvalID, err))
	}
	return e.tick(ctx, approved)
}

// Reject refuses a pending approval. Rejection is terminal: the run is
// canceled and any other open gate on it is closed.
func (e *Engine) Reject(ctx context.Context, approvalID string) (ir.Run, error) {
	approval, run, err := e.loadApproval(ctx, approvalID)
	if err != nil {
		return ir.Run{}, fmt.Errorf("reject: %w", err)
	}
	if approval.Status != ir.ApprovalPending || run.State != ir.RunNeedsApproval {
		return run, nil
	}

	rejected, err := e.update(ctx, run, func(tx *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
		if err := tx.ResolveApproval(ctx, approval.ID, ir.ApprovalRejected, now); err != nil {
			return nil, err
		}
		if _, err := tx.CancelOpenPauses(ctx, r.ID, now); err != nil {
			return nil, err
		}
		r.NextRetryAt = nil
		summary := fmt.Sprintf("%s approval for step %s was rejected", approval.Kind, approval.StepID)
		return one(e.transition(r, ir.RunCanceled, ir.ActivityApprovalRejected, summary, now))
	})
	if err != nil {
		return e.resolveConflict(ctx, run.ID, fmt.Errorf("reject %s: %w", approvalID, err))
	}
	return rejected, nil
}

func (e *Engine) loadApproval(ctx context.Context, id string) (ir.Approval, ir.Run, error) {
	approval, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return ir.Approval{}, ir.Run{}, err
	}
	run, err := e.store.GetRun(ctx, approval.RunID)
	if err != nil {
		return ir.Approval{}, ir.Run{}, err
	}
	return approval, run, nil
}

// SubmitClarificationAnswer records the answer and re-runs the step that
// asked for it, with the answer available to the executor.
func (e *Engine) SubmitClarificationAnswer(ctx context.Context, clarificationID, answer string) (ir.Run, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return ir.Run{}, ErrEmptyAnswer
	}

	c, err := e.store.GetClarification(ctx, clarificationID)
	if err != nil {
		return ir.Run{}, fmt.Errorf("answer clarification: %w", err)
	}
	run, err := e.store.GetRun(ctx, c.RunID)
	if err != nil {
		return ir.Run{}, fmt.Errorf("answer clarification: %w", err)
	}
	if c.Status != ir.ClarificationPending || run.State != ir.RunNeedsClarification {
		return run, nil
	}

	answered, err := e.update(ctx, run, func(tx *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
		if err := tx.AnswerClarification(ctx, c.ID, answer, now); err != nil {
			return nil, err
		}
		summary := fmt.Sprintf("%s answered for step %s", c.FieldKey, c.StepID)
		return one(e.transition(r, ir.RunRunning, ir.ActivityClarificationAnswered, summary, now))
	})
	if err != nil {
		return e.resolveConflict(ctx, run.ID, fmt.Errorf("answer clarification %s: %w", clarificationID, err))
	}
	return e.tick(ctx, answered)
}

// Cancel moves any non-terminal run to canceled and closes its open gates in
// the same transaction. Canceling a terminal run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) (ir.Run, error) {
	for attempt := 1; ; attempt++ {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return ir.Run{}, fmt.Errorf("cancel: %w", err)
		}
		if run.State.IsTerminal() {
			return run, nil
		}

		canceled, err := e.update(ctx, run, func(tx *store.Tx, r *ir.Run, now time.Time) ([]ir.Activity, error) {
			if _, err := tx.CancelOpenPauses(ctx, r.ID, now); err != nil {
				return nil, err
			}
			r.NextRetryAt = nil
			return one(e.transition(r, ir.RunCanceled, ir.ActivityRunCanceled, "run canceled", now))
		})
		if errors.Is(err, store.ErrConflict) && attempt < maxCancelAttempts {
			continue
		}
		if err != nil {
			return ir.Run{}, fmt.Errorf("cancel %s: %w", runID, err)
		}
		return canceled, nil
	}
}

func stepByID(plan ir.Plan, id string) (ir.Step, bool) {
	for _, s := range plan.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return ir.Step{}, false
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/errand/internal/ir"
)

func insertAction(ctx context.Context, tx *sql.Tx, action ir.Action) error {
	input, err := marshalJSON(action.Input)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO actions (id, run_id, step_id, primitive, input, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, action.ID, action.RunID, action.StepID, string(action.Primitive), input, toMillis(action.CreatedAt)); err != nil {
		return fmt.Errorf("insert action %s: %w", action.ID, err)
	}
	return nil
}

// ReserveExecution claims an attempt before it runs by writing an in_flight
// row under its idempotency key. Only the caller that gets reserved=true may
// execute the attempt. Otherwise the stored row is returned: either a
// finished attempt to reuse or another caller's reservation.
func (t *Tx) ReserveExecution(ctx context.Context, action ir.Action, key string, attempt int, at time.Time) (stored ir.ActionExecution, reserved bool, err error) {
	if err := insertAction(ctx, t.tx, action); err != nil {
		return ir.ActionExecution{}, false, fmt.Errorf("reserve execution: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO action_executions (idempotency_key, action_id, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, key, action.ID, attempt, string(ir.ExecutionInFlight), toMillis(at))
	if err != nil {
		return ir.ActionExecution{}, false, fmt.Errorf("reserve execution %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.ActionExecution{}, false, fmt.Errorf("reserve execution: rows affected: %w", err)
	}
	if n > 0 {
		return ir.ActionExecution{
			IdempotencyKey: key,
			ActionID:       action.ID,
			Attempt:        attempt,
			Status:         ir.ExecutionInFlight,
			CreatedAt:      at,
		}, true, nil
	}
	stored, err = getExecution(ctx, t.tx, key)
	if err != nil {
		return ir.ActionExecution{}, false, err
	}
	return stored, false, nil
}

// TakeOverExecution moves an in_flight reservation made at heldSince to a
// new holder. It reports false when the reservation changed in the meantime.
func (t *Tx) TakeOverExecution(ctx context.Context, key string, heldSince, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE action_executions SET created_at = ?
		WHERE idempotency_key = ? AND status = ? AND created_at = ?
	`, toMillis(at), key, string(ir.ExecutionInFlight), toMillis(heldSince))
	if err != nil {
		return false, fmt.Errorf("take over execution %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("take over execution: rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseExecution drops an in_flight reservation so the attempt can run
// again later. Finished attempts are left alone.
func (t *Tx) ReleaseExecution(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM action_executions WHERE idempotency_key = ? AND status = ?
	`, key, string(ir.ExecutionInFlight)); err != nil {
		return fmt.Errorf("release execution %s: %w", key, err)
	}
	return nil
}

// RecordExecution stores how one attempt at an action ended. The action row
// is created on first use, and an in_flight reservation under the same key
// is finished in place. If a finished execution with the same key already
// exists the stored row is returned with inserted=false, so recording the
// same attempt twice is harmless.
func (t *Tx) RecordExecution(ctx context.Context, action ir.Action, exec ir.ActionExecution) (stored ir.ActionExecution, inserted bool, err error) {
	if err := insertAction(ctx, t.tx, action); err != nil {
		return ir.ActionExecution{}, false, fmt.Errorf("record execution: %w", err)
	}

	output, err := marshalJSON(exec.Output)
	if err != nil {
		return ir.ActionExecution{}, false, fmt.Errorf("record execution: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO action_executions (idempotency_key, action_id, attempt, status, retryable, reason, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			status = excluded.status,
			retryable = excluded.retryable,
			reason = excluded.reason,
			output = excluded.output,
			created_at = excluded.created_at
		WHERE action_executions.status = ?
	`, exec.IdempotencyKey, exec.ActionID, exec.Attempt, string(exec.Status),
		boolToInt(exec.Retryable), exec.Reason, output, toMillis(exec.CreatedAt),
		string(ir.ExecutionInFlight))
	if err != nil {
		return ir.ActionExecution{}, false, fmt.Errorf("insert execution %s: %w", exec.IdempotencyKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.ActionExecution{}, false, fmt.Errorf("insert execution: rows affected: %w", err)
	}
	if n > 0 {
		return exec, true, nil
	}

	stored, err = getExecution(ctx, t.tx, exec.IdempotencyKey)
	if err != nil {
		return ir.ActionExecution{}, false, err
	}
	return stored, false, nil
}

// GetExecution returns the stored row of an attempt, which may still be
// in_flight. Returns an error wrapping ErrNotFound if the attempt was never
// reserved or recorded.
func (s *Store) GetExecution(ctx context.Context, key string) (ir.ActionExecution, error) {
	return getExecution(ctx, s.db, key)
}

func getExecution(ctx context.Context, q querier, key string) (ir.ActionExecution, error) {
	var (
		e         ir.ActionExecution
		status    string
		retryable int
		output    string
		createdAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT idempotency_key, action_id, attempt, status, retryable, reason, output, created_at
		FROM action_executions WHERE idempotency_key = ?
	`, key).Scan(&e.IdempotencyKey, &e.ActionID, &e.Attempt, &status, &retryable, &e.Reason, &output, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ActionExecution{}, notFound("execution", key)
	}
	if err != nil {
		return ir.ActionExecution{}, fmt.Errorf("get execution %s: %w", key, err)
	}
	e.Status = ir.ExecutionStatus(status)
	e.Retryable = retryable != 0
	if e.Output, err = unmarshalStringMap(output); err != nil {
		return ir.ActionExecution{}, fmt.Errorf("get execution %s output: %w", key, err)
	}
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}

// CountExecutions returns how many attempts were recorded for an action.
func (s *Store) CountExecutions(ctx context.Context, actionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM action_executions WHERE action_id = ?
	`, actionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// StepOutputs returns the output of every successfully executed step of a
// run, keyed by step id.
func (s *Store) StepOutputs(ctx context.Context, runID string) (map[string]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.step_id, e.output
		FROM action_executions e
		JOIN actions a ON a.id = e.action_id
		WHERE a.run_id = ? AND e.status = ?
		ORDER BY e.created_at ASC
	`, runID, string(ir.ExecutionSucceeded))
	if err != nil {
		return nil, fmt.Errorf("query step outputs: %w", err)
	}
	defer rows.Close()

	outputs := map[string]map[string]string{}
	for rows.Next() {
		var stepID, raw string
		if err := rows.Scan(&stepID, &raw); err != nil {
			return nil, fmt.Errorf("scan step output: %w", err)
		}
		out, err := unmarshalStringMap(raw)
		if err != nil {
			return nil, fmt.Errorf("step %s output: %w", stepID, err)
		}
		outputs[stepID] = out
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step outputs: %w", err)
	}
	return outputs, nil
}

// InsertSpendEntry charges the ledger. The idempotency key is unique, so a
// repeated charge for the same step reports inserted=false and changes
// nothing.
func (t *Tx) InsertSpendEntry(ctx context.Context, e ir.SpendEntry) (inserted bool, err error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO spend_ledger (run_id, step_id, cents, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, e.RunID, e.StepID, e.Cents, e.IdempotencyKey, toMillis(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert spend entry for run %s step %s: %w", e.RunID, e.StepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert spend entry: rows affected: %w", err)
	}
	return n > 0, nil
}

// HasSpendEntry reports whether the ledger already holds key.
func (t *Tx) HasSpendEntry(ctx context.Context, key string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM spend_ledger WHERE idempotency_key = ?
	`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check spend entry: %w", err)
	}
	return n > 0, nil
}

// ListSpendEntries returns a run's ledger in charge order.
func (s *Store) ListSpendEntries(ctx context.Context, runID string) ([]ir.SpendEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, cents, idempotency_key, created_at
		FROM spend_ledger WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query spend ledger: %w", err)
	}
	defer rows.Close()

	entries := []ir.SpendEntry{}
	for rows.Next() {
		var (
			e         ir.SpendEntry
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepID, &e.Cents, &e.IdempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("scan spend entry: %w", err)
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spend ledger: %w", err)
	}
	return entries, nil
}

// InsertReceipt writes the receipt for a terminal run. A run has at most one
// receipt; later inserts are ignored.
func (t *Tx) InsertReceipt(ctx context.Context, r ir.Receipt) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO receipts (run_id, final_state, summary, spend_cents, steps_completed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, r.RunID, string(r.FinalState), r.Summary, r.SpendCents, r.StepsCompleted, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert receipt for run %s: %w", r.RunID, err)
	}
	return nil
}

// GetReceipt returns the receipt for a run.
func (s *Store) GetReceipt(ctx context.Context, runID string) (ir.Receipt, error) {
	var (
		r         ir.Receipt
		state     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, final_state, summary, spend_cents, steps_completed, created_at
		FROM receipts WHERE run_id = ?
	`, runID).Scan(&r.RunID, &state, &r.Summary, &r.SpendCents, &r.StepsCompleted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Receipt{}, notFound("receipt", runID)
	}
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("get receipt %s: %w", runID, err)
	}
	r.FinalState = ir.RunState(state)
	r.CreatedAt = fromMillis(createdAt)
	return r, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/errand/internal/ir"
)

const runColumns = `id, workflow_instance_id, state, plan, current_step_index, provider_kind,
	provider_tier, allowed, idempotency_key, retry_count, max_retries, next_retry_at,
	spend_cents_actual, spend_cents_cap_soft, spend_cents_cap_hard, failure_reason,
	outcome, version, created_at, updated_at`

// GetRun retrieves a run by id. Returns an error wrapping ErrNotFound if the
// run does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (ir.Run, error) {
	return getRun(ctx, s.db, id)
}

// GetRun reads a run inside the transaction.
func (t *Tx) GetRun(ctx context.Context, id string) (ir.Run, error) {
	return getRun(ctx, t.tx, id)
}

func getRun(ctx context.Context, q querier, id string) (ir.Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Run{}, notFound("run", id)
	}
	return run, err
}

// GetRunByKey retrieves a run by its idempotency key.
func (s *Store) GetRunByKey(ctx context.Context, key string) (ir.Run, error) {
	return getRunByKey(ctx, s.db, key)
}

// GetRunByKey retrieves a run by its idempotency key inside the transaction.
func (t *Tx) GetRunByKey(ctx context.Context, key string) (ir.Run, error) {
	return getRunByKey(ctx, t.tx, key)
}

func getRunByKey(ctx context.Context, q querier, key string) (ir.Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Run{}, notFound("run with key", key)
	}
	return run, err
}

// InsertRun inserts a new run. Uses ON CONFLICT(idempotency_key) DO NOTHING,
// so a second insert with the same key reports inserted=false and leaves the
// existing row untouched.
func (t *Tx) InsertRun(ctx context.Context, run ir.Run) (inserted bool, err error) {
	plan, err := marshalJSON(run.Plan)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	allowed := run.Allowed
	if allowed == nil {
		allowed = []ir.Primitive{}
	}
	allowedJSON, err := marshalJSON(allowed)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	outcome, err := marshalJSON(run.Outcome)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		run.ID,
		run.WorkflowInstanceID,
		string(run.State),
		plan,
		run.CurrentStepIndex,
		run.ProviderKind,
		run.ProviderTier,
		allowedJSON,
		run.IdempotencyKey,
		run.RetryCount,
		run.MaxRetries,
		toNullMillis(run.NextRetryAt),
		run.SpendCentsActual,
		run.SpendCentsCapSoft,
		run.SpendCentsCapHard,
		run.FailureReason,
		outcome,
		run.Version,
		toMillis(run.CreatedAt),
		toMillis(run.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert run: rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateRun writes the mutable fields of run if and only if the stored
// version still equals run.Version. On success the stored version is
// run.Version+1; callers must bump their copy. Returns ErrConflict if the
// row changed since it was read.
//
// The plan, allowlist, idempotency key and caps are immutable after
// creation and are not written.
func (t *Tx) UpdateRun(ctx context.Context, run ir.Run) error {
	outcome, err := marshalJSON(run.Outcome)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE runs
		SET state = ?,
			current_step_index = ?,
			retry_count = ?,
			next_retry_at = ?,
			spend_cents_actual = ?,
			failure_reason = ?,
			outcome = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(run.State),
		run.CurrentStepIndex,
		run.RetryCount,
		toNullMillis(run.NextRetryAt),
		run.SpendCentsActual,
		run.FailureReason,
		outcome,
		toMillis(run.UpdatedAt),
		run.ID,
		run.Version,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: rows affected: %w", run.ID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ListDueRuns returns retrying runs whose next_retry_at is at or before now,
// earliest first, at most limit of them.
func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]ir.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, id ASC
		LIMIT ?
	`, string(ir.RunRetrying), toMillis(now), limit)
}

// ListRunsByState returns runs in any of the given states, oldest first, at
// most limit of them.
func (s *Store) ListRunsByState(ctx context.Context, states []ir.RunState, limit int) ([]ir.Run, error) {
	if len(states) == 0 {
		return []ir.Run{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, limit)

	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, args...)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]ir.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []ir.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row scanner) (ir.Run, error) {
	var (
		run                    ir.Run
		state                  string
		plan, allowed, outcome string
		nextRetryAt            sql.NullInt64
		createdAt, updatedAt   int64
	)
	err := row.Scan(
		&run.ID,
		&run.WorkflowInstanceID,
		&state,
		&plan,
		&run.CurrentStepIndex,
		&run.ProviderKind,
		&run.ProviderTier,
		&allowed,
		&run.IdempotencyKey,
		&run.RetryCount,
		&run.MaxRetries,
		&nextRetryAt,
		&run.SpendCentsActual,
		&run.SpendCentsCapSoft,
		&run.SpendCentsCapHard,
		&run.FailureReason,
		&outcome,
		&run.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Run{}, err
		}
		return ir.Run{}, fmt.Errorf("scan run: %w", err)
	}

	run.State = ir.RunState(state)
	if err := unmarshalJSON(plan, &run.Plan); err != nil {
		return ir.Run{}, fmt.Errorf("scan run %s plan: %w", run.ID, err)
	}
	run.Allowed = []ir.Primitive{}
	if err := unmarshalJSON(allowed, &run.Allowed); err != nil {
		return ir.Run{}, fmt.Errorf("scan run %s allowed: %w", run.ID, err)
	}
	if run.Outcome, err = unmarshalStringMap(outcome); err != nil {
		return ir.Run{}, fmt.Errorf("scan run %s outcome: %w", run.ID, err)
	}
	run.NextRetryAt = fromNullMillis(nextRetryAt)
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return run, nil
}

// AppendActivity appends one audit row.
func (t *Tx) AppendActivity(ctx context.Context, a ir.Activity) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO activities (run_id, kind, from_state, to_state, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.RunID, a.Kind, string(a.FromState), string(a.ToState), a.Summary, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("append activity %s for run %s: %w", a.Kind, a.RunID, err)
	}
	return nil
}

// ListActivities returns a run's audit trail in insertion order.
func (s *Store) ListActivities(ctx context.Context, runID string) ([]ir.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, from_state, to_state, summary, created_at
		FROM activities
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	activities := []ir.Activity{}
	for rows.Next() {
		var (
			a         ir.Activity
			from, to  string
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &from, &to, &a.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.FromState = ir.RunState(from)
		a.ToState = ir.RunState(to)
		a.CreatedAt = fromMillis(createdAt)
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return activities, nil
}

// CountActivities returns how many activity rows of kind exist for a run.
func (s *Store) CountActivities(ctx context.Context, runID, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activities WHERE run_id = ? AND kind = ?
	`, runID, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return n, nil
}

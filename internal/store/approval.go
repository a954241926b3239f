package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/errand/internal/ir"
)

const approvalColumns = `id, run_id, step_id, action_id, kind, payload, status, created_at, resolved_at`

// InsertApproval opens an approval gate. At most one pending approval may
// exist per (run, step, kind); a second insert reports inserted=false.
func (t *Tx) InsertApproval(ctx context.Context, a ir.Approval) (inserted bool, err error) {
	payload, err := marshalJSON(a.Payload)
	if err != nil {
		return false, fmt.Errorf("insert approval: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		a.ID, a.RunID, a.StepID, a.ActionID, string(a.Kind), payload, string(a.Status),
		toMillis(a.CreatedAt), toNullMillis(a.ResolvedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert approval for run %s step %s: %w", a.RunID, a.StepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert approval: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetApproval retrieves an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (ir.Approval, error) {
	return getApproval(ctx, s.db, id)
}

// GetApproval reads an approval inside the transaction.
func (t *Tx) GetApproval(ctx context.Context, id string) (ir.Approval, error) {
	return getApproval(ctx, t.tx, id)
}

func getApproval(ctx context.Context, q querier, id string) (ir.Approval, error) {
	row := q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Approval{}, notFound("approval", id)
	}
	return a, err
}

// ResolveApproval moves a pending approval to status. Returns ErrConflict if
// the approval is no longer pending.
func (t *Tx) ResolveApproval(ctx context.Context, id string, status ir.ApprovalStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(status), toMillis(at), id, string(ir.ApprovalPending))
	if err != nil {
		return fmt.Errorf("resolve approval %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// HasApproval reports whether an approval with the given status exists for
// the step.
func (t *Tx) HasApproval(ctx context.Context, runID, stepID string, kind ir.ApprovalKind, status ir.ApprovalStatus) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approvals
		WHERE run_id = ? AND step_id = ? AND kind = ? AND status = ?
	`, runID, stepID, string(kind), string(status)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	return n > 0, nil
}

// ListPendingApprovals returns every open approval, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]ir.Approval, error) {
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`, string(ir.ApprovalPending))
}

// ListApprovals returns every approval ever opened on a run.
func (s *Store) ListApprovals(ctx context.Context, runID string) ([]ir.Approval, error) {
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE run_id = ?
		ORDER BY created_at ASC, id ASC
	`, runID)
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]ir.Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	approvals := []ir.Approval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return approvals, nil
}

func scanApproval(row scanner) (ir.Approval, error) {
	var (
		a                  ir.Approval
		kind, status, body string
		createdAt          int64
		resolvedAt         sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.RunID, &a.StepID, &a.ActionID, &kind, &body, &status, &createdAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Approval{}, err
		}
		return ir.Approval{}, fmt.Errorf("scan approval: %w", err)
	}
	if err := unmarshalJSON(body, &a.Payload); err != nil {
		return ir.Approval{}, fmt.Errorf("scan approval %s payload: %w", a.ID, err)
	}
	a.Kind = ir.ApprovalKind(kind)
	a.Status = ir.ApprovalStatus(status)
	a.CreatedAt = fromMillis(createdAt)
	a.ResolvedAt = fromNullMillis(resolvedAt)
	return a, nil
}

const clarificationColumns = `id, run_id, step_id, field_key, question, answer, status, created_at, resolved_at`

// InsertClarification opens a clarification gate. At most one pending
// clarification may exist per (run, step, field).
func (t *Tx) InsertClarification(ctx context.Context, c ir.Clarification) (inserted bool, err error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO clarifications (`+clarificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		c.ID, c.RunID, c.StepID, c.FieldKey, c.Question, c.Answer, string(c.Status),
		toMillis(c.CreatedAt), toNullMillis(c.ResolvedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert clarification for run %s step %s: %w", c.RunID, c.StepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert clarification: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetClarification retrieves a clarification by id.
func (s *Store) GetClarification(ctx context.Context, id string) (ir.Clarification, error) {
	return getClarification(ctx, s.db, id)
}

// GetClarification reads a clarification inside the transaction.
func (t *Tx) GetClarification(ctx context.Context, id string) (ir.Clarification, error) {
	return getClarification(ctx, t.tx, id)
}

func getClarification(ctx context.Context, q querier, id string) (ir.Clarification, error) {
	row := q.QueryRowContext(ctx, `SELECT `+clarificationColumns+` FROM clarifications WHERE id = ?`, id)
	c, err := scanClarification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Clarification{}, notFound("clarification", id)
	}
	return c, err
}

// AnswerClarification records the answer on a pending clarification.
// Returns ErrConflict if it is no longer pending.
func (t *Tx) AnswerClarification(ctx context.Context, id, answer string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE clarifications SET status = ?, answer = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(ir.ClarificationAnswered), answer, toMillis(at), id, string(ir.ClarificationPending))
	if err != nil {
		return fmt.Errorf("answer clarification %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("answer clarification %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ClarificationAnswers returns the answered fields for one step. When a field
// was asked more than once the latest answer wins.
func (s *Store) ClarificationAnswers(ctx context.Context, runID, stepID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_key, answer FROM clarifications
		WHERE run_id = ? AND step_id = ? AND status = ?
		ORDER BY resolved_at ASC, id ASC
	`, runID, stepID, string(ir.ClarificationAnswered))
	if err != nil {
		return nil, fmt.Errorf("query clarification answers: %w", err)
	}
	defer rows.Close()

	answers := map[string]string{}
	for rows.Next() {
		var key, answer string
		if err := rows.Scan(&key, &answer); err != nil {
			return nil, fmt.Errorf("scan clarification answer: %w", err)
		}
		answers[key] = answer
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clarification answers: %w", err)
	}
	return answers, nil
}

// ListPendingClarifications returns every open clarification, oldest first.
func (s *Store) ListPendingClarifications(ctx context.Context) ([]ir.Clarification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clarificationColumns+` FROM clarifications
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`, string(ir.ClarificationPending))
	if err != nil {
		return nil, fmt.Errorf("query clarifications: %w", err)
	}
	defer rows.Close()

	clarifications := []ir.Clarification{}
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, err
		}
		clarifications = append(clarifications, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clarifications: %w", err)
	}
	return clarifications, nil
}

func scanClarification(row scanner) (ir.Clarification, error) {
	var (
		c          ir.Clarification
		status     string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.RunID, &c.StepID, &c.FieldKey, &c.Question, &c.Answer, &status, &createdAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Clarification{}, err
		}
		return ir.Clarification{}, fmt.Errorf("scan clarification: %w", err)
	}
	c.Status = ir.ClarificationStatus(status)
	c.CreatedAt = fromMillis(createdAt)
	c.ResolvedAt = fromNullMillis(resolvedAt)
	return c, nil
}

// CancelOpenPauses cancels every pending approval and clarification on a
// run and returns how many rows changed.
func (t *Tx) CancelOpenPauses(ctx context.Context, runID string, at time.Time) (int64, error) {
	var total int64

	res, err := t.tx.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = ?
		WHERE run_id = ? AND status = ?
	`, string(ir.ApprovalCanceled), toMillis(at), runID, string(ir.ApprovalPending))
	if err != nil {
		return 0, fmt.Errorf("cancel approvals for run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel approvals: rows affected: %w", err)
	}
	total += n

	res, err = t.tx.ExecContext(ctx, `
		UPDATE clarifications SET status = ?, resolved_at = ?
		WHERE run_id = ? AND status = ?
	`, string(ir.ClarificationCanceled), toMillis(at), runID, string(ir.ClarificationPending))
	if err != nil {
		return 0, fmt.Errorf("cancel clarifications for run %s: %w", runID, err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel clarifications: rows affected: %w", err)
	}
	return total + n, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/errand/internal/ir"
)

const missionColumns = `id, request_key, template_kind, status, provider, failure_reason,
	child_runs_count, terminal_children_count, summary, version, created_at, updated_at`

// InsertMission inserts a mission row. Re-inserting the same id reports
// inserted=false.
func (t *Tx) InsertMission(ctx context.Context, m ir.Mission) (inserted bool, err error) {
	summary, err := marshalSummary(m.Summary)
	if err != nil {
		return false, fmt.Errorf("insert mission: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO missions (`+missionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID, m.RequestKey, m.TemplateKind, string(m.Status), m.Provider, m.FailureReason,
		m.ChildRunsCount, m.TerminalChildrenCount, summary, m.Version,
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert mission %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert mission: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetMission retrieves a mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (ir.Mission, error) {
	return getMission(ctx, s.db, id)
}

// GetMission reads a mission inside the transaction.
func (t *Tx) GetMission(ctx context.Context, id string) (ir.Mission, error) {
	return getMission(ctx, t.tx, id)
}

func getMission(ctx context.Context, q querier, id string) (ir.Mission, error) {
	row := q.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Mission{}, notFound("mission", id)
	}
	return m, err
}

// UpdateMission writes the mutable mission fields if the stored version
// still equals m.Version, bumping it. Returns ErrConflict otherwise.
func (t *Tx) UpdateMission(ctx context.Context, m ir.Mission) error {
	summary, err := marshalSummary(m.Summary)
	if err != nil {
		return fmt.Errorf("update mission: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE missions
		SET status = ?,
			failure_reason = ?,
			child_runs_count = ?,
			terminal_children_count = ?,
			summary = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(m.Status), m.FailureReason, m.ChildRunsCount, m.TerminalChildrenCount,
		summary, toMillis(m.UpdatedAt), m.ID, m.Version,
	)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update mission %s: rows affected: %w", m.ID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ListMissionsByStatus returns missions with the given status, oldest first.
func (s *Store) ListMissionsByStatus(ctx context.Context, status ir.MissionStatus, limit int) ([]ir.Mission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+missionColumns+` FROM missions
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()

	missions := []ir.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missions: %w", err)
	}
	return missions, nil
}

func scanMission(row scanner) (ir.Mission, error) {
	var (
		m                    ir.Mission
		status               string
		summary              sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&m.ID, &m.RequestKey, &m.TemplateKind, &status, &m.Provider, &m.FailureReason,
		&m.ChildRunsCount, &m.TerminalChildrenCount, &summary, &m.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Mission{}, err
		}
		return ir.Mission{}, fmt.Errorf("scan mission: %w", err)
	}
	m.Status = ir.MissionStatus(status)
	if summary.Valid {
		var s ir.MissionSummary
		if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
			return ir.Mission{}, fmt.Errorf("scan mission %s summary: %w", m.ID, err)
		}
		m.Summary = &s
	}
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return m, nil
}

// marshalSummary stores an absent summary as NULL so "summary exists" is a
// column check.
func marshalSummary(s *ir.MissionSummary) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal mission summary: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const childColumns = `mission_id, child_key, source, run_id, run_role, status, run_state, reason, position, start_request`

// UpsertMissionChild records a child join row. An existing row for the same
// (mission, child key) is kept as is and returned with inserted=false.
func (t *Tx) UpsertMissionChild(ctx context.Context, c ir.MissionChild) (stored ir.MissionChild, inserted bool, err error) {
	start, err := marshalJSON(c.Start)
	if err != nil {
		return ir.MissionChild{}, false, fmt.Errorf("insert mission child %s/%s: %w", c.MissionID, c.ChildKey, err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO mission_child_runs (`+childColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mission_id, child_key) DO NOTHING
	`,
		c.MissionID, c.ChildKey, c.Source, c.RunID, string(c.Role), string(c.Status),
		string(c.RunState), c.Reason, c.Position, start,
	)
	if err != nil {
		return ir.MissionChild{}, false, fmt.Errorf("insert mission child %s/%s: %w", c.MissionID, c.ChildKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.MissionChild{}, false, fmt.Errorf("insert mission child: rows affected: %w", err)
	}
	if n > 0 {
		return c, true, nil
	}

	stored, err = t.GetMissionChild(ctx, c.MissionID, c.ChildKey)
	if err != nil {
		return ir.MissionChild{}, false, err
	}
	return stored, false, nil
}

// GetMissionChild reads one child row inside the transaction.
func (t *Tx) GetMissionChild(ctx context.Context, missionID, childKey string) (ir.MissionChild, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+childColumns+` FROM mission_child_runs WHERE mission_id = ? AND child_key = ?
	`, missionID, childKey)
	c, err := scanChild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.MissionChild{}, notFound("mission child", missionID+"/"+childKey)
	}
	return c, err
}

// UpdateMissionChild refreshes the denormalized run state of a child.
func (t *Tx) UpdateMissionChild(ctx context.Context, c ir.MissionChild) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE mission_child_runs
		SET run_id = ?, status = ?, run_state = ?, reason = ?
		WHERE mission_id = ? AND child_key = ?
	`, c.RunID, string(c.Status), string(c.RunState), c.Reason, c.MissionID, c.ChildKey)
	if err != nil {
		return fmt.Errorf("update mission child %s/%s: %w", c.MissionID, c.ChildKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update mission child: rows affected: %w", err)
	}
	if n == 0 {
		return notFound("mission child", c.MissionID+"/"+c.ChildKey)
	}
	return nil
}

// ListMissionChildren returns a mission's children in draft order.
func (s *Store) ListMissionChildren(ctx context.Context, missionID string) ([]ir.MissionChild, error) {
	return listMissionChildren(ctx, s.db, missionID)
}

// ListMissionChildren reads a mission's children inside the transaction.
func (t *Tx) ListMissionChildren(ctx context.Context, missionID string) ([]ir.MissionChild, error) {
	return listMissionChildren(ctx, t.tx, missionID)
}

func listMissionChildren(ctx context.Context, q querier, missionID string) ([]ir.MissionChild, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+childColumns+` FROM mission_child_runs
		WHERE mission_id = ?
		ORDER BY position ASC, child_key ASC
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("query mission children: %w", err)
	}
	defer rows.Close()

	children := []ir.MissionChild{}
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mission children: %w", err)
	}
	return children, nil
}

func scanChild(row scanner) (ir.MissionChild, error) {
	var (
		c                      ir.MissionChild
		role, status, runState string
		start                  string
	)
	err := row.Scan(&c.MissionID, &c.ChildKey, &c.Source, &c.RunID, &role, &status, &runState, &c.Reason, &c.Position, &start)
	if err != nil {
		return ir.MissionChild{}, fmt.Errorf("scan mission child: %w", err)
	}
	c.Role = ir.ChildRole(role)
	c.Status = ir.ChildStatus(status)
	c.RunState = ir.RunState(runState)
	if start != "" && start != "{}" {
		c.Start = &ir.ChildStart{}
		if err := unmarshalJSON(start, c.Start); err != nil {
			return ir.MissionChild{}, fmt.Errorf("scan mission child %s start: %w", c.ChildKey, err)
		}
	}
	return c, nil
}

// AppendMissionEvent appends one mission audit row.
func (t *Tx) AppendMissionEvent(ctx context.Context, e ir.MissionEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mission_events (mission_id, kind, summary, created_at)
		VALUES (?, ?, ?, ?)
	`, e.MissionID, e.Kind, e.Summary, toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append mission event %s for %s: %w", e.Kind, e.MissionID, err)
	}
	return nil
}

// ListMissionEvents returns a mission's audit trail in insertion order.
func (s *Store) ListMissionEvents(ctx context.Context, missionID string) ([]ir.MissionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mission_id, kind, summary, created_at
		FROM mission_events WHERE mission_id = ?
		ORDER BY id ASC
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("query mission events: %w", err)
	}
	defer rows.Close()

	events := []ir.MissionEvent{}
	for rows.Next() {
		var (
			e         ir.MissionEvent
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.MissionID, &e.Kind, &e.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("scan mission event: %w", err)
		}
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mission events: %w", err)
	}
	return events, nil
}

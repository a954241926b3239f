package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roach88/errand/internal/engine"
	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/store"
)

// maxCancelAttempts bounds how often Cancel re-reads a mission that keeps
// changing under it.
const maxCancelAttempts = 3

// Orchestrator fans a mission out into child runs and joins them. It drives
// children only through the engine's public operations and keeps its own
// state in the mission tables.
//
// Thread-safety: all methods are safe for concurrent use. Mission updates
// are conditional on the mission version, like run updates.
type Orchestrator struct {
	store  *store.Store
	engine *engine.Engine
	clock  engine.Clock
	ids    engine.IDGenerator
	logger *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithClock sets the time source. Default: engine.SystemClock.
func WithClock(c engine.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithIDGenerator sets how ids of missions without a request key are minted.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

// New creates an Orchestrator that starts and advances child runs through e.
func New(s *store.Store, e *engine.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  s,
		engine: e,
		clock:  engine.SystemClock{},
		ids:    engine.UUIDv7Generator{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start persists the mission and starts one run per child.
//
// The mission, every child row and the aggregation slot are written in one
// transaction, each child as pending with what it needs to start. Runs are
// started afterwards; a child whose run was never started stays pending and
// the next Tick starts it.
//
// Start is safe to retry with the same draft. The mission id comes from the
// request key and each child run key from (mission id, child key), so a
// retry reuses every row and run that already exists. A child the engine
// refuses to start is recorded as start_failed and blocks the mission.
func (o *Orchestrator) Start(ctx context.Context, d Draft) (ir.Mission, error) {
	if len(d.Children) == 0 {
		return ir.Mission{}, ErrNoSources
	}

	id := o.ids.Generate()
	if d.RequestKey != "" {
		id = ir.MissionID(d.RequestKey)
	}
	now := o.clock.Now()
	m := ir.Mission{
		ID:             id,
		RequestKey:     d.RequestKey,
		TemplateKind:   d.TemplateKind,
		Status:         ir.MissionRunning,
		Provider:       d.Provider,
		ChildRunsCount: len(d.Children),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := o.store.InTx(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertMission(ctx, m)
		if err != nil {
			return err
		}
		if !inserted {
			m, err = tx.GetMission(ctx, id)
			return err
		}
		for _, spec := range d.Children {
			if _, _, err := tx.UpsertMissionChild(ctx, pendingChild(id, d, spec)); err != nil {
				return err
			}
		}
		if _, _, err := tx.UpsertMissionChild(ctx, ir.MissionChild{
			MissionID: id,
			ChildKey:  d.Aggregator.ChildKey,
			Role:      ir.RoleAggregator,
			Status:    ir.ChildWaiting,
			Position:  d.Aggregator.Position,
		}); err != nil {
			return err
		}
		return tx.AppendMissionEvent(ctx, ir.MissionEvent{
			MissionID: id,
			Kind:      ir.MissionEventCreated,
			Summary:   fmt.Sprintf("%s mission created with %d sources", d.TemplateKind, len(d.Children)),
			CreatedAt: now,
		})
	})
	if err != nil {
		return ir.Mission{}, fmt.Errorf("start mission: %w", err)
	}
	if m.Status.IsTerminal() {
		return m, nil
	}

	children, err := o.store.ListMissionChildren(ctx, id)
	if err != nil {
		return ir.Mission{}, fmt.Errorf("start mission %s: %w", id, err)
	}
	for _, c := range fanOut(children) {
		if !c.IsPending() {
			continue
		}
		if err := o.startChild(ctx, m, c); err != nil {
			return ir.Mission{}, fmt.Errorf("start mission %s: %w", id, err)
		}
	}

	o.logger.Info("mission started",
		zap.String("mission_id", id),
		zap.String("template", d.TemplateKind),
		zap.Int("children", len(d.Children)),
	)
	return o.Get(ctx, id)
}

func pendingChild(missionID string, d Draft, spec ChildSpec) ir.MissionChild {
	return ir.MissionChild{
		MissionID: missionID,
		ChildKey:  spec.ChildKey,
		Source:    spec.Source,
		Role:      ir.RoleChild,
		Status:    ir.ChildPending,
		Position:  spec.Position,
		Start: &ir.ChildStart{
			Plan:              spec.Plan,
			Allowed:           spec.Allowed,
			MaxRetries:        d.MaxRetries,
			SpendCapSoftCents: d.SpendCapSoftCents,
			SpendCapHardCents: d.SpendCapHardCents,
		},
	}
}

var errNoStartRequest = errors.New("child row has no start request")

// startChild starts the run of a pending child and attaches it to the row.
// If the row stopped being pending while the run was being started, the run
// is canceled instead.
func (o *Orchestrator) startChild(ctx context.Context, m ir.Mission, c ir.MissionChild) error {
	next := c
	event := ir.MissionEvent{MissionID: m.ID}

	var (
		run ir.Run
		err = errNoStartRequest
	)
	if c.Start != nil {
		run, err = o.engine.Start(ctx, engine.StartRequest{
			Plan:               c.Start.Plan,
			IdempotencyKey:     ir.ChildRunKey(m.ID, c.ChildKey),
			MaxRetries:         c.Start.MaxRetries,
			WorkflowInstanceID: m.ID,
			ProviderKind:       m.Provider,
			Allowed:            c.Start.Allowed,
			SpendCapSoftCents:  c.Start.SpendCapSoftCents,
			SpendCapHardCents:  c.Start.SpendCapHardCents,
		})
	}
	switch {
	case err == nil:
		next.RunID = run.ID
		next.RunState = run.State
		next.Status = ir.ChildStatusFor(run.State)
		event.Kind = ir.MissionEventChildStarted
		event.Summary = fmt.Sprintf("run %s started for %s", run.ID, c.Source)
	case errors.Is(err, errNoStartRequest) || engine.IsInvalidPlan(err):
		next.Status = ir.ChildStartFailed
		next.Reason = err.Error()
		event.Kind = ir.MissionEventChildStartFailed
		event.Summary = fmt.Sprintf("%s could not be started: %s", c.Source, next.Reason)
		o.logger.Warn("child start failed",
			zap.String("mission_id", m.ID),
			zap.String("source", c.Source),
			zap.Error(err),
		)
	default:
		return fmt.Errorf("start child %s: %w", c.Source, err)
	}

	orphaned := false
	err = o.store.InTx(ctx, func(tx *store.Tx) error {
		orphaned = false
		cur, err := tx.GetMissionChild(ctx, m.ID, c.ChildKey)
		if errors.Is(err, store.ErrNotFound) {
			orphaned = run.ID != ""
			return nil
		}
		if err != nil {
			return err
		}
		if !cur.IsPending() {
			orphaned = run.ID != "" && cur.RunID != run.ID
			return nil
		}
		if err := tx.UpdateMissionChild(ctx, next); err != nil {
			return err
		}
		event.CreatedAt = o.clock.Now()
		return tx.AppendMissionEvent(ctx, event)
	})
	if err != nil {
		return err
	}
	if orphaned {
		o.logger.Warn("child row moved on while its run was starting, canceling the run",
			zap.String("mission_id", m.ID),
			zap.String("run_id", run.ID),
		)
		if _, err := o.engine.Cancel(ctx, run.ID); err != nil {
			return fmt.Errorf("cancel orphaned run %s: %w", run.ID, err)
		}
	}
	return nil
}

// Tick advances every non-terminal child by one bounded step, refreshes the
// child rows and applies the completion contract. A pending child has its
// run started. A paused child is left as it is; a retrying child is resumed
// once its retry time has passed.
//
// Infrastructure errors on individual children do not stop the others. The
// mission is still refreshed from whatever progress was made, and the errors
// are returned combined.
func (o *Orchestrator) Tick(ctx context.Context, missionID string) (ir.Mission, error) {
	return o.TickExcept(ctx, missionID, nil)
}

// TickExcept is Tick, except that child runs in advanced are only refreshed.
// A caller that already advanced some runs in the same pass uses it so no
// run moves more than one step.
func (o *Orchestrator) TickExcept(ctx context.Context, missionID string, advanced map[string]bool) (ir.Mission, error) {
	m, err := o.store.GetMission(ctx, missionID)
	if err != nil {
		return ir.Mission{}, fmt.Errorf("tick mission: %w", err)
	}
	if m.Status.IsTerminal() {
		return m, nil
	}

	children, err := o.store.ListMissionChildren(ctx, missionID)
	if err != nil {
		return ir.Mission{}, fmt.Errorf("tick mission %s: %w", missionID, err)
	}

	var errs error
	for _, c := range fanOut(children) {
		var err error
		switch {
		case c.IsPending():
			err = o.startChild(ctx, m, c)
		case c.IsTerminal() || c.RunID == "" || advanced[c.RunID]:
			continue
		default:
			err = o.advance(ctx, c.RunID)
		}
		if err != nil {
			o.logger.Error("child tick failed",
				zap.String("mission_id", missionID),
				zap.String("child_key", c.ChildKey),
				zap.String("run_id", c.RunID),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
	}

	refreshed, err := o.settle(ctx, missionID, false)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return ir.Mission{}, fmt.Errorf("tick mission %s: %w", missionID, errs)
	}
	return refreshed, nil
}

// advance performs one bounded unit of work on a child run.
func (o *Orchestrator) advance(ctx context.Context, runID string) error {
	run, err := o.engine.Get(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case run.State == ir.RunRetrying:
		_, err = o.engine.Resume(ctx, runID)
	case run.State.IsTickable():
		_, err = o.engine.Tick(ctx, runID)
	}
	return err
}

// Cancel cancels every non-terminal child run, then marks the mission
// canceled. A pending child is closed without a run; if its run was already
// created under the child run key, that run is canceled too. Canceling a
// finished mission is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, missionID string) (ir.Mission, error) {
	for attempt := 1; ; attempt++ {
		m, err := o.store.GetMission(ctx, missionID)
		if err != nil {
			return ir.Mission{}, fmt.Errorf("cancel mission: %w", err)
		}
		if m.Status.IsTerminal() {
			return m, nil
		}

		children, err := o.store.ListMissionChildren(ctx, missionID)
		if err != nil {
			return ir.Mission{}, fmt.Errorf("cancel mission %s: %w", missionID, err)
		}
		for _, c := range fanOut(children) {
			runID := c.RunID
			if c.IsPending() {
				// The run may exist without the row knowing about it yet.
				run, err := o.store.GetRunByKey(ctx, ir.ChildRunKey(missionID, c.ChildKey))
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if err != nil {
					return ir.Mission{}, fmt.Errorf("cancel mission %s: %w", missionID, err)
				}
				runID = run.ID
			}
			if c.IsTerminal() || runID == "" {
				continue
			}
			if _, err := o.engine.Cancel(ctx, runID); err != nil {
				return ir.Mission{}, fmt.Errorf("cancel mission %s: %w", missionID, err)
			}
		}

		canceled, err := o.settle(ctx, missionID, true)
		if errors.Is(err, store.ErrConflict) && attempt < maxCancelAttempts {
			continue
		}
		if err != nil {
			return ir.Mission{}, fmt.Errorf("cancel mission %s: %w", missionID, err)
		}
		return canceled, nil
	}
}

// settle refreshes the child rows from their runs and writes the mission
// status the contract calls for, all in one transaction. With cancel set the
// mission is canceled regardless of its children.
//
// When not canceling, a lost conditional update is a no-op and the current
// mission is returned.
func (o *Orchestrator) settle(ctx context.Context, missionID string, cancel bool) (ir.Mission, error) {
	now := o.clock.Now()
	var (
		result ir.Mission
		events []ir.MissionEvent
	)
	err := o.store.InTx(ctx, func(tx *store.Tx) error {
		events = nil
		m, err := tx.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		result = m
		if m.Status.IsTerminal() {
			return nil
		}

		children, err := tx.ListMissionChildren(ctx, missionID)
		if err != nil {
			return err
		}

		changed := false
		runs := make(map[string]ir.Run)
		for i, c := range children {
			if cancel && c.Role == ir.RoleChild && c.IsPending() {
				next := c
				next.Status = ir.ChildDone
				next.RunState = ir.RunCanceled
				next.Reason = "mission canceled before the run started"
				if err := tx.UpdateMissionChild(ctx, next); err != nil {
					return err
				}
				children[i] = next
				changed = true
				continue
			}
			if c.Role != ir.RoleChild || c.RunID == "" {
				continue
			}
			run, err := tx.GetRun(ctx, c.RunID)
			if err != nil {
				return err
			}
			runs[run.ID] = run
			if c.IsTerminal() {
				continue
			}

			next := c
			next.RunState = run.State
			next.Status = ir.ChildStatusFor(run.State)
			next.Reason = run.FailureReason
			if next == c {
				continue
			}
			if err := tx.UpdateMissionChild(ctx, next); err != nil {
				return err
			}
			children[i] = next
			changed = true
			events = append(events, ir.MissionEvent{
				MissionID: missionID,
				Kind:      ir.MissionEventChildChanged,
				Summary:   fmt.Sprintf("%s: %s -> %s", c.Source, c.RunState, next.RunState),
				CreatedAt: now,
			})
		}

		v := decide(m, children)
		if cancel {
			v = verdict{status: ir.MissionCanceled}
		}
		terminal := countTerminal(children)
		if !changed && v.status == m.Status && terminal == m.TerminalChildrenCount {
			return nil
		}

		m.TerminalChildrenCount = terminal
		m.Status = v.status
		m.FailureReason = v.reason
		m.UpdatedAt = now

		if m.Status.IsTerminal() {
			closing, err := o.closeAggregator(ctx, tx, &m, children, runs, now)
			if err != nil {
				return err
			}
			events = append(events, closing...)
		}

		if err := tx.UpdateMission(ctx, m); err != nil {
			return err
		}
		m.Version++
		for _, e := range events {
			if err := tx.AppendMissionEvent(ctx, e); err != nil {
				return err
			}
		}
		result = m
		return nil
	})
	if errors.Is(err, store.ErrConflict) && !cancel {
		o.logger.Debug("mission changed concurrently, leaving it to the other writer", zap.String("mission_id", missionID))
		return o.Get(ctx, missionID)
	}
	if err != nil {
		return ir.Mission{}, err
	}

	for _, e := range events {
		if e.Kind == ir.MissionEventChildChanged {
			continue
		}
		o.logger.Info("mission event",
			zap.String("mission_id", missionID),
			zap.String("kind", e.Kind),
			zap.String("status", string(result.Status)),
		)
	}
	return result, nil
}

// closeAggregator runs the aggregation step on full success and closes the
// aggregation slot either way.
func (o *Orchestrator) closeAggregator(ctx context.Context, tx *store.Tx, m *ir.Mission, children []ir.MissionChild, runs map[string]ir.Run, now time.Time) ([]ir.MissionEvent, error) {
	var events []ir.MissionEvent
	agg := ir.MissionChild{
		MissionID: m.ID,
		ChildKey:  aggregatorKey,
		Role:      ir.RoleAggregator,
		Status:    ir.ChildDone,
	}

	if m.Status == ir.MissionSucceeded {
		m.Summary = summarize(*m, children, runs, now)
		agg.RunState = ir.RunSucceeded
		events = append(events, ir.MissionEvent{
			MissionID: m.ID,
			Kind:      ir.MissionEventSummaryWritten,
			Summary:   fmt.Sprintf("summary written for %d sources", len(m.Summary.Children)),
			CreatedAt: now,
		})
	} else {
		agg.RunState = ir.RunCanceled
		agg.Reason = "skipped because not every source succeeded"
	}

	if err := tx.UpdateMissionChild(ctx, agg); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	summary := m.FailureReason
	switch m.Status {
	case ir.MissionSucceeded:
		summary = fmt.Sprintf("all %d sources succeeded", len(fanOut(children)))
	case ir.MissionCanceled:
		summary = "mission canceled"
	}
	events = append(events, ir.MissionEvent{
		MissionID: m.ID,
		Kind:      terminalEvent[m.Status],
		Summary:   summary,
		CreatedAt: now,
	})
	return events, nil
}

var terminalEvent = map[ir.MissionStatus]string{
	ir.MissionBlocked:   ir.MissionEventBlocked,
	ir.MissionSucceeded: ir.MissionEventSucceeded,
	ir.MissionFailed:    ir.MissionEventFailed,
	ir.MissionCanceled:  ir.MissionEventCanceled,
}

// Contract reports the completion contract from the stored child rows
// without advancing anything.
func (o *Orchestrator) Contract(ctx context.Context, missionID string) (Contract, error) {
	m, err := o.store.GetMission(ctx, missionID)
	if err != nil {
		return Contract{}, fmt.Errorf("mission contract: %w", err)
	}
	children, err := o.store.ListMissionChildren(ctx, missionID)
	if err != nil {
		return Contract{}, fmt.Errorf("mission contract %s: %w", missionID, err)
	}
	return evaluate(m, children), nil
}

// Get returns a mission by id.
func (o *Orchestrator) Get(ctx context.Context, missionID string) (ir.Mission, error) {
	m, err := o.store.GetMission(ctx, missionID)
	if err != nil {
		return ir.Mission{}, fmt.Errorf("get mission: %w", err)
	}
	return m, nil
}

// Children returns a mission's child rows, the aggregation slot last.
func (o *Orchestrator) Children(ctx context.Context, missionID string) ([]ir.MissionChild, error) {
	return o.store.ListMissionChildren(ctx, missionID)
}

// Events returns a mission's audit trail in order.
func (o *Orchestrator) Events(ctx context.Context, missionID string) ([]ir.MissionEvent, error) {
	return o.store.ListMissionEvents(ctx, missionID)
}

// ListRunning returns up to limit running missions, oldest first.
func (o *Orchestrator) ListRunning(ctx context.Context, limit int) ([]ir.Mission, error) {
	return o.store.ListMissionsByStatus(ctx, ir.MissionRunning, limit)
}

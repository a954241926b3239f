package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/primitive"
	"github.com/roach88/errand/internal/store"
)

// Engine advances runs through the state machine, one bounded tick at a
// time. It holds no scheduling state of its own: everything it needs to pick
// a run back up lives in the store, so an Engine may be discarded and rebuilt
// at any point.
//
// Thread-safety: all methods are safe for concurrent use. Two callers racing
// on the same run are resolved by the store's conditional update; the loser
// returns the winner's row unchanged. A step attempt is reserved before it
// executes, so a tick arriving while another is inside the executor returns
// the row unchanged instead of executing again.
type Engine struct {
	store    *store.Store
	executor primitive.Executor
	clock    Clock
	ids      IDGenerator
	backoff  Backoff
	lease    time.Duration
	logger   *zap.Logger
}

// DefaultExecutionLease is how long a reserved attempt is held before a
// later tick may assume its executor died and take it over.
const DefaultExecutionLease = 5 * time.Minute

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets how run, approval and clarification ids are minted.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithBackoff sets the retry schedule. Default: DefaultBackoff().
func WithBackoff(b Backoff) Option {
	return func(e *Engine) {
		e.backoff = b
	}
}

// WithExecutionLease sets how long a reserved attempt is held. Default:
// DefaultExecutionLease.
func WithExecutionLease(d time.Duration) Option {
	return func(e *Engine) {
		e.lease = d
	}
}

// New creates an Engine over s that performs side effects through ex.
func New(s *store.Store, ex primitive.Executor, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		executor: ex,
		clock:    SystemClock{},
		ids:      UUIDv7Generator{},
		backoff:  DefaultBackoff(),
		lease:    DefaultExecutionLease,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest asks for a new run.
type StartRequest struct {
	Plan               ir.Plan
	IdempotencyKey     string
	MaxRetries         int
	WorkflowInstanceID string
	ProviderKind       string
	ProviderTier       string
	Allowed            []ir.Primitive
	SpendCapSoftCents  int64
	SpendCapHardCents  int64
}

// Start persists a new run in the ready state. It never executes a step.
//
// If a run with the same idempotency key already exists, that run is
// returned unchanged and nothing is written.
func (e *Engine) Start(ctx context.Context, req StartRequest) (ir.Run, error) {
	plan, err := validateStart(req)
	if err != nil {
		return ir.Run{}, err
	}

	now := e.clock.Now()
	allowed := make([]ir.Primitive, len(req.Allowed))
	copy(allowed, req.Allowed)

	run := ir.Run{
		ID:                 e.ids.Generate(),
		WorkflowInstanceID: req.WorkflowInstanceID,
		State:              ir.RunReady,
		Plan:               plan,
		ProviderKind:       req.ProviderKind,
		ProviderTier:       req.ProviderTier,
		Allowed:            allowed,
		IdempotencyKey:     req.IdempotencyKey,
		MaxRetries:         req.MaxRetries,
		SpendCentsCapSoft:  req.SpendCapSoftCents,
		SpendCentsCapHard:  req.SpendCapHardCents,
		Outcome:            map[string]string{},
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if run.WorkflowInstanceID == "" {
		run.WorkflowInstanceID = run.ID
	}

	var (
		result   ir.Run
		inserted bool
	)
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertRun(ctx, run)
		if err != nil {
			return err
		}
		if !inserted {
			result, err = tx.GetRunByKey(ctx, req.IdempotencyKey)
			return err
		}
		result = run
		return tx.AppendActivity(ctx, ir.Activity{
			RunID:     run.ID,
			Kind:      ir.ActivityRunCreated,
			ToState:   ir.RunReady,
			Summary:   fmt.Sprintf("run created with %d steps", len(plan.Steps)),
			CreatedAt: now,
		})
	})
	if err != nil {
		return ir.Run{}, fmt.Errorf("start run: %w", err)
	}

	if inserted {
		e.logger.Info("run created",
			zap.String("run_id", result.ID),
			zap.String("idempotency_key", result.IdempotencyKey),
			zap.Int("steps", len(plan.Steps)),
		)
	} else {
		e.logger.Debug("run already exists for key",
			zap.String("run_id", result.ID),
			zap.String("idempotency_key", result.IdempotencyKey),
		)
	}
	return result, nil
}

// Get returns a run by id.
func (e *Engine) Get(ctx context.Context, runID string) (ir.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return ir.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Activities returns a run's audit trail in order.
func (e *Engine) Activities(ctx context.Context, runID string) ([]ir.Activity, error) {
	return e.store.ListActivities(ctx, runID)
}

// Approvals returns every approval ever opened on a run, oldest first.
func (e *Engine) Approvals(ctx context.Context, runID string) ([]ir.Approval, error) {
	return e.store.ListApprovals(ctx, runID)
}

// PendingApprovals returns every open approval across all runs.
func (e *Engine) PendingApprovals(ctx context.Context) ([]ir.Approval, error) {
	return e.store.ListPendingApprovals(ctx)
}

// PendingClarifications returns every open clarification across all runs.
func (e *Engine) PendingClarifications(ctx context.Context) ([]ir.Clarification, error) {
	return e.store.ListPendingClarifications(ctx)
}

// activeStates are the states the scheduler ticks directly. Paused runs wait
// on a user or on ResumeDueRuns.
var activeStates = []ir.RunState{ir.RunReady, ir.RunRunning}

// ListActive returns up to limit runs that a tick can advance.
func (e *Engine) ListActive(ctx context.Context, limit int) ([]ir.Run, error) {
	return e.store.ListRunsByState(ctx, activeStates, limit)
}

// Receipt returns the receipt of a terminal run.
func (e *Engine) Receipt(ctx context.Context, runID string) (ir.Receipt, error) {
	r, err := e.store.GetReceipt(ctx, runID)
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

// SpendEntries returns the spend ledger of a run.
func (e *Engine) SpendEntries(ctx context.Context, runID string) ([]ir.SpendEntry, error) {
	return e.store.ListSpendEntries(ctx, runID)
}

// transition moves run to state `to` in memory and returns the matching
// activity row. Nothing is written until save.
func (e *Engine) transition(run *ir.Run, to ir.RunState, kind, summary string, now time.Time) (ir.Activity, error) {
	from := run.State
	if !ir.CanTransition(from, to) {
		return ir.Activity{}, &TransitionError{RunID: run.ID, From: from, To: to}
	}
	run.State = to
	run.UpdatedAt = now
	return ir.Activity{
		RunID:     run.ID,
		Kind:      kind,
		FromState: from,
		ToState:   to,
		Summary:   summary,
		CreatedAt: now,
	}, nil
}

// save writes run conditionally on its version, appends the activities and,
// if run became terminal, its receipt. On success run.Version is bumped to
// match the stored row.
func (e *Engine) save(ctx context.Context, tx *store.Tx, run *ir.Run, activities ...ir.Activity) error {
	if err := tx.UpdateRun(ctx, *run); err != nil {
		return err
	}
	run.Version++

	for _, a := range activities {
		if err := tx.AppendActivity(ctx, a); err != nil {
			return err
		}
	}
	if run.State.IsTerminal() {
		last := ""
		if len(activities) > 0 {
			last = activities[len(activities)-1].Summary
		}
		if err := tx.InsertReceipt(ctx, receiptFor(*run, last)); err != nil {
			return err
		}
	}
	return nil
}

// logTransitions emits one line per committed state change.
func (e *Engine) logTransitions(run ir.Run, activities []ir.Activity) {
	for _, a := range activities {
		if a.FromState == a.ToState {
			continue
		}
		e.logger.Info("run transitioned",
			zap.String("run_id", run.ID),
			zap.String("from", string(a.FromState)),
			zap.String("to", string(a.ToState)),
			zap.String("kind", a.Kind),
		)
	}
}

// receiptFor builds the receipt of a terminal run. summary is the text of
// the activity that ended it.
func receiptFor(run ir.Run, summary string) ir.Receipt {
	completed := run.CurrentStepIndex
	if run.State == ir.RunSucceeded {
		completed = len(run.Plan.Steps)
		summary = fmt.Sprintf("completed %d of %d steps", completed, len(run.Plan.Steps))
	}
	return ir.Receipt{
		RunID:          run.ID,
		FinalState:     run.State,
		Summary:        summary,
		SpendCents:     run.SpendCentsActual,
		StepsCompleted: completed,
		CreatedAt:      run.UpdatedAt,
	}
}

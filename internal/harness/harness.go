package harness

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/errand/internal/compiler"
	"github.com/roach88/errand/internal/config"
	"github.com/roach88/errand/internal/engine"
	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/store"
	"github.com/roach88/errand/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenarios against the real engine with a fake clock, sequential
// ids and a scripted executor.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.FakeClock
	exec   *testutil.ScriptedExecutor
	logger *zap.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Compile the workflow and start the run
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions and return the result
//
// An error is returned only when the scenario cannot be set up. Failed
// expectations and assertions are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, zap.NewNop())
}

// RunWithLogger is Run with engine logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *zap.Logger) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:  st,
		clock:  testutil.NewFakeClock(testutil.DefaultTestTime),
		exec:   testutil.NewScriptedExecutor(),
		logger: logger,
	}
	for stepID, outcomes := range scenario.Script {
		for _, o := range outcomes {
			h.exec.Script(stepID, toOutcome(o))
		}
	}
	h.engine = engine.New(st, h.exec,
		engine.WithClock(h.clock),
		engine.WithIDGenerator(engine.NewSequenceGenerator("id")),
		engine.WithLogger(logger),
	)

	ctx := context.Background()

	req, err := startRequest(scenario)
	if err != nil {
		return nil, err
	}
	run, err := h.engine.Start(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	result := NewResult()
	run = h.executeFlow(ctx, run, scenario.Flow, result)

	result.Run = run
	activities, err := h.engine.Activities(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read activities: %w", err)
	}
	result.Trace = traceOf(activities)
	for _, call := range h.exec.Calls() {
		result.Calls[call.StepID]++
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{Store: h.store, Ctx: ctx}) {
		result.AddError(msg)
	}
	return result, nil
}

// startRequest compiles the scenario's workflow into a StartRequest. Defaults
// come from config.Default so scenarios see what the CLI would do.
func startRequest(s *Scenario) (engine.StartRequest, error) {
	workflows, err := compiler.CompileFile(s.Workflow)
	if err != nil {
		return engine.StartRequest{}, fmt.Errorf("failed to compile workflow: %w", err)
	}
	var w *compiler.Workflow
	for _, candidate := range workflows {
		if s.WorkflowName == "" || candidate.Name == s.WorkflowName {
			w = candidate
			break
		}
	}
	if w == nil {
		return engine.StartRequest{}, fmt.Errorf("workflow %q not found in %s", s.WorkflowName, s.Workflow)
	}

	defaults := config.Default()
	defaultAllowed, err := defaults.Allowed()
	if err != nil {
		return engine.StartRequest{}, err
	}

	req := engine.StartRequest{
		Plan:               w.Plan,
		IdempotencyKey:     s.Key,
		MaxRetries:         defaults.Retry.DefaultMaxRetries,
		WorkflowInstanceID: w.Name,
		ProviderKind:       w.ProviderKind,
		ProviderTier:       w.ProviderTier,
		Allowed:            compiler.EffectiveAllowed(w, defaultAllowed),
		SpendCapSoftCents:  w.SpendCapSoftCents,
		SpendCapHardCents:  w.SpendCapHardCents,
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = s.Name
	}
	if w.MaxRetries != nil {
		req.MaxRetries = *w.MaxRetries
	}
	if s.MaxRetries != nil {
		req.MaxRetries = *s.MaxRetries
	}
	if s.Spend != nil {
		req.SpendCapSoftCents = s.Spend.SoftCents
		req.SpendCapHardCents = s.Spend.HardCents
	}
	return req, nil
}

func toOutcome(o ScriptOutcome) testutil.Outcome {
	switch {
	case o.FailRetryable != "":
		return testutil.FailRetryable(o.FailRetryable)
	case o.FailPermanent != "":
		return testutil.FailPermanent(o.FailPermanent)
	case o.Ask != nil:
		return testutil.AskFor(o.Ask.Field, o.Ask.Question)
	default:
		return testutil.Succeed(o.Succeed)
	}
}

// executeFlow applies each step in order. A step whose operation errors
// stops the flow; a state mismatch is recorded and the flow continues.
func (h *Harness) executeFlow(ctx context.Context, run ir.Run, flow []FlowStep, result *Result) ir.Run {
	for i, step := range flow {
		next, err := h.apply(ctx, run, step)
		if err != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.Do, err))
			return run
		}
		run = next
		h.logger.Debug("flow step",
			zap.Int("index", i),
			zap.String("do", step.Do),
			zap.String("state", string(run.State)),
		)
		if step.Expect != "" && run.State != step.Expect {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected state %s, got %s", i, step.Do, step.Expect, run.State))
		}
	}
	return run
}

func (h *Harness) apply(ctx context.Context, run ir.Run, step FlowStep) (ir.Run, error) {
	switch step.Do {
	case DoTick:
		times := step.Times
		if times == 0 {
			times = 1
		}
		var err error
		for i := 0; i < times; i++ {
			if run, err = h.engine.Tick(ctx, run.ID); err != nil {
				return run, err
			}
		}
		return run, nil
	case DoResume:
		return h.engine.Resume(ctx, run.ID)
	case DoAdvance:
		h.clock.Advance(step.Duration)
		return h.engine.Get(ctx, run.ID)
	case DoApprove, DoReject:
		approval, err := h.pendingApproval(ctx, run.ID)
		if err != nil {
			return run, err
		}
		if step.Do == DoApprove {
			return h.engine.Approve(ctx, approval.ID)
		}
		return h.engine.Reject(ctx, approval.ID)
	case DoAnswer:
		c, err := h.pendingClarification(ctx, run.ID)
		if err != nil {
			return run, err
		}
		return h.engine.SubmitClarificationAnswer(ctx, c.ID, step.Answer)
	case DoCancel:
		return h.engine.Cancel(ctx, run.ID)
	default:
		return run, fmt.Errorf("unknown operation %q", step.Do)
	}
}

func (h *Harness) pendingApproval(ctx context.Context, runID string) (ir.Approval, error) {
	pending, err := h.engine.PendingApprovals(ctx)
	if err != nil {
		return ir.Approval{}, err
	}
	for _, a := range pending {
		if a.RunID == runID {
			return a, nil
		}
	}
	return ir.Approval{}, fmt.Errorf("no pending approval")
}

func (h *Harness) pendingClarification(ctx context.Context, runID string) (ir.Clarification, error) {
	pending, err := h.engine.PendingClarifications(ctx)
	if err != nil {
		return ir.Clarification{}, err
	}
	for _, c := range pending {
		if c.RunID == runID {
			return c, nil
		}
	}
	return ir.Clarification{}, fmt.Errorf("no pending clarification")
}

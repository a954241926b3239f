package mission

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/errand/internal/engine"
	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/store"
	"github.com/roach88/errand/internal/testutil"
)

type fixture struct {
	orch   *Orchestrator
	engine *engine.Engine
	store  *store.Store
	clock  *testutil.FakeClock
	exec   *testutil.ScriptedExecutor
}

func setupOrchestrator(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFakeClock(time.Time{})
	exec := testutil.NewScriptedExecutor()
	eng := engine.New(s, exec,
		engine.WithClock(clock),
		engine.WithIDGenerator(engine.NewSequenceGenerator("run")),
	)
	return &fixture{
		orch: New(s, eng,
			WithClock(clock),
			WithIDGenerator(engine.NewSequenceGenerator("mission")),
		),
		engine: eng,
		store:  s,
		clock:  clock,
		exec:   exec,
	}
}

var threeSources = []string{"https://a.example", "https://b.example", "https://c.example"}

func (f *fixture) draft(t *testing.T, template string, sources []string) Draft {
	t.Helper()
	d, err := CreateDraft(template, sources, DraftOptions{RequestKey: "req-" + template, MaxRetries: 1, Allowed: ir.AllPrimitives})
	require.NoError(t, err)
	return d
}

func (f *fixture) start(t *testing.T, d Draft) ir.Mission {
	t.Helper()
	m, err := f.orch.Start(context.Background(), d)
	require.NoError(t, err)
	return m
}

func (f *fixture) tick(t *testing.T, id string) ir.Mission {
	t.Helper()
	m, err := f.orch.Tick(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (f *fixture) children(t *testing.T, id string) []ir.MissionChild {
	t.Helper()
	children, err := f.orch.Children(context.Background(), id)
	require.NoError(t, err)
	return children
}

func (f *fixture) countEvents(t *testing.T, id, kind string) int {
	t.Helper()
	events, err := f.orch.Events(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// TestStart_IsIdempotent checks a retried start creates no second mission
// and no second child run.
func TestStart_IsIdempotent(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()
	d := f.draft(t, TemplateWebResearch, threeSources)

	first := f.start(t, d)
	second := f.start(t, d)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, ir.MissionID(d.RequestKey), first.ID)
	assert.Equal(t, ir.MissionRunning, first.Status)
	assert.Equal(t, 3, first.ChildRunsCount)

	runs, err := f.store.ListRunsByState(ctx, []ir.RunState{ir.RunReady}, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	children := f.children(t, first.ID)
	require.Len(t, children, 4)
	for i, c := range children[:3] {
		assert.Equal(t, ir.RoleChild, c.Role)
		assert.Equal(t, threeSources[i], c.Source)
		assert.NotEmpty(t, c.RunID)
		assert.Equal(t, ir.ChildRunning, c.Status)

		run, err := f.engine.Get(ctx, c.RunID)
		require.NoError(t, err)
		assert.Equal(t, ir.ChildRunKey(first.ID, c.ChildKey), run.IdempotencyKey)
		assert.Equal(t, first.ID, run.WorkflowInstanceID)
	}
	assert.Equal(t, ir.RoleAggregator, children[3].Role)
	assert.Equal(t, ir.ChildWaiting, children[3].Status)

	assert.Equal(t, 1, f.countEvents(t, first.ID, ir.MissionEventCreated))
	assert.Equal(t, 3, f.countEvents(t, first.ID, ir.MissionEventChildStarted))
}

func TestStart_WithoutRequestKeyMintsID(t *testing.T) {
	f := setupOrchestrator(t)
	d, err := CreateDraft(TemplateWebResearch, threeSources[:1], DraftOptions{Allowed: ir.AllPrimitives})
	require.NoError(t, err)

	a := f.start(t, d)
	b := f.start(t, d)
	assert.Equal(t, "mission-1", a.ID)
	assert.Equal(t, "mission-2", b.ID)
}

// TestTick_AllSuccessAggregates covers the full-success join: one summary,
// and none before every child is terminal.
func TestTick_AllSuccessAggregates(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()
	f.exec.Script("summarize", testutil.Succeed(map[string]string{"summary": "done"}))
	m := f.start(t, f.draft(t, TemplateWebResearch, threeSources))

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionRunning, m.Status)
	assert.Nil(t, m.Summary)
	assert.Equal(t, 0, m.TerminalChildrenCount)

	contract, err := f.orch.Contract(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, contract.AllChildrenTerminal)
	assert.False(t, contract.AggregationSummaryExists)

	m = f.tick(t, m.ID)
	require.Equal(t, ir.MissionSucceeded, m.Status)
	assert.Equal(t, 3, m.TerminalChildrenCount)
	assert.Empty(t, m.FailureReason)

	require.NotNil(t, m.Summary)
	assert.Equal(t, "Web research of 3 sources", m.Summary.Title)
	require.Len(t, m.Summary.Children, 3)
	for i, c := range m.Summary.Children {
		assert.Equal(t, threeSources[i], c.Source)
		assert.Equal(t, "done", c.Output["summary"])
		assert.Equal(t, int64(2), c.SpendCents)
	}
	assert.Equal(t, int64(6), m.Summary.TotalSpendCents)

	again := f.tick(t, m.ID)
	assert.Equal(t, m.Version, again.Version)
	assert.Equal(t, 1, f.countEvents(t, m.ID, ir.MissionEventSummaryWritten))
	assert.Equal(t, 1, f.countEvents(t, m.ID, ir.MissionEventSucceeded))

	stored, err := f.orch.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Summary)
	assert.Len(t, stored.Summary.Children, 3)

	children := f.children(t, m.ID)
	assert.Equal(t, ir.ChildDone, children[3].Status)
	assert.Equal(t, ir.RunSucceeded, children[3].RunState)

	contract, err = f.orch.Contract(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, contract.AllChildrenTerminal)
	assert.True(t, contract.AggregationSummaryExists)
	assert.False(t, contract.ReadyToComplete)
}

// TestTick_OneBlockedBlocksMission checks a single blocked child blocks the
// mission and no summary is written.
func TestTick_OneBlockedBlocksMission(t *testing.T) {
	f := setupOrchestrator(t)
	d := f.draft(t, TemplateWebResearch, threeSources)
	// The third child may fetch but not summarize.
	d.Children[2].Allowed = []ir.Primitive{ir.PrimitiveWebFetch}
	m := f.start(t, d)

	m = f.tick(t, m.ID)
	require.Equal(t, ir.MissionRunning, m.Status)
	m = f.tick(t, m.ID)

	assert.Equal(t, ir.MissionBlocked, m.Status)
	assert.Nil(t, m.Summary)
	assert.Contains(t, m.FailureReason, "https://c.example is blocked")
	assert.Contains(t, m.FailureReason, "not allowed to use llm_summarize")

	children := f.children(t, m.ID)
	assert.Equal(t, ir.RunSucceeded, children[0].RunState)
	assert.Equal(t, ir.RunSucceeded, children[1].RunState)
	assert.Equal(t, ir.RunBlocked, children[2].RunState)
	assert.Equal(t, ir.RunCanceled, children[3].RunState, "aggregation slot is closed without running")

	assert.Equal(t, 0, f.countEvents(t, m.ID, ir.MissionEventSummaryWritten))
	assert.Equal(t, 1, f.countEvents(t, m.ID, ir.MissionEventBlocked))
}

func TestTick_ChildFailureFailsMission(t *testing.T) {
	f := setupOrchestrator(t)
	// The first fetch fails for good; every later one succeeds.
	f.exec.Script("fetch", testutil.FailPermanent("the page does not exist"), testutil.Succeed(nil))
	m := f.start(t, f.draft(t, TemplateWebResearch, threeSources))

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionRunning, m.Status, "other children are still working")
	assert.Equal(t, 1, m.TerminalChildrenCount)

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionFailed, m.Status)
	assert.Nil(t, m.Summary)
	assert.Equal(t, "1 of 3 sources did not finish: https://a.example (the page does not exist)", m.FailureReason)
}

// TestTick_StartFailedChildBlocks checks a child the engine refused is
// treated as blocking once the others are done.
func TestTick_StartFailedChildBlocks(t *testing.T) {
	f := setupOrchestrator(t)
	d := f.draft(t, TemplateWebResearch, threeSources)
	d.Children[1].Plan = ir.Plan{}
	m := f.start(t, d)

	children := f.children(t, m.ID)
	assert.Equal(t, ir.ChildStartFailed, children[1].Status)
	assert.Empty(t, children[1].RunID)
	assert.Contains(t, children[1].Reason, "plan has no steps")
	assert.Equal(t, 1, f.countEvents(t, m.ID, ir.MissionEventChildStartFailed))

	contract, err := f.orch.Contract(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, contract.HasBlockedOrPendingChild)
	assert.False(t, contract.AllChildrenTerminal)

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionRunning, m.Status)
	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionBlocked, m.Status)
	assert.Contains(t, m.FailureReason, "https://b.example could not be started")
	assert.Nil(t, m.Summary)
}

// TestTick_PausedChildrenHoldMissionRunning checks children waiting on an
// approval keep the mission running until they resolve.
func TestTick_PausedChildrenHoldMissionRunning(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()
	m := f.start(t, f.draft(t, TemplateOutreach, []string{"pat@example.com", "sam@example.com"}))

	m = f.tick(t, m.ID)
	m = f.tick(t, m.ID)
	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionRunning, m.Status)
	for _, c := range f.children(t, m.ID)[:2] {
		assert.Equal(t, ir.RunNeedsApproval, c.RunState)
		assert.Equal(t, ir.ChildWaiting, c.Status)
	}
	assert.Equal(t, 0, f.exec.CallCount("send"))

	pending, err := f.engine.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, a := range pending {
		_, err := f.engine.Approve(ctx, a.ID)
		require.NoError(t, err)
	}

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionSucceeded, m.Status)
	require.NotNil(t, m.Summary)
	assert.Equal(t, 2, f.exec.CallCount("send"))
}

func TestTick_ResumesDueChildren(t *testing.T) {
	f := setupOrchestrator(t)
	f.exec.Script("fetch", testutil.FailRetryable("busy"), testutil.Succeed(nil))
	m := f.start(t, f.draft(t, TemplateWebResearch, threeSources[:1]))

	m = f.tick(t, m.ID)
	children := f.children(t, m.ID)
	require.Equal(t, ir.RunRetrying, children[0].RunState)

	// Not due: nothing happens.
	m = f.tick(t, m.ID)
	assert.Equal(t, 1, f.exec.CallCount("fetch"))

	f.clock.Advance(time.Second)
	m = f.tick(t, m.ID)
	assert.Equal(t, 2, f.exec.CallCount("fetch"))
	assert.Equal(t, ir.RunRunning, f.children(t, m.ID)[0].RunState)

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionSucceeded, m.Status)
}

// TestCancel_PropagatesToChildren checks every live child run is canceled
// before the mission is.
func TestCancel_PropagatesToChildren(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()
	m := f.start(t, f.draft(t, TemplateOutreach, threeSources))
	m = f.tick(t, m.ID)

	m, err := f.orch.Cancel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.MissionCanceled, m.Status)
	assert.Nil(t, m.Summary)
	assert.Equal(t, 3, m.TerminalChildrenCount)

	for _, c := range f.children(t, m.ID)[:3] {
		run, err := f.engine.Get(ctx, c.RunID)
		require.NoError(t, err)
		assert.Equal(t, ir.RunCanceled, run.State)
		assert.Equal(t, ir.RunCanceled, c.RunState)
	}

	again, err := f.orch.Cancel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Version, again.Version)

	ticked := f.tick(t, m.ID)
	assert.Equal(t, ir.MissionCanceled, ticked.Status)
	assert.Equal(t, 1, f.countEvents(t, m.ID, ir.MissionEventCanceled))
}

func TestListRunning(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()
	a := f.start(t, f.draft(t, TemplateWebResearch, threeSources[:1]))
	b := f.start(t, f.draft(t, TemplateInboxDigest, []string{"inbox@a.example"}))

	_, err := f.orch.Cancel(ctx, a.ID)
	require.NoError(t, err)

	running, err := f.orch.ListRunning(ctx, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)
}

// TestStart_RecordsChildrenWithStartRequest checks every child row carries
// what is needed to start its run.
func TestStart_RecordsChildrenWithStartRequest(t *testing.T) {
	f := setupOrchestrator(t)
	d := f.draft(t, TemplateWebResearch, threeSources)
	m := f.start(t, d)

	for i, c := range f.children(t, m.ID)[:3] {
		require.NotNil(t, c.Start, c.ChildKey)
		assert.Equal(t, d.Children[i].Plan, c.Start.Plan)
		assert.Equal(t, d.Children[i].Allowed, c.Start.Allowed)
		assert.Equal(t, 1, c.Start.MaxRetries)
	}
	assert.Nil(t, f.children(t, m.ID)[3].Start)
}

func (f *fixture) execSQL(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := f.store.DB().ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

// TestTick_MissingChildRowBlocksMission checks a mission never aggregates
// over fewer children than it was created with.
func TestTick_MissingChildRowBlocksMission(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()
	m := f.start(t, f.draft(t, TemplateWebResearch, threeSources))
	f.execSQL(t, `DELETE FROM mission_child_runs WHERE mission_id = ? AND child_key = ?`,
		m.ID, ir.ChildKey(threeSources[1]))

	contract, err := f.orch.Contract(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, contract.HasBlockedOrPendingChild)

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionRunning, m.Status)
	m = f.tick(t, m.ID)

	assert.Equal(t, ir.MissionBlocked, m.Status)
	assert.Equal(t, "1 of 3 sources were never recorded", m.FailureReason)
	assert.Nil(t, m.Summary)
	assert.Equal(t, 0, f.countEvents(t, m.ID, ir.MissionEventSummaryWritten))
}

func TestTick_NoChildRowsBlocksMission(t *testing.T) {
	f := setupOrchestrator(t)
	d, err := CreateDraft(TemplateWebResearch, threeSources, DraftOptions{Allowed: ir.AllPrimitives})
	require.NoError(t, err)
	m := f.start(t, d)
	f.execSQL(t, `DELETE FROM mission_child_runs WHERE mission_id = ? AND run_role = ?`, m.ID, string(ir.RoleChild))

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionBlocked, m.Status)
	assert.Equal(t, "3 of 3 sources were never recorded", m.FailureReason)
	assert.Nil(t, m.Summary)
}

// TestTick_StartsPendingChild checks a child recorded without a run gets
// one on the next tick, and that it is the run already keyed to it.
func TestTick_StartsPendingChild(t *testing.T) {
	f := setupOrchestrator(t)
	m := f.start(t, f.draft(t, TemplateWebResearch, threeSources))
	key := ir.ChildKey(threeSources[1])
	runID := f.children(t, m.ID)[1].RunID
	f.execSQL(t, `UPDATE mission_child_runs SET status = ?, run_id = '', run_state = '' WHERE mission_id = ? AND child_key = ?`,
		string(ir.ChildPending), m.ID, key)

	m = f.tick(t, m.ID)
	assert.Equal(t, ir.MissionRunning, m.Status)
	child := f.children(t, m.ID)[1]
	assert.Equal(t, runID, child.RunID)
	assert.Equal(t, ir.ChildRunning, child.Status)
	assert.Equal(t, 4, f.countEvents(t, m.ID, ir.MissionEventChildStarted))

	for i := 0; i < 3 && !m.Status.IsTerminal(); i++ {
		m = f.tick(t, m.ID)
	}
	require.Equal(t, ir.MissionSucceeded, m.Status)
	require.NotNil(t, m.Summary)
	assert.Len(t, m.Summary.Children, 3)
}

func TestCancel_ClosesPendingChild(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()
	m := f.start(t, f.draft(t, TemplateWebResearch, threeSources))
	runID := f.children(t, m.ID)[0].RunID
	f.execSQL(t, `UPDATE mission_child_runs SET status = ?, run_id = '', run_state = '' WHERE mission_id = ? AND child_key = ?`,
		string(ir.ChildPending), m.ID, ir.ChildKey(threeSources[0]))

	m, err := f.orch.Cancel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.MissionCanceled, m.Status)

	child := f.children(t, m.ID)[0]
	assert.Equal(t, ir.ChildDone, child.Status)
	assert.Equal(t, ir.RunCanceled, child.RunState)
	assert.Equal(t, "mission canceled before the run started", child.Reason)

	run, err := f.engine.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunCanceled, run.State)
}

// TestTick_ConfiguredAllowlistBlocksChild checks a template step outside the
// configured allowlist blocks its child and so the mission.
func TestTick_ConfiguredAllowlistBlocksChild(t *testing.T) {
	f := setupOrchestrator(t)
	d, err := CreateDraft(TemplateOutreach, []string{"pat@example.com"}, DraftOptions{
		RequestKey: "req-outreach",
		Allowed:    []ir.Primitive{ir.PrimitiveLLMDraft, ir.PrimitiveWebFetch},
	})
	require.NoError(t, err)
	assert.Equal(t, []ir.Primitive{ir.PrimitiveLLMDraft}, d.Children[0].Allowed)
	m := f.start(t, d)

	m = f.tick(t, m.ID)
	require.Equal(t, ir.MissionRunning, m.Status)
	m = f.tick(t, m.ID)

	assert.Equal(t, ir.MissionBlocked, m.Status)
	assert.Contains(t, m.FailureReason, "not allowed to use email_send")
	assert.Equal(t, ir.RunBlocked, f.children(t, m.ID)[0].RunState)
	assert.Equal(t, 0, f.exec.CallCount("send"))
}

func TestGet_UnknownMission(t *testing.T) {
	f := setupOrchestrator(t)
	_, err := f.orch.Tick(context.Background(), "missing")
	assert.True(t, engine.IsNotFound(err))
}

package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/errand/internal/ir"
)

// writeScenario writes a workflow file and a scenario referencing it, and
// returns the scenario path.
func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	workflow := `workflow: w: steps: [{id: "a", primitive: "web_fetch"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.cue"), []byte(workflow), 0o644))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validScenario = `
name: valid
description: "Loads cleanly"
workflow: w.cue
max_retries: 1
script:
  a:
    - fail_retryable: "reset"
    - succeed: {body: "ok"}
flow:
  - do: tick
    expect: retrying
  - do: advance
    duration: 250ms
  - do: resume
assertions:
  - type: executor_calls
    step: a
    count: 2
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, validScenario)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "valid", scenario.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "w.cue"), scenario.Workflow)
	require.NotNil(t, scenario.MaxRetries)
	assert.Equal(t, 1, *scenario.MaxRetries)
	require.Len(t, scenario.Script["a"], 2)
	assert.Equal(t, "reset", scenario.Script["a"][0].FailRetryable)
	assert.Equal(t, "ok", scenario.Script["a"][1].Succeed["body"])
	require.Len(t, scenario.Flow, 3)
	assert.Equal(t, ir.RunRetrying, scenario.Flow[0].Expect)
	assert.Equal(t, 250*time.Millisecond, scenario.Flow[1].Duration)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, validScenario+"assertion: []\n")
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing name",
			body: `
description: d
workflow: w.cue
flow: [{do: tick}]
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: "name is required",
		},
		{
			name: "missing workflow file",
			body: `
name: n
description: d
workflow: other.cue
flow: [{do: tick}]
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: "workflow file not found",
		},
		{
			name: "empty flow",
			body: `
name: n
description: d
workflow: w.cue
flow: []
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: "flow list is required",
		},
		{
			name: "unknown operation",
			body: `
name: n
description: d
workflow: w.cue
flow: [{do: jump}]
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: `flow[0]: unknown operation "jump"`,
		},
		{
			name: "advance without duration",
			body: `
name: n
description: d
workflow: w.cue
flow: [{do: advance}]
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: "advance needs a positive duration",
		},
		{
			name: "answer without text",
			body: `
name: n
description: d
workflow: w.cue
flow: [{do: answer}]
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: "answer is required",
		},
		{
			name: "unknown expected state",
			body: `
name: n
description: d
workflow: w.cue
flow: [{do: tick, expect: sleeping}]
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: `unknown run state "sleeping"`,
		},
		{
			name: "two outcomes in one entry",
			body: `
name: n
description: d
workflow: w.cue
script:
  a:
    - {fail_retryable: x, fail_permanent: y}
flow: [{do: tick}]
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: "script.a[0]: exactly one of",
		},
		{
			name: "ask without field",
			body: `
name: n
description: d
workflow: w.cue
script:
  a:
    - ask: {question: "which?"}
flow: [{do: tick}]
assertions: [{type: trace_count, kind: run_started, count: 1}]`,
			want: "ask.field is required",
		},
		{
			name: "missing assertions",
			body: `
name: n
description: d
workflow: w.cue
flow: [{do: tick}]`,
			want: "assertions list is required",
		},
		{
			name: "final_state without table",
			body: `
name: n
description: d
workflow: w.cue
flow: [{do: tick}]
assertions: [{type: final_state, expect: {state: running}}]`,
			want: "table is required",
		},
		{
			name: "executor_calls without step",
			body: `
name: n
description: d
workflow: w.cue
flow: [{do: tick}]
assertions: [{type: executor_calls, count: 1}]`,
			want: "step is required",
		},
		{
			name: "unknown assertion type",
			body: `
name: n
description: d
workflow: w.cue
flow: [{do: tick}]
assertions: [{type: eventually}]`,
			want: `unknown assertion type "eventually"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)
		assert.Equal(t, filepath.Base(path), scenario.Name+".yaml", "scenario name matches its file")
	}
}

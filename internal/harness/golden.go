package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/errand/internal/ir"
)

// TraceSnapshot is what a golden file records for one scenario: the run's
// final state and its activity trail.
type TraceSnapshot struct {
	ScenarioName string
	State        ir.RunState
	RetryCount   int
	SpendCents   int64
	Trace        []TraceEvent
}

// toCanonicalMap converts the snapshot to the value shapes
// ir.MarshalCanonical accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		m := map[string]any{
			"kind": event.Kind,
			"to":   string(event.To),
		}
		if event.From != "" {
			m["from"] = string(event.From)
		}
		if event.Summary != "" {
			m["summary"] = event.Summary
		}
		trace[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"final": map[string]any{
			"state":       string(s.State),
			"retry_count": s.RetryCount,
			"spend_cents": s.SpendCents,
		},
		"trace": trace,
	}
}

// Bytes renders the snapshot as canonical JSON indented by two spaces, with
// a trailing newline.
func (s *TraceSnapshot) Bytes() ([]byte, error) {
	compact, err := ir.MarshalCanonical(s.toCanonicalMap())
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// Snapshot builds the golden snapshot of a result.
func Snapshot(name string, result *Result) *TraceSnapshot {
	return &TraceSnapshot{
		ScenarioName: name,
		State:        result.Run.State,
		RetryCount:   result.Run.RetryCount,
		SpendCents:   result.Run.SpendCentsActual,
		Trace:        result.Trace,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against the golden file named
// scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result).Bytes()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

package harness

import "github.com/roach88/errand/internal/ir"

// TraceEvent is one activity row of the scenario's run, without ids or
// timestamps so traces compare across executions.
type TraceEvent struct {
	Kind    string      `json:"kind"`
	From    ir.RunState `json:"from,omitempty"`
	To      ir.RunState `json:"to"`
	Summary string      `json:"summary,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every flow expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace is the run's activity trail in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Run is the run as it stood after the flow.
	Run ir.Run `json:"-"`

	// Calls counts executor invocations per step id.
	Calls map[string]int `json:"calls,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Calls:  make(map[string]int),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func traceOf(activities []ir.Activity) []TraceEvent {
	trace := make([]TraceEvent, len(activities))
	for i, a := range activities {
		trace[i] = TraceEvent{Kind: a.Kind, From: a.FromState, To: a.ToState, Summary: a.Summary}
	}
	return trace
}

package testutil

import (
	"context"
	"sync"

	"github.com/roach88/errand/internal/primitive"
)

// Outcome is one scripted result of an executor call.
type Outcome struct {
	Output primitive.Output
	Err    error
}

// Succeed returns a successful outcome.
func Succeed(output map[string]string) Outcome {
	return Outcome{Output: output}
}

// FailRetryable returns a transient failure.
func FailRetryable(reason string) Outcome {
	return Outcome{Err: primitive.Retryable(reason)}
}

// FailPermanent returns a failure that must not be retried.
func FailPermanent(reason string) Outcome {
	return Outcome{Err: primitive.Permanent(reason)}
}

// AskFor returns a missing-field outcome.
func AskFor(fieldKey, question string) Outcome {
	return Outcome{Err: primitive.MissingField(fieldKey, question)}
}

// ScriptedExecutor replays scripted outcomes per step id and records every
// call it receives. When a step's script has one outcome left, that outcome
// repeats forever. Unscripted steps succeed with {"step": <id>}.
//
// Thread-safety: safe for concurrent use via internal mutex.
type ScriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string][]Outcome
	calls   []primitive.StepContext
}

// NewScriptedExecutor creates an executor with no scripts.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{scripts: make(map[string][]Outcome)}
}

// Script appends outcomes for stepID and returns the executor for chaining.
func (s *ScriptedExecutor) Script(stepID string, outcomes ...Outcome) *ScriptedExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[stepID] = append(s.scripts[stepID], outcomes...)
	return s
}

// Execute implements primitive.Executor.
func (s *ScriptedExecutor) Execute(_ context.Context, sc primitive.StepContext) (primitive.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sc)

	script := s.scripts[sc.StepID]
	if len(script) == 0 {
		return primitive.Output{"step": sc.StepID}, nil
	}
	next := script[0]
	if len(script) > 1 {
		s.scripts[sc.StepID] = script[1:]
	}
	return next.Output, next.Err
}

// Calls returns every call received so far.
func (s *ScriptedExecutor) Calls() []primitive.StepContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]primitive.StepContext, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times stepID was executed.
func (s *ScriptedExecutor) CallCount(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.StepID == stepID {
			n++
		}
	}
	return n
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/errand/internal/ir"
)

// Scenario drives one run of a compiled workflow through a scripted flow
// and asserts on the resulting activity trail and stored rows.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Workflow is the CUE file to compile, relative to the scenario file.
	Workflow string `yaml:"workflow"`

	// WorkflowName picks a workflow when the file defines more than one.
	WorkflowName string `yaml:"workflow_name,omitempty"`

	// Key is the run's idempotency key. Defaults to Name.
	Key string `yaml:"key,omitempty"`

	// MaxRetries overrides the workflow's retry budget.
	MaxRetries *int `yaml:"max_retries,omitempty"`

	// Spend overrides the workflow's spend caps.
	Spend *SpendClause `yaml:"spend,omitempty"`

	// Script lists executor outcomes per step id, consumed in order. The last
	// outcome repeats. Unscripted steps succeed.
	Script map[string][]ScriptOutcome `yaml:"script,omitempty"`

	// Flow is the sequence of operations applied to the run.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// SpendClause sets spend caps in cents.
type SpendClause struct {
	SoftCents int64 `yaml:"soft_cents"`
	HardCents int64 `yaml:"hard_cents"`
}

// ScriptOutcome is one scripted executor result. Exactly one field is set.
type ScriptOutcome struct {
	Succeed       map[string]string `yaml:"succeed,omitempty"`
	FailRetryable string            `yaml:"fail_retryable,omitempty"`
	FailPermanent string            `yaml:"fail_permanent,omitempty"`
	Ask           *AskClause        `yaml:"ask,omitempty"`
}

// AskClause scripts a missing-field outcome.
type AskClause struct {
	Field    string `yaml:"field"`
	Question string `yaml:"question"`
}

// FlowStep is one operation on the run.
type FlowStep struct {
	// Do is the operation: tick, resume, advance, approve, reject, answer
	// or cancel.
	Do string `yaml:"do"`

	// Times repeats a tick. Defaults to 1.
	Times int `yaml:"times,omitempty"`

	// Duration is how far advance moves the clock.
	Duration time.Duration `yaml:"duration,omitempty"`

	// Answer is the text submitted by answer.
	Answer string `yaml:"answer,omitempty"`

	// Expect is the run state required after the step, if set.
	Expect ir.RunState `yaml:"expect,omitempty"`
}

// Flow operations.
const (
	DoTick    = "tick"
	DoResume  = "resume"
	DoAdvance = "advance"
	DoApprove = "approve"
	DoReject  = "reject"
	DoAnswer  = "answer"
	DoCancel  = "cancel"
)

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an activity of Kind exists, optionally with Summary as a substring
	// - "trace_order": activity Kinds appear in this order
	// - "trace_count": activity Kind appears exactly Count times
	// - "final_state": one row of Table matching Where has the Expect values
	// - "executor_calls": Step was executed exactly Count times
	Type string `yaml:"type"`

	// Kind is the activity kind (trace_contains, trace_count).
	Kind string `yaml:"kind,omitempty"`

	// Summary is a substring the activity summary must contain (trace_contains).
	Summary string `yaml:"summary,omitempty"`

	// Kinds is the expected activity order (trace_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Count is the expected number of occurrences (trace_count, executor_calls).
	Count int `yaml:"count,omitempty"`

	// Step is the step id (executor_calls).
	Step string `yaml:"step,omitempty"`

	// Table is the store table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state).
	// Subset match: only specified columns are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertExecutorCalls = "executor_calls"
)

// LoadScenario reads and parses a scenario YAML file. The workflow path is
// resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Workflow != "" && !filepath.IsAbs(scenario.Workflow) {
		scenario.Workflow = filepath.Join(filepath.Dir(path), scenario.Workflow)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Workflow == "" {
		return fmt.Errorf("workflow is required")
	}
	if _, err := os.Stat(s.Workflow); os.IsNotExist(err) {
		return fmt.Errorf("workflow file not found: %s", s.Workflow)
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for stepID, outcomes := range s.Script {
		for i, o := range outcomes {
			if err := validateOutcome(o); err != nil {
				return fmt.Errorf("script.%s[%d]: %w", stepID, i, err)
			}
		}
	}

	for i, step := range s.Flow {
		if err := validateFlowStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateOutcome(o ScriptOutcome) error {
	set := 0
	if o.Succeed != nil {
		set++
	}
	if o.FailRetryable != "" {
		set++
	}
	if o.FailPermanent != "" {
		set++
	}
	if o.Ask != nil {
		set++
		if o.Ask.Field == "" {
			return fmt.Errorf("ask.field is required")
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of succeed, fail_retryable, fail_permanent or ask is required")
	}
	return nil
}

func validateFlowStep(step FlowStep) error {
	switch step.Do {
	case DoTick, DoResume, DoApprove, DoReject, DoCancel:
	case DoAdvance:
		if step.Duration <= 0 {
			return fmt.Errorf("advance needs a positive duration")
		}
	case DoAnswer:
		if step.Answer == "" {
			return fmt.Errorf("answer is required for answer")
		}
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown operation %q", step.Do)
	}
	if step.Times < 0 {
		return fmt.Errorf("times must be >= 0")
	}
	if step.Expect != "" && !step.Expect.Valid() {
		return fmt.Errorf("unknown run state %q", step.Expect)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertExecutorCalls:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for executor_calls", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

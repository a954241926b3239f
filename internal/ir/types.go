package ir

import (
	"fmt"
	"time"
)

// RunState is a position in the run state machine.
type RunState string

const (
	RunReady              RunState = "ready"
	RunRunning            RunState = "running"
	RunNeedsApproval      RunState = "needs_approval"
	RunNeedsClarification RunState = "needs_clarification"
	RunRetrying           RunState = "retrying"
	RunSucceeded          RunState = "succeeded"
	RunFailed             RunState = "failed"
	RunBlocked            RunState = "blocked"
	RunCanceled           RunState = "canceled"
)

// IsTerminal reports whether no further transition can leave this state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunBlocked, RunCanceled:
		return true
	}
	return false
}

// IsTickable reports whether Tick may do work on a run in this state.
func (s RunState) IsTickable() bool {
	return s == RunReady || s == RunRunning
}

// IsPaused reports whether the run waits on a user action or a retry timer.
func (s RunState) IsPaused() bool {
	switch s {
	case RunNeedsApproval, RunNeedsClarification, RunRetrying:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s RunState) Valid() bool {
	return s.IsTickable() || s.IsPaused() || s.IsTerminal()
}

// transitions is the complete run transition table. A transition missing
// here is a programming error, not a workflow outcome.
var transitions = map[RunState][]RunState{
	RunReady:              {RunRunning, RunCanceled},
	RunRunning:            {RunRunning, RunNeedsApproval, RunNeedsClarification, RunRetrying, RunSucceeded, RunFailed, RunBlocked, RunCanceled},
	RunNeedsApproval:      {RunRunning, RunCanceled},
	RunNeedsClarification: {RunRunning, RunCanceled},
	RunRetrying:           {RunRunning, RunCanceled},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Primitive names one kind of side-effecting capability a step can invoke.
// The set is closed: every kind must have an executor registered.
type Primitive string

const (
	PrimitiveWebFetch     Primitive = "web_fetch"
	PrimitiveEmailRead    Primitive = "email_read"
	PrimitiveLLMSummarize Primitive = "llm_summarize"
	PrimitiveLLMDraft     Primitive = "llm_draft"

	// PrimitiveEmailSend is the reserved outbound primitive. It is never
	// runnable on allowlist membership alone; it always needs an approval.
	PrimitiveEmailSend Primitive = "email_send"
)

// AllPrimitives lists every primitive kind in declaration order.
var AllPrimitives = []Primitive{
	PrimitiveWebFetch,
	PrimitiveEmailRead,
	PrimitiveLLMSummarize,
	PrimitiveLLMDraft,
	PrimitiveEmailSend,
}

// Valid reports whether p is one of the declared kinds.
func (p Primitive) Valid() bool {
	for _, k := range AllPrimitives {
		if k == p {
			return true
		}
	}
	return false
}

// ParsePrimitive converts a string into a Primitive, rejecting unknown kinds.
func ParsePrimitive(s string) (Primitive, error) {
	p := Primitive(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown primitive %q", s)
	}
	return p, nil
}

// RiskTier grades how much damage a step can do if it goes wrong.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Valid reports whether r is a known tier. Empty is not valid; the
// compiler defaults it to low.
func (r RiskTier) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Step is one unit of a plan.
type Step struct {
	ID               string            `json:"id"`
	Primitive        Primitive         `json:"primitive"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	Risk             RiskTier          `json:"risk"`
	CostCents        int64             `json:"cost_cents,omitempty"`
	Input            map[string]string `json:"input,omitempty"`
}

// Plan is the ordered list of steps a run executes.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Run is one instance of a workflow plan progressing through the state
// machine.
type Run struct {
	ID                 string
	WorkflowInstanceID string
	State              RunState
	Plan               Plan
	CurrentStepIndex   int
	ProviderKind       string
	ProviderTier       string
	Allowed            []Primitive
	IdempotencyKey     string
	RetryCount         int
	MaxRetries         int
	NextRetryAt        *time.Time
	SpendCentsActual   int64
	SpendCentsCapSoft  int64
	SpendCentsCapHard  int64
	FailureReason      string
	Outcome            map[string]string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CurrentStep returns the step at CurrentStepIndex.
func (r Run) CurrentStep() (Step, bool) {
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Plan.Steps) {
		return Step{}, false
	}
	return r.Plan.Steps[r.CurrentStepIndex], true
}

// IsLastStep reports whether the current step is the final one in the plan.
func (r Run) IsLastStep() bool {
	return r.CurrentStepIndex == len(r.Plan.Steps)-1
}

// Activity is one append-only audit row on a run.
type Activity struct {
	ID        int64
	RunID     string
	Kind      string
	FromState RunState
	ToState   RunState
	Summary   string
	CreatedAt time.Time
}

// Activity kinds.
const (
	ActivityRunCreated            = "run_created"
	ActivityRunStarted            = "run_started"
	ActivityStepSucceeded         = "step_succeeded"
	ActivityRunSucceeded          = "run_succeeded"
	ActivityApprovalRequested     = "approval_requested"
	ActivitySpendApprovalRequest  = "spend_approval_requested"
	ActivityApprovalGranted       = "approval_granted"
	ActivityApprovalRejected      = "approval_rejected"
	ActivityClarificationRequest  = "clarification_requested"
	ActivityClarificationAnswered = "clarification_answered"
	ActivityRetryScheduled        = "retry_scheduled"
	ActivityRetryResumed          = "retry_resumed"
	ActivityRunFailed             = "run_failed"
	ActivityPolicyBlocked         = "policy_blocked"
	ActivitySpendBlocked          = "spend_blocked"
	ActivityRunCanceled           = "run_canceled"
)

// ApprovalKind distinguishes a risky-step gate from a soft-cap spend gate.
type ApprovalKind string

const (
	ApprovalStep  ApprovalKind = "step"
	ApprovalSpend ApprovalKind = "spend"
)

// ApprovalStatus is the resolution state of an Approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalCanceled ApprovalStatus = "canceled"
)

// ApprovalPayload is the typed body shown to the user when asking for an
// approval.
type ApprovalPayload struct {
	Primitive      Primitive         `json:"primitive"`
	Risk           RiskTier          `json:"risk"`
	Input          map[string]string `json:"input,omitempty"`
	CostCents      int64             `json:"cost_cents,omitempty"`
	ProjectedCents int64             `json:"projected_cents,omitempty"`
	SoftCapCents   int64             `json:"soft_cap_cents,omitempty"`
}

// Approval is a pending authorization gate on one step.
type Approval struct {
	ID         string
	RunID      string
	StepID     string
	ActionID   string
	Kind       ApprovalKind
	Payload    ApprovalPayload
	Status     ApprovalStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// ClarificationStatus is the resolution state of a Clarification.
type ClarificationStatus string

const (
	ClarificationPending  ClarificationStatus = "pending"
	ClarificationAnswered ClarificationStatus = "answered"
	ClarificationCanceled ClarificationStatus = "canceled"
)

// Clarification is a single missing-input question blocking a step.
type Clarification struct {
	ID         string
	RunID      string
	StepID     string
	FieldKey   string
	Question   string
	Answer     string
	Status     ClarificationStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Action is the canonical description of one piece of executable work.
type Action struct {
	ID        string
	RunID     string
	StepID    string
	Primitive Primitive
	Input     map[string]string
	CreatedAt time.Time
}

// ExecutionStatus records where an attempt is. An in_flight attempt has
// been reserved by one tick and is being executed by it.
type ExecutionStatus string

const (
	ExecutionInFlight  ExecutionStatus = "in_flight"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ActionExecution is one attempt to perform an Action.
type ActionExecution struct {
	IdempotencyKey string
	ActionID       string
	Attempt        int
	Status         ExecutionStatus
	Retryable      bool
	Reason         string
	Output         map[string]string
	CreatedAt      time.Time
}

// SpendEntry is one charge against a run's budget.
type SpendEntry struct {
	ID             int64
	RunID          string
	StepID         string
	Cents          int64
	IdempotencyKey string
	CreatedAt      time.Time
}

// Receipt summarizes how a run ended. One per terminal run.
type Receipt struct {
	RunID          string
	FinalState     RunState
	Summary        string
	SpendCents     int64
	StepsCompleted int
	CreatedAt      time.Time
}

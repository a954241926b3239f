package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/roach88/errand/internal/compiler"
	"github.com/roach88/errand/internal/ir"
)

// Views are the JSON shapes the CLI prints.

type runView struct {
	ID                 string            `json:"id"`
	WorkflowInstanceID string            `json:"workflow_instance_id,omitempty"`
	State              ir.RunState       `json:"state"`
	CurrentStep        string            `json:"current_step,omitempty"`
	CurrentStepIndex   int               `json:"current_step_index"`
	Steps              int               `json:"steps"`
	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	NextRetryAt        *time.Time        `json:"next_retry_at,omitempty"`
	SpendCents         int64             `json:"spend_cents"`
	SpendCapSoftCents  int64             `json:"spend_cap_soft_cents,omitempty"`
	SpendCapHardCents  int64             `json:"spend_cap_hard_cents,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	Outcome            map[string]string `json:"outcome,omitempty"`
	Version            int64             `json:"version"`
}

func newRunView(r ir.Run) runView {
	v := runView{
		ID:                 r.ID,
		WorkflowInstanceID: r.WorkflowInstanceID,
		State:              r.State,
		CurrentStepIndex:   r.CurrentStepIndex,
		Steps:              len(r.Plan.Steps),
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		NextRetryAt:        r.NextRetryAt,
		SpendCents:         r.SpendCentsActual,
		SpendCapSoftCents:  r.SpendCentsCapSoft,
		SpendCapHardCents:  r.SpendCentsCapHard,
		FailureReason:      r.FailureReason,
		Outcome:            r.Outcome,
		Version:            r.Version,
	}
	if step, ok := r.CurrentStep(); ok {
		v.CurrentStep = step.ID
	}
	return v
}

func (v runView) renderText(w io.Writer) {
	fmt.Fprintf(w, "run %s: %s (step %d/%d", v.ID, v.State, v.CurrentStepIndex+1, v.Steps)
	if v.CurrentStep != "" {
		fmt.Fprintf(w, " %s", v.CurrentStep)
	}
	fmt.Fprintf(w, ", retries %d/%d, spent %d cents)\n", v.RetryCount, v.MaxRetries, v.SpendCents)
	if v.NextRetryAt != nil {
		fmt.Fprintf(w, "  next retry at %s\n", v.NextRetryAt.Format(time.RFC3339))
	}
	if v.FailureReason != "" {
		fmt.Fprintf(w, "  reason: %s\n", v.FailureReason)
	}
	for _, k := range sortedKeys(v.Outcome) {
		fmt.Fprintf(w, "  %s = %s\n", k, v.Outcome[k])
	}
}

type runList []runView

func (l runList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	for _, v := range l {
		v.renderText(w)
	}
}

type activityView struct {
	Kind      string      `json:"kind"`
	FromState ir.RunState `json:"from_state,omitempty"`
	ToState   ir.RunState `json:"to_state,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type receiptView struct {
	FinalState     ir.RunState `json:"final_state"`
	Summary        string      `json:"summary"`
	SpendCents     int64       `json:"spend_cents"`
	StepsCompleted int         `json:"steps_completed"`
}

// runDetail is what `run show` prints.
type runDetail struct {
	Run        runView        `json:"run"`
	Activities []activityView `json:"activities"`
	Approvals  approvalList   `json:"approvals,omitempty"`
	Receipt    *receiptView   `json:"receipt,omitempty"`
}

func newRunDetail(r ir.Run, acts []ir.Activity, approvals []ir.Approval, receipt *ir.Receipt) runDetail {
	d := runDetail{Run: newRunView(r), Activities: make([]activityView, len(acts))}
	if len(approvals) > 0 {
		d.Approvals = newApprovalList(approvals)
	}
	for i, a := range acts {
		d.Activities[i] = activityView{
			Kind:      a.Kind,
			FromState: a.FromState,
			ToState:   a.ToState,
			Summary:   a.Summary,
			CreatedAt: a.CreatedAt,
		}
	}
	if receipt != nil {
		d.Receipt = &receiptView{
			FinalState:     receipt.FinalState,
			Summary:        receipt.Summary,
			SpendCents:     receipt.SpendCents,
			StepsCompleted: receipt.StepsCompleted,
		}
	}
	return d
}

func (d runDetail) renderText(w io.Writer) {
	d.Run.renderText(w)
	fmt.Fprintln(w, "activity:")
	for _, a := range d.Activities {
		transition := ""
		if a.FromState != "" || a.ToState != "" {
			transition = fmt.Sprintf(" %s -> %s", a.FromState, a.ToState)
		}
		fmt.Fprintf(w, "  %s%s", a.Kind, transition)
		if a.Summary != "" {
			fmt.Fprintf(w, ": %s", a.Summary)
		}
		fmt.Fprintln(w)
	}
	if len(d.Approvals) > 0 {
		fmt.Fprintln(w, "approvals:")
		for _, a := range d.Approvals {
			fmt.Fprintf(w, "  %s %s approval for step %s: %s\n", a.ID, a.Kind, a.StepID, a.Status)
		}
	}
	if d.Receipt != nil {
		fmt.Fprintf(w, "receipt: %s\n", d.Receipt.Summary)
	}
}

type approvalView struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id"`
	StepID    string             `json:"step_id"`
	Kind      ir.ApprovalKind    `json:"kind"`
	Status    ir.ApprovalStatus  `json:"status"`
	Payload   ir.ApprovalPayload `json:"payload"`
	CreatedAt time.Time          `json:"created_at"`
}

type approvalList []approvalView

func newApprovalList(as []ir.Approval) approvalList {
	out := make(approvalList, len(as))
	for i, a := range as {
		out[i] = approvalView{
			ID:        a.ID,
			RunID:     a.RunID,
			StepID:    a.StepID,
			Kind:      a.Kind,
			Status:    a.Status,
			Payload:   a.Payload,
			CreatedAt: a.CreatedAt,
		}
	}
	return out
}

func (l approvalList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no pending approvals")
		return
	}
	for _, a := range l {
		fmt.Fprintf(w, "%s  run %s step %s: %s approval for %s (%s risk", a.ID, a.RunID, a.StepID, a.Kind, a.Payload.Primitive, a.Payload.Risk)
		if a.Kind == ir.ApprovalSpend {
			fmt.Fprintf(w, ", %d cents projected against soft cap %d", a.Payload.ProjectedCents, a.Payload.SoftCapCents)
		}
		fmt.Fprintln(w, ")")
	}
}

type clarificationView struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	StepID    string                 `json:"step_id"`
	FieldKey  string                 `json:"field_key"`
	Question  string                 `json:"question"`
	Status    ir.ClarificationStatus `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
}

type clarificationList []clarificationView

func newClarificationList(cs []ir.Clarification) clarificationList {
	out := make(clarificationList, len(cs))
	for i, c := range cs {
		out[i] = clarificationView{
			ID:        c.ID,
			RunID:     c.RunID,
			StepID:    c.StepID,
			FieldKey:  c.FieldKey,
			Question:  c.Question,
			Status:    c.Status,
			CreatedAt: c.CreatedAt,
		}
	}
	return out
}

func (l clarificationList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no pending clarifications")
		return
	}
	for _, c := range l {
		fmt.Fprintf(w, "%s  run %s step %s needs %s: %s\n", c.ID, c.RunID, c.StepID, c.FieldKey, c.Question)
	}
}

type missionChildView struct {
	ChildKey string         `json:"child_key"`
	Source   string         `json:"source,omitempty"`
	Role     ir.ChildRole   `json:"role"`
	RunID    string         `json:"run_id,omitempty"`
	Status   ir.ChildStatus `json:"status"`
	RunState ir.RunState    `json:"run_state,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

type missionView struct {
	ID                    string             `json:"id"`
	TemplateKind          string             `json:"template_kind"`
	Status                ir.MissionStatus   `json:"status"`
	FailureReason         string             `json:"failure_reason,omitempty"`
	ChildRunsCount        int                `json:"child_runs_count"`
	TerminalChildrenCount int                `json:"terminal_children_count"`
	Summary               *ir.MissionSummary `json:"summary,omitempty"`
	Children              []missionChildView `json:"children,omitempty"`
}

func newMissionView(m ir.Mission, children []ir.MissionChild) missionView {
	v := missionView{
		ID:                    m.ID,
		TemplateKind:          m.TemplateKind,
		Status:                m.Status,
		FailureReason:         m.FailureReason,
		ChildRunsCount:        m.ChildRunsCount,
		TerminalChildrenCount: m.TerminalChildrenCount,
		Summary:               m.Summary,
	}
	for _, c := range children {
		v.Children = append(v.Children, missionChildView{
			ChildKey: c.ChildKey,
			Source:   c.Source,
			Role:     c.Role,
			RunID:    c.RunID,
			Status:   c.Status,
			RunState: c.RunState,
			Reason:   c.Reason,
		})
	}
	return v
}

func (v missionView) renderText(w io.Writer) {
	fmt.Fprintf(w, "mission %s (%s): %s, %d/%d children finished\n",
		v.ID, v.TemplateKind, v.Status, v.TerminalChildrenCount, v.ChildRunsCount)
	if v.FailureReason != "" {
		fmt.Fprintf(w, "  reason: %s\n", v.FailureReason)
	}
	for _, c := range v.Children {
		label := c.Source
		if c.Role == ir.RoleAggregator {
			label = string(ir.RoleAggregator)
		}
		state := string(c.Status)
		if c.RunState != "" {
			state = fmt.Sprintf("%s/%s", c.Status, c.RunState)
		}
		fmt.Fprintf(w, "  %-40s %s", label, state)
		if c.Reason != "" {
			fmt.Fprintf(w, " (%s)", c.Reason)
		}
		fmt.Fprintln(w)
	}
	if v.Summary != nil {
		fmt.Fprintf(w, "summary: %s, %d cents\n", v.Summary.Title, v.Summary.TotalSpendCents)
	}
}

type validationResult struct {
	File      string                     `json:"file"`
	Valid     bool                       `json:"valid"`
	Workflows []string                   `json:"workflows,omitempty"`
	Errors    []compiler.ValidationError `json:"errors,omitempty"`
}

func (r validationResult) renderText(w io.Writer) {
	if r.Valid {
		fmt.Fprintf(w, "%s: ok (%s)\n", r.File, strings.Join(r.Workflows, ", "))
		return
	}
	fmt.Fprintf(w, "%s: %d problem(s)\n", r.File, len(r.Errors))
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", e.Error())
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

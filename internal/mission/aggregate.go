package mission

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/errand/internal/ir"
)

// Contract is the completion contract of a mission, computed from the
// denormalized child rows.
type Contract struct {
	// AllChildrenTerminal is true when no child can change any more. A child
	// that could not be started counts as terminal.
	AllChildrenTerminal bool

	// HasBlockedOrPendingChild is true when a child is blocked, could not
	// be started, or has no row at all.
	HasBlockedOrPendingChild bool

	// AggregationSummaryExists is true once the summary has been written.
	AggregationSummaryExists bool

	// ReadyToComplete is true when the mission is still running but the next
	// tick will finish it.
	ReadyToComplete bool
}

// evaluate computes the contract for m over its children.
func evaluate(m ir.Mission, children []ir.MissionChild) Contract {
	c := Contract{
		AllChildrenTerminal:      true,
		AggregationSummaryExists: m.Summary != nil,
	}
	kids := fanOut(children)
	if missing(m, kids) > 0 {
		c.HasBlockedOrPendingChild = true
	}
	for _, child := range kids {
		if !child.IsTerminal() {
			c.AllChildrenTerminal = false
		}
		if isBlocking(child) {
			c.HasBlockedOrPendingChild = true
		}
	}
	c.ReadyToComplete = m.Status == ir.MissionRunning && c.AllChildrenTerminal
	return c
}

// verdict is the mission status the children call for, with its reason.
type verdict struct {
	status ir.MissionStatus
	reason string
}

// decide applies the completion contract. A mission stays running while any
// child can still change, including children paused for a user. A mission
// with fewer child rows than it was created with can never succeed.
func decide(m ir.Mission, children []ir.MissionChild) verdict {
	kids := fanOut(children)
	for _, c := range kids {
		if !c.IsTerminal() {
			return verdict{status: ir.MissionRunning}
		}
	}

	if n := missing(m, kids); n > 0 {
		return verdict{
			status: ir.MissionBlocked,
			reason: fmt.Sprintf("%d of %d sources were never recorded", n, m.ChildRunsCount),
		}
	}

	for _, c := range kids {
		if isBlocking(c) {
			return verdict{status: ir.MissionBlocked, reason: blockingReason(c)}
		}
	}

	var failed []string
	for _, c := range kids {
		if c.RunState != ir.RunSucceeded {
			failed = append(failed, fmt.Sprintf("%s (%s)", c.Source, childReason(c)))
		}
	}
	if len(failed) == 0 {
		return verdict{status: ir.MissionSucceeded}
	}
	return verdict{
		status: ir.MissionFailed,
		reason: fmt.Sprintf("%d of %d sources did not finish: %s",
			len(failed), len(kids), strings.Join(failed, "; ")),
	}
}

// missing counts the children the mission was created with that have no row.
// A mission always has at least one child.
func missing(m ir.Mission, kids []ir.MissionChild) int {
	want := m.ChildRunsCount
	if want < 1 {
		want = 1
	}
	if n := want - len(kids); n > 0 {
		return n
	}
	return 0
}

func isBlocking(c ir.MissionChild) bool {
	return c.Status == ir.ChildStartFailed || c.RunState == ir.RunBlocked
}

func blockingReason(c ir.MissionChild) string {
	if c.Status == ir.ChildStartFailed {
		return fmt.Sprintf("%s could not be started: %s", c.Source, c.Reason)
	}
	return fmt.Sprintf("%s is blocked: %s", c.Source, c.Reason)
}

func childReason(c ir.MissionChild) string {
	if c.Reason != "" {
		return c.Reason
	}
	return string(c.RunState)
}

// fanOut drops the aggregation slot; only real children count toward the
// contract.
func fanOut(children []ir.MissionChild) []ir.MissionChild {
	out := make([]ir.MissionChild, 0, len(children))
	for _, c := range children {
		if c.Role == ir.RoleChild {
			out = append(out, c)
		}
	}
	return out
}

func countTerminal(children []ir.MissionChild) int {
	n := 0
	for _, c := range fanOut(children) {
		if c.IsTerminal() {
			n++
		}
	}
	return n
}

// summarize builds the aggregate of a fully successful mission. runs holds
// the terminal run of every child, keyed by run id.
func summarize(m ir.Mission, children []ir.MissionChild, runs map[string]ir.Run, now time.Time) *ir.MissionSummary {
	kids := fanOut(children)
	s := &ir.MissionSummary{
		TemplateKind: m.TemplateKind,
		Title:        titleFor(m.TemplateKind, len(kids)),
		Children:     make([]ir.ChildSummary, 0, len(kids)),
		GeneratedAt:  now,
	}
	for _, c := range kids {
		run := runs[c.RunID]
		s.Children = append(s.Children, ir.ChildSummary{
			ChildKey:   c.ChildKey,
			Source:     c.Source,
			RunID:      c.RunID,
			Output:     run.Outcome,
			SpendCents: run.SpendCentsActual,
		})
		s.TotalSpendCents += run.SpendCentsActual
	}
	return s
}

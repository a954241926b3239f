package ir

import "time"

// MissionStatus is a mission's position in its lifecycle. Draft missions are
// never persisted, so there is no draft status.
type MissionStatus string

const (
	MissionRunning   MissionStatus = "running"
	MissionBlocked   MissionStatus = "blocked"
	MissionSucceeded MissionStatus = "succeeded"
	MissionFailed    MissionStatus = "failed"
	MissionCanceled  MissionStatus = "canceled"
)

// IsTerminal reports whether the mission has finished.
func (s MissionStatus) IsTerminal() bool {
	return s != MissionRunning
}

// ChildRole separates fan-out children from the aggregation slot.
type ChildRole string

const (
	RoleChild      ChildRole = "child"
	RoleAggregator ChildRole = "aggregator"
)

// ChildStatus is the denormalized progress of one child, kept on the join
// row so the completion contract can be evaluated without loading runs.
type ChildStatus string

const (
	ChildPending     ChildStatus = "pending"
	ChildRunning     ChildStatus = "running"
	ChildWaiting     ChildStatus = "waiting"
	ChildDone        ChildStatus = "done"
	ChildStartFailed ChildStatus = "start_failed"
)

// ChildStatusFor maps a run state onto the denormalized child status.
func ChildStatusFor(s RunState) ChildStatus {
	switch {
	case s.IsTerminal():
		return ChildDone
	case s.IsPaused():
		return ChildWaiting
	default:
		return ChildRunning
	}
}

// Mission is one fan-out request and its join.
type Mission struct {
	ID                    string
	RequestKey            string
	TemplateKind          string
	Status                MissionStatus
	Provider              string
	FailureReason         string
	ChildRunsCount        int
	TerminalChildrenCount int
	Summary               *MissionSummary
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// MissionChild joins a mission to one of its runs.
type MissionChild struct {
	MissionID string
	ChildKey  string
	Source    string
	RunID     string
	Role      ChildRole
	Status    ChildStatus
	RunState  RunState
	Reason    string
	Position  int

	// Start is recorded with the row so a pending child can be started by
	// whoever picks the mission up next.
	Start *ChildStart
}

// ChildStart is everything needed to start a child's run.
type ChildStart struct {
	Plan              Plan        `json:"plan"`
	Allowed           []Primitive `json:"allowed"`
	MaxRetries        int         `json:"max_retries"`
	SpendCapSoftCents int64       `json:"spend_cap_soft_cents,omitempty"`
	SpendCapHardCents int64       `json:"spend_cap_hard_cents,omitempty"`
}

// IsPending reports whether the child is recorded but its run does not
// exist yet.
func (c MissionChild) IsPending() bool {
	return c.Status == ChildPending && c.RunID == ""
}

// IsTerminal reports whether the child can no longer change.
func (c MissionChild) IsTerminal() bool {
	return c.Status == ChildDone || c.Status == ChildStartFailed
}

// MissionEvent is one append-only audit row on a mission.
type MissionEvent struct {
	ID        int64
	MissionID string
	Kind      string
	Summary   string
	CreatedAt time.Time
}

// Mission event kinds.
const (
	MissionEventCreated          = "mission_created"
	MissionEventChildStarted     = "child_started"
	MissionEventChildStartFailed = "child_start_failed"
	MissionEventChildChanged     = "child_state_changed"
	MissionEventSummaryWritten   = "summary_written"
	MissionEventBlocked          = "mission_blocked"
	MissionEventSucceeded        = "mission_succeeded"
	MissionEventFailed           = "mission_failed"
	MissionEventCanceled         = "mission_canceled"
)

// MissionSummary is the aggregated result of a fully successful mission.
type MissionSummary struct {
	TemplateKind    string         `json:"template_kind"`
	Title           string         `json:"title"`
	Children        []ChildSummary `json:"children"`
	TotalSpendCents int64          `json:"total_spend_cents"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// ChildSummary is one child's contribution to a MissionSummary.
type ChildSummary struct {
	ChildKey   string            `json:"child_key"`
	Source     string            `json:"source"`
	RunID      string            `json:"run_id"`
	Output     map[string]string `json:"output,omitempty"`
	SpendCents int64             `json:"spend_cents"`
}

package agent

import (
	"time"

	"github.com/BaSui01/taskflow/workflow"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// IsTerminal reports whether the status only exits via a new task start.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// SessionState is the single-writer state owned by one Agent. It is mutated
// only under the agent's mutex and observers only ever see snapshots.
//
// Invariants: progress is non-decreasing while running within one task
// instance; results grow append-only; ActiveInstanceID is non-empty only
// while status is running or paused.
type SessionState struct {
	Status           Status            `json:"status"`
	CurrentStep      string            `json:"currentStep,omitempty"`
	Progress         int               `json:"progress"`
	Results          []workflow.Result `json:"results"`
	ActiveInstanceID string            `json:"activeInstanceId,omitempty"`
	Error            string            `json:"error,omitempty"`
	LastUpdated      time.Time         `json:"lastUpdated"`
}

func newSessionState() *SessionState {
	return &SessionState{
		Status:      StatusIdle,
		Results:     []workflow.Result{},
		LastUpdated: time.Now().UTC(),
	}
}

// resetForStart reinitializes everything for a fresh task and moves to
// running. The instance id is filled in by the launcher once the runtime
// hands one back.
func (s *SessionState) resetForStart() {
	s.Status = StatusRunning
	s.CurrentStep = ""
	s.Progress = 0
	s.Results = []workflow.Result{}
	s.ActiveInstanceID = ""
	s.Error = ""
	s.touch()
}

func (s *SessionState) touch() {
	s.LastUpdated = time.Now().UTC()
}

// clone returns a snapshot safe to hand to observers.
func (s *SessionState) clone() *SessionState {
	cp := *s
	cp.Results = make([]workflow.Result, len(s.Results))
	copy(cp.Results, s.Results)
	return &cp
}

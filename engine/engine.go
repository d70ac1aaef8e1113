// Package engine defines the execution step runtime: durable workflows built
// from named, independently retriable steps whose outputs are memoized in a
// persistent instance record, so a crashed or resumed instance replays
// completed steps from the record instead of re-executing them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/BaSui01/taskflow/store"
)

// Engine errors.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrNotRunning       = errors.New("instance is not running")
	ErrNotPaused        = errors.New("instance is not paused")
	ErrTerminal         = errors.New("instance is in a terminal state")
	ErrRuntimeClosed    = errors.New("runtime is closed")
)

// WorkflowFunc is the body of a durable workflow. All side effects must go
// through step so that replays after a crash see memoized outputs.
type WorkflowFunc func(ctx context.Context, step StepContext, params json.RawMessage) (json.RawMessage, error)

// StepContext is the durable-execution surface handed to a workflow body.
type StepContext interface {
	// Do executes a named step at most once per instance. If the step
	// already completed in a previous run of this instance, the memoized
	// output is returned without executing fn. Failed attempts are retried
	// with exponential backoff up to the runtime's retry budget.
	Do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error)

	// Sleep suspends the workflow until a named deadline. The deadline is
	// persisted on first call, so a recovered instance waits only the
	// remaining time.
	Sleep(ctx context.Context, name string, d time.Duration) error

	// InstanceID returns the ID of the running instance.
	InstanceID() string
}

// InstanceInfo is a point-in-time view of an instance.
type InstanceInfo struct {
	ID          string               `json:"id"`
	Workflow    string               `json:"workflow"`
	TaskID      string               `json:"task_id"`
	Session     string               `json:"session"`
	Status      store.InstanceStatus `json:"status"`
	Output      json.RawMessage      `json:"output,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Instance is a handle to a workflow instance.
type Instance interface {
	ID() string
	Status(ctx context.Context) (InstanceInfo, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Terminate(ctx context.Context) error
}

// CreateRequest describes a new workflow instance.
type CreateRequest struct {
	// ID is optional; the runtime assigns one when empty.
	ID       string
	Workflow string
	TaskID   string
	Session  string
	Params   json.RawMessage
}

// Runtime creates and controls workflow instances.
type Runtime interface {
	Register(name string, fn WorkflowFunc)
	Create(ctx context.Context, req CreateRequest) (Instance, error)
	Get(ctx context.Context, id string) (Instance, error)

	// Recover re-launches every recoverable instance found in the store
	// and returns how many were started.
	Recover(ctx context.Context) (int, error)

	Close() error
}

// RetryConfig bounds per-step retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// CalculateBackoff returns the wait before the given attempt (1-based).
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 1 {
		return c.InitialBackoff
	}
	backoff := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt-1))
	if backoff > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(backoff)
}

// TerminalHook is invoked once an instance reaches a terminal status.
type TerminalHook func(rec *store.InstanceRecord)

func infoFromRecord(rec *store.InstanceRecord) InstanceInfo {
	return InstanceInfo{
		ID:          rec.ID,
		Workflow:    rec.Workflow,
		TaskID:      rec.TaskID,
		Session:     rec.Session,
		Status:      rec.Status,
		Output:      rec.Output,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
}

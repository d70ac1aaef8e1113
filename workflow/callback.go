package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// Result is one opaque outcome record appended to session state. Key is
// deterministic per item so the session can drop duplicate appends when a
// step body re-executes under at-least-once retry.
type Result struct {
	Key       string          `json:"key"`
	Item      string          `json:"item"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Reporter is the narrow surface a task may call on its session. Every call
// carries the task's instance id; the session rejects calls whose id does not
// match the active instance, so a terminated or superseded task cannot mutate
// state it no longer owns.
type Reporter interface {
	// UpdateStep sets the in-flight step label and, when progress >= 0,
	// the progress value.
	UpdateStep(ctx context.Context, instanceID, stepName string, progress int) error

	// AddResult appends a result record. Appends with a key already
	// present are dropped.
	AddResult(ctx context.Context, instanceID string, result Result) error

	// Complete marks the session complete with an optional final result.
	Complete(ctx context.Context, instanceID string, finalResult json.RawMessage) error

	// Fail marks the session errored with a human-readable message.
	Fail(ctx context.Context, instanceID, message string) error
}

// Resolver looks up the Reporter behind a callback address. The task only
// ever holds the address, never the session itself.
type Resolver interface {
	Resolve(ctx context.Context, callbackAddress string) (Reporter, error)
}

// Package store provides persistent storage for durable workflow instance
// records in the taskflow service.
//
// An instance record is the engine's source of truth for crash recovery: it
// carries the memoized outputs of completed steps and the wake deadlines of
// durable sleeps, so a restarted process can replay a workflow without
// re-executing work that already succeeded.
//
// Supported backends:
// - Memory: for development and testing (default)
// - File: for single-node production deployments
// - Redis: for distributed production deployments
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// CleanupConfig defines cleanup behavior for terminal instance records
type CleanupConfig struct {
	// Enabled determines if automatic cleanup is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is how often cleanup runs (default: 1h)
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Retention is how long to keep terminal instance records (default: 24h)
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultCleanupConfig returns the default cleanup configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:   true,
		Interval:  1 * time.Hour,
		Retention: 24 * time.Hour,
	}
}

// Config is the base configuration for all store implementations
type Config struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis" env:"REDIS"`

	// Cleanup configuration
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup" env:"-"`
}

// RedisConfig contains Redis-specific configuration
type RedisConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password" env:"PASSWORD"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db" env:"DB"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		Type:    StoreTypeMemory,
		BaseDir: "./data/instances",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "taskflow:",
		},
		Cleanup: DefaultCleanupConfig(),
	}
}

// InstanceStatus represents the lifecycle status of a workflow instance
type InstanceStatus string

const (
	// InstanceStatusRunning indicates the instance is actively executing
	InstanceStatusRunning InstanceStatus = "running"

	// InstanceStatusPaused indicates execution is paused awaiting a resume
	InstanceStatusPaused InstanceStatus = "paused"

	// InstanceStatusCompleted indicates the instance finished successfully
	InstanceStatusCompleted InstanceStatus = "completed"

	// InstanceStatusFailed indicates the instance failed permanently
	InstanceStatusFailed InstanceStatus = "failed"

	// InstanceStatusTerminated indicates the instance was cancelled externally
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// IsTerminal returns true if the status is a terminal state
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusTerminated:
		return true
	default:
		return false
	}
}

// IsRecoverable returns true if an instance in this status should be
// relaunched after a process restart
func (s InstanceStatus) IsRecoverable() bool {
	switch s {
	case InstanceStatusRunning, InstanceStatusPaused:
		return true
	default:
		return false
	}
}

// StepRecord is the durable record of one completed workflow step.
// Output is the memoized step result returned on replay.
type StepRecord struct {
	// Name is the stable step name used for replay bookkeeping
	Name string `json:"name"`

	// Output is the JSON-encoded result of the step body
	Output json.RawMessage `json:"output,omitempty"`

	// Attempts is the number of executions it took to succeed
	Attempts int `json:"attempts"`

	// CompletedAt is when the step body last succeeded
	CompletedAt time.Time `json:"completed_at"`
}

// InstanceRecord is the persistent state of one workflow instance
type InstanceRecord struct {
	// ID is the unique instance identifier
	ID string `json:"id"`

	// Workflow is the registered workflow name
	Workflow string `json:"workflow"`

	// TaskID is the caller-supplied correlation id
	TaskID string `json:"task_id,omitempty"`

	// Session is the callback address of the agent that launched the instance
	Session string `json:"session,omitempty"`

	// Params is the immutable JSON-encoded input payload
	Params json.RawMessage `json:"params,omitempty"`

	// Status is the current lifecycle status
	Status InstanceStatus `json:"status"`

	// Steps maps step name to its durable record (completed steps only)
	Steps map[string]StepRecord `json:"steps,omitempty"`

	// Sleeps maps sleep name to its wake deadline
	Sleeps map[string]time.Time `json:"sleeps,omitempty"`

	// Output is the JSON-encoded workflow result (when completed)
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the failure message (when failed)
	Error string `json:"error,omitempty"`

	// CreatedAt is when the instance was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the instance reached a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the instance is in a terminal state
func (r *InstanceRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Clone returns a deep copy of the record. Stores hand out clones so the
// engine's working copy never aliases persisted state.
func (r *InstanceRecord) Clone() *InstanceRecord {
	c := *r
	if r.Steps != nil {
		c.Steps = make(map[string]StepRecord, len(r.Steps))
		for k, v := range r.Steps {
			v.Output = append(json.RawMessage(nil), v.Output...)
			c.Steps[k] = v
		}
	}
	if r.Sleeps != nil {
		c.Sleeps = make(map[string]time.Time, len(r.Sleeps))
		for k, v := range r.Sleeps {
			c.Sleeps[k] = v
		}
	}
	c.Params = append(json.RawMessage(nil), r.Params...)
	c.Output = append(json.RawMessage(nil), r.Output...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// InstanceFilter defines criteria for filtering instance records
type InstanceFilter struct {
	// Session filters by callback address
	Session string `json:"session,omitempty"`

	// Workflow filters by workflow name
	Workflow string `json:"workflow,omitempty"`

	// Status filters by status (can be multiple)
	Status []InstanceStatus `json:"status,omitempty"`

	// Limit is the maximum number of records to return
	Limit int `json:"limit,omitempty"`
}

// InstanceStore defines the interface for durable instance persistence.
// It provides instance state management with recovery support after restart.
type InstanceStore interface {
	// SaveInstance persists an instance record (create or update)
	SaveInstance(ctx context.Context, rec *InstanceRecord) error

	// GetInstance retrieves an instance record by ID
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)

	// UpdateStatus updates the lifecycle status of an instance. Output and
	// errMsg are recorded when non-empty. Terminal transitions stamp
	// CompletedAt.
	UpdateStatus(ctx context.Context, id string, status InstanceStatus, output json.RawMessage, errMsg string) error

	// ListInstances retrieves instance records matching the filter criteria
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)

	// RecoverableInstances retrieves instances that need to be relaunched
	// after restart (running or paused status), oldest first
	RecoverableInstances(ctx context.Context) ([]*InstanceRecord, error)

	// DeleteInstance removes an instance record from the store
	DeleteInstance(ctx context.Context, id string) error

	// Cleanup removes terminal instance records older than the given duration
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// matchesFilter checks if a record matches the filter criteria
func matchesFilter(rec *InstanceRecord, filter InstanceFilter) bool {
	if filter.Session != "" && rec.Session != filter.Session {
		return false
	}
	if filter.Workflow != "" && rec.Workflow != filter.Workflow {
		return false
	}
	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if rec.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// applyStatusUpdate mutates a record for a status transition. Shared by the
// backends so terminal bookkeeping stays consistent.
func applyStatusUpdate(rec *InstanceRecord, status InstanceStatus, output json.RawMessage, errMsg string) {
	now := time.Now()
	rec.Status = status
	rec.UpdatedAt = now
	if output != nil {
		rec.Output = output
	}
	if errMsg != "" {
		rec.Error = errMsg
	}
	if status.IsTerminal() && rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
}

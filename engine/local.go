package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/store"
)

// LocalRuntime is a durable in-process Runtime. Instance records live in an
// InstanceStore; every completed step and sleep deadline is persisted before
// execution proceeds, so restarted instances replay from the record.
type LocalRuntime struct {
	store  store.InstanceStore
	retry  RetryConfig
	logger *zap.Logger
	hook   TerminalHook

	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
	live      map[string]*localInstance
	closed    bool
	wg        sync.WaitGroup
}

var _ Runtime = (*LocalRuntime)(nil)

// Option configures a LocalRuntime.
type Option func(*LocalRuntime)

// WithRetryConfig overrides the default per-step retry policy.
func WithRetryConfig(c RetryConfig) Option {
	return func(rt *LocalRuntime) { rt.retry = c }
}

// WithTerminalHook installs a hook fired once per instance when it reaches a
// terminal status.
func WithTerminalHook(hook TerminalHook) Option {
	return func(rt *LocalRuntime) { rt.hook = hook }
}

// NewLocalRuntime creates a runtime backed by st.
func NewLocalRuntime(st store.InstanceStore, logger *zap.Logger, opts ...Option) *LocalRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &LocalRuntime{
		store:     st,
		retry:     DefaultRetryConfig(),
		logger:    logger.With(zap.String("component", "engine")),
		workflows: make(map[string]WorkflowFunc),
		live:      make(map[string]*localInstance),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Register adds a workflow definition under name.
func (rt *LocalRuntime) Register(name string, fn WorkflowFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.workflows[name] = fn
}

// Create persists a new instance record and launches its workflow.
func (rt *LocalRuntime) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	rt.mu.RLock()
	if rt.closed {
		rt.mu.RUnlock()
		return nil, ErrRuntimeClosed
	}
	fn, ok := rt.workflows[req.Workflow]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, req.Workflow)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	rec := &store.InstanceRecord{
		ID:       id,
		Workflow: req.Workflow,
		TaskID:   req.TaskID,
		Session:  req.Session,
		Params:   req.Params,
		Status:   store.InstanceStatusRunning,
		Steps:    make(map[string]store.StepRecord),
		Sleeps:   make(map[string]time.Time),
	}
	if err := rt.store.SaveInstance(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist instance: %w", err)
	}

	inst := rt.launch(rec, fn, false)
	rt.logger.Info("instance created",
		zap.String("instance_id", id),
		zap.String("workflow", req.Workflow),
		zap.String("session", req.Session),
	)
	return inst, nil
}

// Get returns a handle for a live or stored instance.
func (rt *LocalRuntime) Get(ctx context.Context, id string) (Instance, error) {
	rt.mu.RLock()
	inst, ok := rt.live[id]
	rt.mu.RUnlock()
	if ok {
		return inst, nil
	}

	if _, err := rt.store.GetInstance(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return &detachedInstance{rt: rt, id: id}, nil
}

// Recover re-launches every recoverable instance in the store. Instances whose
// workflow is no longer registered are skipped with a warning.
func (rt *LocalRuntime) Recover(ctx context.Context) (int, error) {
	recs, err := rt.store.RecoverableInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan recoverable instances: %w", err)
	}

	count := 0
	for _, rec := range recs {
		rt.mu.RLock()
		_, alive := rt.live[rec.ID]
		fn, registered := rt.workflows[rec.Workflow]
		rt.mu.RUnlock()

		if alive {
			continue
		}
		if !registered {
			rt.logger.Warn("cannot recover instance: workflow not registered",
				zap.String("instance_id", rec.ID),
				zap.String("workflow", rec.Workflow),
			)
			continue
		}

		rt.launch(rec, fn, rec.Status == store.InstanceStatusPaused)
		rt.logger.Info("instance recovered",
			zap.String("instance_id", rec.ID),
			zap.String("workflow", rec.Workflow),
			zap.Int("completed_steps", len(rec.Steps)),
		)
		count++
	}
	return count, nil
}

// Close suspends all live instances and waits for their goroutines. Suspended
// records stay recoverable, so the next Recover resumes them.
func (rt *LocalRuntime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	for _, inst := range rt.live {
		inst.cancel()
		inst.unblock()
	}
	rt.mu.Unlock()

	rt.wg.Wait()
	rt.logger.Info("runtime closed")
	return nil
}

func (rt *LocalRuntime) launch(rec *store.InstanceRecord, fn WorkflowFunc, paused bool) *localInstance {
	ctx, cancel := context.WithCancel(context.Background())
	inst := &localInstance{
		rt:       rt,
		id:       rec.ID,
		rec:      rec,
		ctx:      ctx,
		cancelFn: cancel,
		paused:   paused,
		resumeCh: make(chan struct{}),
	}

	rt.mu.Lock()
	rt.live[rec.ID] = inst
	rt.mu.Unlock()

	rt.wg.Add(1)
	go rt.run(inst, fn)
	return inst
}

func (rt *LocalRuntime) run(inst *localInstance, fn WorkflowFunc) {
	defer rt.wg.Done()

	output, err := fn(inst.ctx, inst, inst.rec.Params)

	rt.mu.Lock()
	delete(rt.live, inst.id)
	closing := rt.closed
	rt.mu.Unlock()

	switch {
	case inst.isTerminated():
		// Terminate already persisted the terminal status.
	case closing && errors.Is(err, context.Canceled):
		// Suspended for shutdown; the record stays recoverable.
		rt.logger.Info("instance suspended", zap.String("instance_id", inst.id))
		return
	case err != nil:
		rt.logger.Warn("instance failed",
			zap.String("instance_id", inst.id),
			zap.Error(err),
		)
		if uerr := rt.store.UpdateStatus(context.Background(), inst.id, store.InstanceStatusFailed, nil, err.Error()); uerr != nil {
			rt.logger.Error("failed to persist failure", zap.String("instance_id", inst.id), zap.Error(uerr))
		}
	default:
		rt.logger.Info("instance completed", zap.String("instance_id", inst.id))
		if uerr := rt.store.UpdateStatus(context.Background(), inst.id, store.InstanceStatusCompleted, output, ""); uerr != nil {
			rt.logger.Error("failed to persist completion", zap.String("instance_id", inst.id), zap.Error(uerr))
		}
	}

	if rt.hook != nil {
		if rec, gerr := rt.store.GetInstance(context.Background(), inst.id); gerr == nil && rec.Status.IsTerminal() {
			rt.hook(rec)
		}
	}
}

// =============================================================================
// Live instance
// =============================================================================

// localInstance is a live workflow instance. It doubles as the StepContext
// handed to the workflow body.
type localInstance struct {
	rt       *LocalRuntime
	id       string
	ctx      context.Context
	cancelFn context.CancelFunc

	mu         sync.Mutex
	rec        *store.InstanceRecord
	paused     bool
	resumeCh   chan struct{}
	terminated bool
}

var (
	_ Instance    = (*localInstance)(nil)
	_ StepContext = (*localInstance)(nil)
)

func (in *localInstance) ID() string { return in.id }

func (in *localInstance) InstanceID() string { return in.id }

func (in *localInstance) Status(ctx context.Context) (InstanceInfo, error) {
	rec, err := in.rt.store.GetInstance(ctx, in.id)
	if err != nil {
		return InstanceInfo{}, err
	}
	return infoFromRecord(rec), nil
}

// Pause blocks the instance at its next step boundary. The running step is
// not interrupted.
func (in *localInstance) Pause(ctx context.Context) error {
	in.mu.Lock()
	if in.terminated {
		in.mu.Unlock()
		return ErrTerminal
	}
	if in.paused {
		in.mu.Unlock()
		return ErrNotRunning
	}
	in.paused = true
	in.resumeCh = make(chan struct{})
	in.rec.Status = store.InstanceStatusPaused
	in.mu.Unlock()

	if err := in.rt.store.UpdateStatus(ctx, in.id, store.InstanceStatusPaused, nil, ""); err != nil {
		return fmt.Errorf("failed to persist pause: %w", err)
	}
	in.rt.logger.Info("instance paused", zap.String("instance_id", in.id))
	return nil
}

// Resume releases a paused instance.
func (in *localInstance) Resume(ctx context.Context) error {
	in.mu.Lock()
	if in.terminated {
		in.mu.Unlock()
		return ErrTerminal
	}
	if !in.paused {
		in.mu.Unlock()
		return ErrNotPaused
	}
	in.paused = false
	close(in.resumeCh)
	in.rec.Status = store.InstanceStatusRunning
	in.mu.Unlock()

	if err := in.rt.store.UpdateStatus(ctx, in.id, store.InstanceStatusRunning, nil, ""); err != nil {
		return fmt.Errorf("failed to persist resume: %w", err)
	}
	in.rt.logger.Info("instance resumed", zap.String("instance_id", in.id))
	return nil
}

// Terminate cancels the instance and marks the record terminated.
func (in *localInstance) Terminate(ctx context.Context) error {
	in.mu.Lock()
	if in.terminated {
		in.mu.Unlock()
		return nil
	}
	in.terminated = true
	if in.paused {
		in.paused = false
		close(in.resumeCh)
	}
	in.mu.Unlock()

	in.cancelFn()

	if err := in.rt.store.UpdateStatus(ctx, in.id, store.InstanceStatusTerminated, nil, ""); err != nil {
		return fmt.Errorf("failed to persist termination: %w", err)
	}
	in.rt.logger.Info("instance terminated", zap.String("instance_id", in.id))
	return nil
}

func (in *localInstance) cancel() { in.cancelFn() }

func (in *localInstance) isTerminated() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.terminated
}

// unblock wakes a paused instance without changing its persisted status, used
// during runtime shutdown so the goroutine can observe cancellation.
func (in *localInstance) unblock() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.paused {
		in.paused = false
		close(in.resumeCh)
	}
}

// =============================================================================
// StepContext
// =============================================================================

func (in *localInstance) Do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	in.mu.Lock()
	if sr, ok := in.rec.Steps[name]; ok {
		out := sr.Output
		in.mu.Unlock()
		in.rt.logger.Debug("step replayed from record",
			zap.String("instance_id", in.id),
			zap.String("step", name),
		)
		return out, nil
	}
	in.mu.Unlock()

	if err := in.waitIfPaused(ctx); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("taskflow/engine").Start(ctx, "step "+name,
		trace.WithAttributes(
			attribute.String("workflow.instance_id", in.id),
			attribute.String("workflow.step", name),
		),
	)
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= in.rt.retry.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				return nil, fmt.Errorf("step %s output not serializable: %w", name, merr)
			}
			if perr := in.persistStep(ctx, name, raw, attempt); perr != nil {
				return nil, perr
			}
			return raw, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		backoff := in.rt.retry.CalculateBackoff(attempt)
		in.rt.logger.Warn("step failed, retrying",
			zap.String("instance_id", in.id),
			zap.String("step", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if err := in.waitIfPaused(ctx); err != nil {
			return nil, err
		}
	}
	span.RecordError(lastErr)
	return nil, fmt.Errorf("step %s failed after %d attempts: %w", name, in.rt.retry.MaxAttempts, lastErr)
}

func (in *localInstance) Sleep(ctx context.Context, name string, d time.Duration) error {
	in.mu.Lock()
	deadline, ok := in.rec.Sleeps[name]
	if !ok {
		deadline = time.Now().Add(d)
		if in.rec.Sleeps == nil {
			in.rec.Sleeps = make(map[string]time.Time)
		}
		in.rec.Sleeps[name] = deadline
		if err := in.rt.store.SaveInstance(ctx, in.rec); err != nil {
			in.mu.Unlock()
			return fmt.Errorf("failed to persist sleep deadline: %w", err)
		}
	}
	in.mu.Unlock()

	if remaining := time.Until(deadline); remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
	return in.waitIfPaused(ctx)
}

func (in *localInstance) persistStep(ctx context.Context, name string, output json.RawMessage, attempts int) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.rec.Steps == nil {
		in.rec.Steps = make(map[string]store.StepRecord)
	}
	in.rec.Steps[name] = store.StepRecord{
		Name:        name,
		Output:      output,
		Attempts:    attempts,
		CompletedAt: time.Now().UTC(),
	}
	if err := in.rt.store.SaveInstance(ctx, in.rec); err != nil {
		return fmt.Errorf("failed to persist step %s: %w", name, err)
	}
	return nil
}

// waitIfPaused blocks at a step boundary until the instance is resumed.
func (in *localInstance) waitIfPaused(ctx context.Context) error {
	for {
		in.mu.Lock()
		if !in.paused {
			in.mu.Unlock()
			return ctx.Err()
		}
		ch := in.resumeCh
		in.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// =============================================================================
// Detached instance
// =============================================================================

// detachedInstance is a handle to an instance with no live goroutine, either
// terminal or awaiting recovery. Control operations other than Terminate are
// rejected.
type detachedInstance struct {
	rt *LocalRuntime
	id string
}

var _ Instance = (*detachedInstance)(nil)

func (d *detachedInstance) ID() string { return d.id }

func (d *detachedInstance) Status(ctx context.Context) (InstanceInfo, error) {
	rec, err := d.rt.store.GetInstance(ctx, d.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return InstanceInfo{}, ErrInstanceNotFound
		}
		return InstanceInfo{}, err
	}
	return infoFromRecord(rec), nil
}

func (d *detachedInstance) Pause(ctx context.Context) error {
	return ErrNotRunning
}

func (d *detachedInstance) Resume(ctx context.Context) error {
	return ErrNotPaused
}

func (d *detachedInstance) Terminate(ctx context.Context) error {
	rec, err := d.rt.store.GetInstance(ctx, d.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInstanceNotFound
		}
		return err
	}
	if rec.Status.IsTerminal() {
		return ErrTerminal
	}
	return d.rt.store.UpdateStatus(ctx, d.id, store.InstanceStatusTerminated, nil, "")
}

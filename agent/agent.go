package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/store"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
)

// Agent owns one session: its state, its connections, and its active task.
// Every public method serializes on the agent mutex, so callers from any
// transport and callbacks from the task runtime interleave safely.
type Agent struct {
	session string
	runtime engine.Runtime
	logger  *zap.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	state     *SessionState
	conns     map[string]*Conn
	seen      map[string]bool
	startedAt time.Time
}

var _ workflow.Reporter = (*Agent)(nil)

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithMetrics wires the prometheus collector.
func WithMetrics(collector *metrics.Collector) AgentOption {
	return func(a *Agent) { a.metrics = collector }
}

// NewAgent creates the agent for one session id.
func NewAgent(session string, runtime engine.Runtime, logger *zap.Logger, opts ...AgentOption) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		session: session,
		runtime: runtime,
		logger:  logger.With(zap.String("component", "agent"), zap.String("session", session)),
		state:   newSessionState(),
		conns:   make(map[string]*Conn),
		seen:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Session returns the session id this agent owns.
func (a *Agent) Session() string { return a.session }

// =============================================================================
// Connections
// =============================================================================

// Connect registers a new observer. The first message it receives is a full
// snapshot of the current state, enqueued in the same critical section as the
// registration, so a late joiner can never observe a broadcast for a state
// older than its snapshot.
func (a *Agent) Connect(sink Sink) *Conn {
	conn := newConn(sink)

	a.mu.Lock()
	a.conns[conn.id] = conn
	conn.enqueue(ServerMessage{
		Type:    MsgConnected,
		Message: fmt.Sprintf("connected to session %s", a.session),
		State:   a.state.clone(),
	})
	a.mu.Unlock()

	go conn.writeLoop(a)

	if a.metrics != nil {
		a.metrics.ConnOpened()
	}
	a.logger.Debug("connection registered", zap.String("conn_id", conn.id))
	return conn
}

// Disconnect removes a connection and stops its writer.
func (a *Agent) Disconnect(connID string) {
	a.mu.Lock()
	conn, ok := a.conns[connID]
	if ok {
		delete(a.conns, connID)
	}
	a.mu.Unlock()

	if !ok {
		return
	}
	conn.close()
	if a.metrics != nil {
		a.metrics.ConnClosed()
	}
	a.logger.Debug("connection removed", zap.String("conn_id", connID))
}

// ConnectionCount returns the number of registered connections.
func (a *Agent) ConnectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// =============================================================================
// Real-time command dispatch
// =============================================================================

// Receive handles one raw client frame. Parse failures and command errors go
// back to the originating connection only; successful mutations reach every
// connection through the broadcast path.
func (a *Agent) Receive(ctx context.Context, conn *Conn, data []byte) {
	msg, err := decodeClientMessage(data)
	if err != nil {
		a.sendTo(conn, errorMessage(err.Error()))
		return
	}

	if a.metrics != nil {
		a.metrics.CommandReceived(msg.Type)
	}

	switch msg.Type {
	case MsgStart:
		var items []string
		if msg.Params != nil {
			items = msg.Params.Items
		}
		if _, _, err := a.StartTask(ctx, msg.TaskID, items); err != nil {
			a.sendTo(conn, errorMessage(err.Error()))
		}

	case MsgStatus:
		info, state, err := a.QueryStatus(ctx, msg.InstanceID)
		if err != nil {
			a.sendTo(conn, errorMessage(err.Error()))
			return
		}
		a.sendTo(conn, ServerMessage{
			Type:       MsgWorkflowStatus,
			InstanceID: msg.InstanceID,
			Status:     string(info.Status),
			Output:     info.Output,
			AgentState: state,
		})

	case MsgPause:
		if _, err := a.PauseTask(ctx, msg.InstanceID); err != nil {
			a.sendTo(conn, errorMessage(err.Error()))
		}

	case MsgResume:
		if _, err := a.ResumeTask(ctx, msg.InstanceID); err != nil {
			a.sendTo(conn, errorMessage(err.Error()))
		}

	case MsgCancel:
		if _, err := a.CancelTask(ctx, msg.InstanceID); err != nil {
			a.sendTo(conn, errorMessage(err.Error()))
		}
	}
}

// State returns a snapshot of the session state.
func (a *Agent) State() *SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.clone()
}

// =============================================================================
// Task lifecycle commands
// =============================================================================

// StartTask resets the session and launches a new pipeline instance. Only
// one task may be active per session; a start while running or paused is a
// conflict. A failed launch leaves the session back in idle.
func (a *Agent) StartTask(ctx context.Context, taskID string, items []string) (string, *SessionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Status == StatusRunning || a.state.Status == StatusPaused {
		return "", nil, types.NewTaskConflictError("a task is already active for this session")
	}

	if taskID == "" {
		taskID = uuid.NewString()
	}

	a.state.resetForStart()
	a.seen = make(map[string]bool)
	a.startedAt = time.Now()

	params := workflow.TaskParams{
		TaskID:          taskID,
		CallbackAddress: a.session,
		Items:           items,
	}
	raw, err := params.Encode()
	if err != nil {
		a.state.Status = StatusIdle
		a.state.touch()
		return "", nil, types.NewInvalidRequestError("invalid task params").WithCause(err)
	}

	inst, err := a.runtime.Create(ctx, engine.CreateRequest{
		Workflow: workflow.PipelineWorkflow,
		TaskID:   taskID,
		Session:  a.session,
		Params:   raw,
	})
	if err != nil {
		a.state.Status = StatusIdle
		a.state.touch()
		a.broadcastStateLocked()
		a.logger.Error("task launch failed", zap.String("task_id", taskID), zap.Error(err))
		return "", nil, types.NewEngineError("failed to start task", err)
	}

	a.state.ActiveInstanceID = inst.ID()
	a.state.touch()
	a.broadcastLocked(ServerMessage{Type: MsgWorkflowStarted, InstanceID: inst.ID()})
	a.broadcastStateLocked()

	if a.metrics != nil {
		a.metrics.TaskStarted()
	}
	a.logger.Info("task started",
		zap.String("task_id", taskID),
		zap.String("instance_id", inst.ID()),
		zap.Int("items", len(items)),
	)
	return inst.ID(), a.state.clone(), nil
}

// PauseTask forwards pause to the runtime, then marks the session paused.
func (a *Agent) PauseTask(ctx context.Context, instanceID string) (*SessionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireActiveLocked(instanceID); err != nil {
		return nil, err
	}
	if err := a.instanceCallLocked(ctx, instanceID, engine.Instance.Pause); err != nil {
		return nil, err
	}

	a.state.Status = StatusPaused
	a.state.touch()
	a.broadcastStateLocked()
	a.logger.Info("task paused", zap.String("instance_id", instanceID))
	return a.state.clone(), nil
}

// ResumeTask forwards resume to the runtime, then marks the session running.
func (a *Agent) ResumeTask(ctx context.Context, instanceID string) (*SessionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireActiveLocked(instanceID); err != nil {
		return nil, err
	}
	if err := a.instanceCallLocked(ctx, instanceID, engine.Instance.Resume); err != nil {
		return nil, err
	}

	a.state.Status = StatusRunning
	a.state.touch()
	a.broadcastStateLocked()
	a.logger.Info("task resumed", zap.String("instance_id", instanceID))
	return a.state.clone(), nil
}

// CancelTask terminates the running instance and immediately clears the
// local association. It does not wait for in-flight callbacks from the
// terminated instance; those are rejected by the stale-instance guard.
func (a *Agent) CancelTask(ctx context.Context, instanceID string) (*SessionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireActiveLocked(instanceID); err != nil {
		return nil, err
	}
	if err := a.instanceCallLocked(ctx, instanceID, engine.Instance.Terminate); err != nil {
		return nil, err
	}

	a.state.Status = StatusIdle
	a.state.CurrentStep = ""
	a.state.ActiveInstanceID = ""
	a.state.touch()
	a.broadcastStateLocked()

	if a.metrics != nil {
		a.metrics.TaskFinished("cancelled", time.Since(a.startedAt))
	}
	a.logger.Info("task cancelled", zap.String("instance_id", instanceID))
	return a.state.clone(), nil
}

// QueryStatus merges the runtime's view of an instance with the current
// session snapshot. Read-only.
func (a *Agent) QueryStatus(ctx context.Context, instanceID string) (engine.InstanceInfo, *SessionState, error) {
	inst, err := a.runtime.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			return engine.InstanceInfo{}, nil, types.NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID))
		}
		return engine.InstanceInfo{}, nil, types.NewEngineError("failed to look up instance", err)
	}

	info, err := inst.Status(ctx)
	if err != nil {
		return engine.InstanceInfo{}, nil, types.NewEngineError("failed to query instance status", err)
	}
	return info, a.State(), nil
}

// =============================================================================
// Reporter surface (task callbacks)
// =============================================================================

// UpdateStep sets the in-flight step label, and progress when >= 0. Progress
// never regresses within one task instance; a lower value is kept but the
// label still updates.
func (a *Agent) UpdateStep(ctx context.Context, instanceID, stepName string, progress int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkCallbackLocked(instanceID); err != nil {
		return err
	}

	a.state.CurrentStep = stepName
	if progress > 100 {
		progress = 100
	}
	if progress > a.state.Progress {
		a.state.Progress = progress
	}
	a.state.touch()
	a.broadcastStateLocked()
	return nil
}

// AddResult appends one result record. Appends whose key was already seen in
// this task instance are dropped, so a retried step body cannot duplicate
// results.
func (a *Agent) AddResult(ctx context.Context, instanceID string, result workflow.Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkCallbackLocked(instanceID); err != nil {
		return err
	}
	if result.Key != "" && a.seen[result.Key] {
		return nil
	}
	if result.Key != "" {
		a.seen[result.Key] = true
	}

	a.state.Results = append(a.state.Results, result)
	a.state.touch()
	a.broadcastStateLocked()
	return nil
}

// Complete marks the session complete. The final result stays the instance's
// official output in the runtime; session results are not touched.
func (a *Agent) Complete(ctx context.Context, instanceID string, finalResult json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkCallbackLocked(instanceID); err != nil {
		return err
	}

	a.state.Status = StatusComplete
	a.state.CurrentStep = ""
	a.state.Progress = 100
	a.state.ActiveInstanceID = ""
	a.state.touch()
	a.broadcastStateLocked()

	if a.metrics != nil {
		a.metrics.TaskFinished("complete", time.Since(a.startedAt))
	}
	a.logger.Info("task complete", zap.String("instance_id", instanceID))
	return nil
}

// Fail marks the session errored. The agent stays alive and accepts the next
// start command.
func (a *Agent) Fail(ctx context.Context, instanceID, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkCallbackLocked(instanceID); err != nil {
		return err
	}

	a.state.Status = StatusError
	a.state.CurrentStep = ""
	a.state.Error = message
	a.state.ActiveInstanceID = ""
	a.state.touch()
	a.broadcastStateLocked()

	if a.metrics != nil {
		a.metrics.TaskFinished("error", time.Since(a.startedAt))
	}
	a.logger.Warn("task failed", zap.String("instance_id", instanceID), zap.String("error", message))
	return nil
}

// =============================================================================
// Crash recovery
// =============================================================================

// adopt rebinds a recoverable instance record to this session after a process
// restart. The instance becomes the active task again and the results its
// completed steps persisted are restored, so callbacks from the relaunched
// body pass the instance guard instead of being rejected as stale. Must run
// before the runtime's recovery sweep relaunches the instance.
func (a *Agent) adopt(rec *store.InstanceRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.Status = StatusRunning
	if rec.Status == store.InstanceStatusPaused {
		a.state.Status = StatusPaused
	}
	a.state.ActiveInstanceID = rec.ID
	a.state.CurrentStep = ""
	a.state.Error = ""
	a.state.Progress = 0
	a.state.Results = recoveredResults(rec)
	a.seen = make(map[string]bool)
	for _, res := range a.state.Results {
		if res.Key != "" {
			a.seen[res.Key] = true
		}
	}

	var params workflow.TaskParams
	if err := json.Unmarshal(rec.Params, &params); err == nil && len(a.state.Results) > 0 {
		a.state.Progress = workflow.ItemProgress(len(a.state.Results)-1, len(params.Items))
	}

	a.startedAt = rec.CreatedAt
	a.state.touch()
	a.broadcastStateLocked()
	a.logger.Info("instance adopted after restart",
		zap.String("instance_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("restored_results", len(a.state.Results)),
	)
}

// recoveredResults rebuilds the session's result list from the memoized step
// outputs of an instance record. Item steps are the only ones whose output
// carries a result key; everything else decodes to a keyless value and is
// skipped. Replayed steps never re-report, so this is the sole source of
// pre-restart results.
func recoveredResults(rec *store.InstanceRecord) []workflow.Result {
	results := []workflow.Result{}
	for _, sr := range rec.Steps {
		var res workflow.Result
		if err := json.Unmarshal(sr.Output, &res); err != nil || res.Key == "" {
			continue
		}
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// =============================================================================
// Internals
// =============================================================================

// requireActiveLocked validates a client-supplied instance id against the
// active task.
func (a *Agent) requireActiveLocked(instanceID string) error {
	if a.state.ActiveInstanceID == "" {
		return types.NewError(types.ErrNoActiveTask, "no active task for this session").WithHTTPStatus(404)
	}
	if a.state.ActiveInstanceID != instanceID {
		return types.NewInvalidRequestError(fmt.Sprintf("instance %s is not the active task", instanceID))
	}
	return nil
}

// checkCallbackLocked is the stale-instance guard on the reporter surface: a
// callback from anything but the active instance of a live task is rejected
// without mutating state.
func (a *Agent) checkCallbackLocked(instanceID string) error {
	if a.state.Status.IsTerminal() || a.state.ActiveInstanceID != instanceID {
		if a.metrics != nil {
			a.metrics.CallbackRejected()
		}
		return types.NewStaleInstanceError(instanceID)
	}
	return nil
}

// instanceCallLocked resolves the instance and applies one control call,
// converting failures into engine errors without mutating state.
func (a *Agent) instanceCallLocked(ctx context.Context, instanceID string, call func(engine.Instance, context.Context) error) error {
	inst, err := a.runtime.Get(ctx, instanceID)
	if err != nil {
		return types.NewEngineError("failed to look up instance", err)
	}
	if err := call(inst, ctx); err != nil {
		return types.NewEngineError("instance control call failed", err)
	}
	return nil
}

// broadcastStateLocked fans the current state out to every connection.
func (a *Agent) broadcastStateLocked() {
	a.broadcastLocked(ServerMessage{Type: MsgStateUpdate, State: a.state.clone()})
}

// broadcastLocked enqueues msg on every connection queue. Connections whose
// queue is full are evicted; the remaining ones observe every mutation in
// order.
func (a *Agent) broadcastLocked(msg ServerMessage) {
	var evicted []*Conn
	for _, conn := range a.conns {
		if !conn.enqueue(msg) {
			evicted = append(evicted, conn)
		}
	}
	for _, conn := range evicted {
		delete(a.conns, conn.id)
		conn.close()
		a.logger.Warn("slow consumer evicted", zap.String("conn_id", conn.id))
		if a.metrics != nil {
			a.metrics.ConnEvicted()
			a.metrics.ConnClosed()
		}
	}
	if a.metrics != nil {
		a.metrics.BroadcastSent(len(a.conns))
	}
}

// sendTo delivers a message to a single connection through its ordered
// queue.
func (a *Agent) sendTo(conn *Conn, msg ServerMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.conns[conn.id]; !ok {
		return
	}
	if !conn.enqueue(msg) {
		delete(a.conns, conn.id)
		conn.close()
		a.logger.Warn("slow consumer evicted", zap.String("conn_id", conn.id))
		if a.metrics != nil {
			a.metrics.ConnEvicted()
			a.metrics.ConnClosed()
		}
	}
}

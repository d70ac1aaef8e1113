package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/store"
	"github.com/BaSui01/taskflow/workflow"
)

// newStack wires a real runtime, registry and pipeline over a memory store.
func newStack(t *testing.T, completer workflow.Completer) (*Registry, store.InstanceStore) {
	t.Helper()

	config := store.DefaultConfig()
	config.Cleanup.Enabled = false
	st := store.NewMemoryInstanceStore(config)

	rt := engine.NewLocalRuntime(st, nil, engine.WithRetryConfig(engine.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}))
	t.Cleanup(func() { _ = rt.Close() })

	registry := NewRegistry(rt, nil)
	if completer == nil {
		completer = workflow.EchoCompleter()
	}
	pipeline := workflow.NewPipeline(registry, completer, workflow.WithItemDelay(time.Millisecond))
	rt.Register(workflow.PipelineWorkflow, pipeline.Definition())

	return registry, st
}

// The canonical three-item run: progress 0, 37, 63, 90, 95, 100 with
// three results at completion.
func TestScenario_ThreeItemRun(t *testing.T) {
	registry, _ := newStack(t, nil)
	a := registry.Get("session-a")

	sink := &captureSink{}
	a.Connect(sink)
	sink.waitForMessages(t, 1)

	_, _, err := a.StartTask(context.Background(), "task-1", []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.State().Status == StatusComplete
	}, 10*time.Second, 5*time.Millisecond)

	final := a.State()
	assert.Equal(t, 100, final.Progress)
	assert.Len(t, final.Results, 3)
	assert.Empty(t, final.ActiveInstanceID)
	assert.Empty(t, final.CurrentStep)

	// Distinct progress values observed over the broadcast channel, in
	// arrival order.
	var distinct []int
	last := -1
	for _, m := range sink.snapshot() {
		if m.Type != MsgStateUpdate {
			continue
		}
		if m.State.Progress != last {
			distinct = append(distinct, m.State.Progress)
			last = m.State.Progress
		}
	}
	assert.Equal(t, []int{0, 37, 63, 90, 95, 100}, distinct)
}

// Cancelling after the first item leaves the session idle and every later
// callback from the terminated instance rejected.
func TestScenario_CancelMidTask(t *testing.T) {
	gate := make(chan struct{})
	completer := workflow.CompleterFunc(func(ctx context.Context, item string) (json.RawMessage, error) {
		if item != "alpha" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return json.Marshal(map[string]string{"item": item})
	})

	registry, st := newStack(t, completer)
	a := registry.Get("session-a")

	instanceID, _, err := a.StartTask(context.Background(), "task-1", []string{"alpha", "beta"})
	require.NoError(t, err)

	// Wait for item 1's result, then cancel while item 2 is blocked.
	require.Eventually(t, func() bool {
		return len(a.State().Results) == 1
	}, 10*time.Second, 5*time.Millisecond)

	state, err := a.CancelTask(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)
	assert.Empty(t, state.ActiveInstanceID)

	// Let the terminated instance run into the stale guard.
	close(gate)

	require.Eventually(t, func() bool {
		rec, gerr := st.GetInstance(context.Background(), instanceID)
		return gerr == nil && rec.Status.IsTerminal()
	}, 10*time.Second, 5*time.Millisecond)

	final := a.State()
	assert.Equal(t, StatusIdle, final.Status)
	assert.Len(t, final.Results, 1, "late callbacks must not append")

	// A new start works immediately
	_, _, err = a.StartTask(context.Background(), "task-2", []string{"delta"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.State().Status == StatusComplete
	}, 10*time.Second, 5*time.Millisecond)
}

// Pause holds the pipeline at a step boundary; resume lets it finish.
func TestScenario_PauseResume(t *testing.T) {
	registry, _ := newStack(t, nil)
	a := registry.Get("session-a")

	instanceID, _, err := a.StartTask(context.Background(), "task-1", []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(a.State().Results) >= 1
	}, 10*time.Second, 5*time.Millisecond)

	if _, err := a.PauseTask(context.Background(), instanceID); err != nil {
		// The run may have finished already on a fast machine.
		t.Skipf("task finished before pause: %v", err)
	}
	assert.Equal(t, StatusPaused, a.State().Status)

	_, err = a.ResumeTask(context.Background(), instanceID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.State().Status == StatusComplete
	}, 10*time.Second, 5*time.Millisecond)
	assert.Len(t, a.State().Results, 3)
}

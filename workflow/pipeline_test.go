package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/store"
	"github.com/BaSui01/taskflow/types"
)

// recordingReporter captures reporter calls the way a session would,
// including dropping duplicate result keys.
type recordingReporter struct {
	mu        sync.Mutex
	progress  []int
	steps     []string
	results   []Result
	seen      map[string]bool
	completed json.RawMessage
	failed    string
	failErr   error
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{seen: make(map[string]bool)}
}

func (r *recordingReporter) UpdateStep(ctx context.Context, instanceID, stepName string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, stepName)
	if progress >= 0 {
		r.progress = append(r.progress, progress)
	}
	return nil
}

func (r *recordingReporter) AddResult(ctx context.Context, instanceID string, result Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[result.Key] {
		return nil
	}
	r.seen[result.Key] = true
	r.results = append(r.results, result)
	return nil
}

func (r *recordingReporter) Complete(ctx context.Context, instanceID string, finalResult json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = finalResult
	return nil
}

func (r *recordingReporter) Fail(ctx context.Context, instanceID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.failed = message
	return nil
}

func (r *recordingReporter) snapshot() ([]int, []Result, json.RawMessage, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...), append([]Result(nil), r.results...), r.completed, r.failed
}

type staticResolver struct{ reporter Reporter }

func (s staticResolver) Resolve(ctx context.Context, callbackAddress string) (Reporter, error) {
	return s.reporter, nil
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, callbackAddress string) (Reporter, error) {
	return nil, fmt.Errorf("no agent for %s", callbackAddress)
}

func runPipeline(t *testing.T, p *Pipeline, params TaskParams) *store.InstanceRecord {
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
	rt.Register(PipelineWorkflow, p.Definition())

	raw, err := params.Encode()
	require.NoError(t, err)

	inst, err := rt.Create(context.Background(), engine.CreateRequest{
		Workflow: PipelineWorkflow,
		TaskID:   params.TaskID,
		Session:  params.CallbackAddress,
		Params:   raw,
	})
	require.NoError(t, err)

	var rec *store.InstanceRecord
	require.Eventually(t, func() bool {
		got, gerr := st.GetInstance(context.Background(), inst.ID())
		if gerr != nil {
			return false
		}
		rec = got
		return got.Status.IsTerminal()
	}, 10*time.Second, 5*time.Millisecond)
	return rec
}

func TestPipeline_ThreeItems(t *testing.T) {
	reporter := newRecordingReporter()
	p := NewPipeline(staticResolver{reporter}, EchoCompleter(), WithItemDelay(time.Millisecond))

	rec := runPipeline(t, p, TaskParams{
		TaskID:          "task-1",
		CallbackAddress: "session-a",
		Items:           []string{"alpha", "beta", "gamma"},
	})

	require.Equal(t, store.InstanceStatusCompleted, rec.Status)

	progress, results, completed, failed := reporter.snapshot()
	assert.Equal(t, []int{0, 37, 63, 90, 95}, progress)
	assert.Len(t, results, 3)
	assert.Empty(t, failed)

	var final FinalResult
	require.NoError(t, json.Unmarshal(completed, &final))
	assert.Equal(t, "task-1", final.TaskID)
	assert.Equal(t, 3, final.Processed)

	// Durable sleeps between items, none after the last
	assert.Contains(t, rec.Sleeps, "sleep-after-item-1")
	assert.Contains(t, rec.Sleeps, "sleep-after-item-2")
	assert.NotContains(t, rec.Sleeps, "sleep-after-item-3")
}

func TestPipeline_ResultKeysAreDeterministic(t *testing.T) {
	reporter := newRecordingReporter()

	// Fail the second item's first attempt so the step body re-executes.
	var calls sync.Map
	completer := CompleterFunc(func(ctx context.Context, item string) (json.RawMessage, error) {
		if item == "beta" {
			if _, retried := calls.LoadOrStore("beta", true); !retried {
				return nil, errors.New("transient")
			}
		}
		return json.Marshal(map[string]string{"item": item})
	})

	p := NewPipeline(staticResolver{reporter}, completer, WithItemDelay(time.Millisecond))
	rec := runPipeline(t, p, TaskParams{
		TaskID:          "task-2",
		CallbackAddress: "session-a",
		Items:           []string{"alpha", "beta", "gamma"},
	})

	require.Equal(t, store.InstanceStatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Steps["process-item-2"].Attempts)

	_, results, _, _ := reporter.snapshot()
	require.Len(t, results, 3)
	assert.Equal(t, "task-2/item-1", results[0].Key)
	assert.Equal(t, "task-2/item-2", results[1].Key)
}

func TestPipeline_FailureReportsBeforeRethrow(t *testing.T) {
	reporter := newRecordingReporter()
	completer := CompleterFunc(func(ctx context.Context, item string) (json.RawMessage, error) {
		return nil, fmt.Errorf("engine rejected %s", item)
	})

	p := NewPipeline(staticResolver{reporter}, completer, WithItemDelay(time.Millisecond))
	rec := runPipeline(t, p, TaskParams{
		TaskID:          "task-3",
		CallbackAddress: "session-a",
		Items:           []string{"alpha"},
	})

	require.Equal(t, store.InstanceStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "engine rejected alpha")

	_, results, completed, failed := reporter.snapshot()
	assert.Contains(t, failed, "engine rejected alpha")
	assert.Empty(t, results)
	assert.Nil(t, completed)
}

// A stale rejection from Fail means the session was cancelled or restarted;
// the pipeline must not spin retrying the report.
func TestPipeline_StaleFailureReportIsDropped(t *testing.T) {
	reporter := newRecordingReporter()
	reporter.failErr = types.NewStaleInstanceError("gone")

	completer := CompleterFunc(func(ctx context.Context, item string) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	p := NewPipeline(staticResolver{reporter}, completer, WithItemDelay(time.Millisecond))
	rec := runPipeline(t, p, TaskParams{
		TaskID:          "task-4",
		CallbackAddress: "session-a",
		Items:           []string{"alpha"},
	})

	require.Equal(t, store.InstanceStatusFailed, rec.Status)
	_, _, _, failed := reporter.snapshot()
	assert.Empty(t, failed)
}

// A resolver failure happens before any reporter exists; the run must fail
// with the resolution error in the record instead of stalling.
func TestPipeline_ResolveFailureFailsRun(t *testing.T) {
	p := NewPipeline(failingResolver{}, EchoCompleter(),
		WithItemDelay(time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
	)

	rec := runPipeline(t, p, TaskParams{
		TaskID:          "task-5",
		CallbackAddress: "session-gone",
		Items:           []string{"alpha"},
	})

	require.Equal(t, store.InstanceStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "failed to resolve callback session-gone")
}

func TestItemProgress(t *testing.T) {
	assert.Equal(t, 37, ItemProgress(0, 3))
	assert.Equal(t, 63, ItemProgress(1, 3))
	assert.Equal(t, 90, ItemProgress(2, 3))
	assert.Equal(t, 90, ItemProgress(0, 1))
	assert.Equal(t, 90, ItemProgress(0, 0))
}

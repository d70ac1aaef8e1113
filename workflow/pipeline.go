package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/types"
)

// PipelineWorkflow is the registration name of the pipeline task.
const PipelineWorkflow = "pipeline"

// Pipeline is the durable multi-step task: initialize, one retriable step per
// item with a durable sleep between items, finalize, notify-complete. All
// progress flows through the Reporter resolved from the callback address.
type Pipeline struct {
	resolver  Resolver
	completer Completer
	itemDelay time.Duration
	logger    *zap.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithItemDelay sets the durable sleep between items.
func WithItemDelay(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.itemDelay = d }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline creates a pipeline reporting through resolver and processing
// items with completer.
func NewPipeline(resolver Resolver, completer Completer, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		resolver:  resolver,
		completer: completer,
		itemDelay: 500 * time.Millisecond,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pipeline"))
	return p
}

// Definition returns the workflow body for runtime registration.
func (p *Pipeline) Definition() engine.WorkflowFunc {
	return func(ctx context.Context, step engine.StepContext, raw json.RawMessage) (json.RawMessage, error) {
		var params TaskParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("invalid task params: %w", err)
		}

		reporter, err := p.resolver.Resolve(ctx, params.CallbackAddress)
		if err != nil {
			// There is no reporter yet, so the session cannot be
			// marked errored; the failure lands only in the
			// instance record and this log line.
			p.logger.Error("callback resolution failed, session not notified",
				zap.String("instance_id", step.InstanceID()),
				zap.String("callback_address", params.CallbackAddress),
				zap.Error(err),
			)
			return nil, fmt.Errorf("failed to resolve callback %s: %w", params.CallbackAddress, err)
		}

		out, runErr := p.run(ctx, step, reporter, params)
		if runErr != nil {
			// One final failure step reports the error before it
			// propagates, so the session never stalls in running
			// after the task has died.
			p.handleError(ctx, step, reporter, runErr)
			return nil, runErr
		}
		return out, nil
	}
}

func (p *Pipeline) run(ctx context.Context, step engine.StepContext, reporter Reporter, params TaskParams) (json.RawMessage, error) {
	instanceID := step.InstanceID()

	if _, err := step.Do(ctx, "initialize", func(ctx context.Context) (any, error) {
		return nil, reporter.UpdateStep(ctx, instanceID, "Initializing...", 0)
	}); err != nil {
		return nil, err
	}

	n := len(params.Items)
	for i, item := range params.Items {
		item := item
		progress := ItemProgress(i, n)
		name := fmt.Sprintf("process-item-%d", i+1)

		if _, err := step.Do(ctx, name, func(ctx context.Context) (any, error) {
			if err := reporter.UpdateStep(ctx, instanceID, fmt.Sprintf("Processing %s...", item), progress); err != nil {
				return nil, err
			}
			data, err := p.completer.Complete(ctx, item)
			if err != nil {
				return nil, err
			}
			result := Result{
				Key:       fmt.Sprintf("%s/item-%d", params.TaskID, i+1),
				Item:      item,
				Data:      data,
				CreatedAt: time.Now().UTC(),
			}
			if err := reporter.AddResult(ctx, instanceID, result); err != nil {
				return nil, err
			}
			return result, nil
		}); err != nil {
			return nil, err
		}

		if i < n-1 {
			if err := step.Sleep(ctx, fmt.Sprintf("sleep-after-item-%d", i+1), p.itemDelay); err != nil {
				return nil, err
			}
		}
	}

	final, err := step.Do(ctx, "finalize", func(ctx context.Context) (any, error) {
		if err := reporter.UpdateStep(ctx, instanceID, "Finalizing...", 95); err != nil {
			return nil, err
		}
		return FinalResult{
			TaskID:    params.TaskID,
			Processed: n,
			Items:     params.Items,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := step.Do(ctx, "notify-complete", func(ctx context.Context) (any, error) {
		return nil, reporter.Complete(ctx, instanceID, final)
	}); err != nil {
		return nil, err
	}
	return final, nil
}

func (p *Pipeline) handleError(ctx context.Context, step engine.StepContext, reporter Reporter, cause error) {
	_, err := step.Do(ctx, "handle-error", func(ctx context.Context) (any, error) {
		ferr := reporter.Fail(ctx, step.InstanceID(), cause.Error())
		// A stale rejection means the session already moved on
		// (cancelled or restarted); nothing left to report.
		if types.IsErrorCode(ferr, types.ErrStaleInstance) {
			return nil, nil
		}
		return nil, ferr
	})
	if err != nil {
		p.logger.Warn("failure report not delivered",
			zap.String("instance_id", step.InstanceID()),
			zap.Error(err),
		)
	}
}

// ItemProgress maps item index i of n onto the 10-90 band, rounded.
func ItemProgress(i, n int) int {
	if n <= 0 {
		return 90
	}
	return int(math.Round(10 + float64(i+1)/float64(n)*80))
}

package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/store"
	"github.com/BaSui01/taskflow/workflow"
)

// Registry guarantees one Agent per session id. Agents are created lazily on
// first reference and live for the registry's lifetime; the session state
// they own is never shared between instances.
//
// The registry is also the workflow Resolver: a task's callback address is a
// session id, resolved here to the owning agent.
type Registry struct {
	runtime engine.Runtime
	logger  *zap.Logger
	opts    []AgentOption

	mu     sync.RWMutex
	agents map[string]*Agent
}

var _ workflow.Resolver = (*Registry)(nil)

// NewRegistry creates a registry whose agents launch tasks on runtime.
// opts are applied to every agent it creates.
func NewRegistry(runtime engine.Runtime, logger *zap.Logger, opts ...AgentOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		runtime: runtime,
		logger:  logger,
		opts:    opts,
		agents:  make(map[string]*Agent),
	}
}

// Get returns the agent owning session, creating it on first reference.
func (r *Registry) Get(session string) *Agent {
	r.mu.RLock()
	a, ok := r.agents[session]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[session]; ok {
		return a
	}
	a = NewAgent(session, r.runtime, r.logger, r.opts...)
	r.agents[session] = a
	r.logger.Debug("agent created", zap.String("session", session))
	return a
}

// Resolve implements workflow.Resolver.
func (r *Registry) Resolve(ctx context.Context, callbackAddress string) (workflow.Reporter, error) {
	return r.Get(callbackAddress), nil
}

// Rehydrate adopts every recoverable instance record in the store into its
// session's agent, restoring the active-instance association a restart wiped
// out. Without it a relaunched run's first callback is rejected as stale.
// Call before the runtime's recovery sweep.
func (r *Registry) Rehydrate(ctx context.Context, st store.InstanceStore) (int, error) {
	recs, err := st.RecoverableInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan recoverable instances: %w", err)
	}

	count := 0
	for _, rec := range recs {
		if rec.Session == "" {
			continue
		}
		r.Get(rec.Session).adopt(rec)
		count++
	}
	return count, nil
}

// Sessions returns the ids of all live agents.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for session := range r.agents {
		out = append(out, session)
	}
	return out
}

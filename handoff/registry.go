package handoff

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Agent is the boundary contract between the engine and agent
// implementations. Invoke receives the user-visible message and a sanitized
// conversation context and returns the agent's reply. The engine never
// inspects how the reply is produced.
type Agent interface {
	Invoke(ctx context.Context, message string, convContext map[string]string) (string, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, message string, convContext map[string]string) (string, error)

// Invoke implements Agent.
func (f AgentFunc) Invoke(ctx context.Context, message string, convContext map[string]string) (string, error) {
	return f(ctx, message, convContext)
}

type registration struct {
	handle       Agent
	capabilities []string
}

// Registry maps agent ids to their handles and capability sets.
// Registrations are immutable for the lifetime of the process: there is no
// unregister, so reads taken under RLock stay valid after release.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*registration
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*registration),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds an agent under the given id. The id must be unique; the
// capability set may be empty.
func (r *Registry) Register(id string, handle Agent, capabilities []string) error {
	if id == "" {
		return fmt.Errorf("register agent: %w", ErrEmptyTargetAgent)
	}
	if handle == nil {
		return fmt.Errorf("register agent %q: nil handle", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; ok {
		return fmt.Errorf("register agent %q: %w", id, ErrAgentExists)
	}
	r.agents[id] = &registration{
		handle:       handle,
		capabilities: append([]string(nil), capabilities...),
	}
	r.logger.Info("registered agent",
		zap.String("agent_id", id),
		zap.Strings("capabilities", capabilities))
	return nil
}

// Get returns the handle for the given agent id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", id, ErrAgentNotFound)
	}
	return reg.handle, nil
}

// Has reports whether an agent is registered under the given id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Capabilities returns a copy of the agent's capability set. Unknown agents
// yield an empty set.
func (r *Registry) Capabilities(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[id]
	if !ok {
		return nil
	}
	return append([]string(nil), reg.capabilities...)
}

// HasCapabilities reports whether the agent advertises every capability in
// required. An unknown agent satisfies nothing but the empty list.
func (r *Registry) HasCapabilities(id string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[id]
	if !ok {
		return false
	}
	have := make(map[string]struct{}, len(reg.capabilities))
	for _, c := range reg.capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// IDs returns all registered agent ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

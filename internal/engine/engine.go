// Package engine defines the execution boundary between the orchestrator and
// the LLM backends it dispatches to, plus a registry that maps task types to
// engines.
package engine

import (
	"context"
	"fmt"
	"sync"
)

// Request is one unit of work handed to an engine.
type Request struct {
	TaskID    string
	Type      string
	Payload   map[string]any
	CallChain []string
}

// Response is a successful engine invocation.
type Response struct {
	Result           map[string]any
	PromptTokens     int
	CompletionTokens int
}

// Engine executes requests against one backend. Implementations must honor
// ctx cancellation; the orchestrator relies on it for timeouts and aborts.
type Engine interface {
	ID() string
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Registry maps engine ids and task-type defaults to engines. Safe for
// concurrent use after construction; registrations normally happen at startup.
type Registry struct {
	mu       sync.RWMutex
	engines  map[string]Engine
	defaults map[string]string // task type -> engine id
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{
		engines:  make(map[string]Engine),
		defaults: make(map[string]string),
	}
}

// Register adds an engine. Duplicate ids are an error; replacing a live
// engine under the orchestrator would strand in-flight requests.
func (r *Registry) Register(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.ID()
	if id == "" {
		return fmt.Errorf("engine id required")
	}
	if _, ok := r.engines[id]; ok {
		return fmt.Errorf("engine %q already registered", id)
	}
	r.engines[id] = e
	if r.fallback == "" {
		r.fallback = id
	}
	return nil
}

// SetDefault routes a task type to an engine id.
func (r *Registry) SetDefault(taskType, engineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[engineID]; !ok {
		return fmt.Errorf("engine %q not registered", engineID)
	}
	r.defaults[taskType] = engineID
	return nil
}

// Get returns the engine with the given id.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("engine %q not registered", id)
	}
	return e, nil
}

// Resolve picks the engine for a dispatch: an explicit id wins, then the
// task-type default, then the first registered engine.
func (r *Registry) Resolve(taskType, explicit string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := explicit
	if id == "" {
		id = r.defaults[taskType]
	}
	if id == "" {
		id = r.fallback
	}
	if id == "" {
		return nil, fmt.Errorf("no engine registered")
	}
	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("engine %q not registered", id)
	}
	return e, nil
}

// IDs returns the registered engine ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for id := range r.engines {
		out = append(out, id)
	}
	return out
}

// Package action holds the named units of work that can be dispatched into any
// execution context. Work is addressed by name rather than by closure so that a
// separate worker process can run it from its own registry.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Func executes one unit of work. params is the caller's JSON payload; the
// returned bytes become the run's output.
type Func func(ctx context.Context, env Env, params json.RawMessage) ([]byte, error)

// Env is what a unit of work can see of the context hosting it.
type Env struct {
	RunID            string
	Classpath        []string
	SystemProperties map[string]string

	// State is shared by every unit of work hosted in the same context and
	// invisible to all others.
	State *State

	// Log emits one log line for the run. Never nil.
	Log func(line string)
}

// State is mutable state scoped to one execution context.
type State struct {
	mu     sync.Mutex
	values map[string]any
}

// NewState returns an empty State.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores v under key.
func (s *State) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

// Incr increments the integer stored under key and returns the new value.
func (s *State) Incr(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.values[key].(int)
	n++
	s.values[key] = n
	return n
}

// Registry maps action names to their implementations. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Func)}
}

// Register adds fn under name, replacing any earlier registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run looks up name and executes it. env.Log and env.State are defaulted when nil.
func (r *Registry) Run(ctx context.Context, name string, env Env, params json.RawMessage) ([]byte, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	if env.Log == nil {
		env.Log = func(string) {}
	}
	if env.State == nil {
		env.State = NewState()
	}
	return fn(ctx, env, params)
}

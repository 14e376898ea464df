// Package scope provides the class-visibility isolation tier: each context is
// a scope bound to one classpath with its own private action state, hosted in
// the server process. Work leaking state into a scope only affects later work
// sharing the same scope.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/seantiz/isolane/internal/action"
	"github.com/seantiz/isolane/internal/backend"
	"github.com/seantiz/isolane/internal/model"
)

// ErrDestroyed is returned when invoking a scope that has been destroyed.
var ErrDestroyed = errors.New("scope destroyed")

// Config controls scope creation.
type Config struct {
	// ConcurrentSafe tags every scope as safe for overlapping invocations.
	// Scopes are exclusive by default.
	ConcurrentSafe bool
}

// Provider implements backend.Provider for the classloader strategy.
type Provider struct {
	cfg     Config
	actions *action.Registry
	logger  *slog.Logger
	live    atomic.Int64
}

// New creates a scope provider.
func New(cfg Config, actions *action.Registry, logger *slog.Logger) *Provider {
	return &Provider{cfg: cfg, actions: actions, logger: logger}
}

// Strategy reports model.StrategyClassloader.
func (p *Provider) Strategy() model.Strategy { return model.StrategyClassloader }

// Capabilities describes the provider.
func (p *Provider) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        "scope",
		Strategy:    model.StrategyClassloader,
		MultiUse:    p.cfg.ConcurrentSafe,
		Description: "runs work in a private classpath scope inside the server process",
	}
}

// Live returns the number of scopes not yet destroyed.
func (p *Provider) Live() int64 { return p.live.Load() }

// Provision creates a scope for spec's classpath.
//
// Every classpath entry must exist when the scope is provisioned; a missing
// entry fails provisioning with an error wrapping fs.ErrNotExist and no scope
// is created. Entries are checked once, so removing a file later does not
// affect a live scope.
func (p *Provider) Provision(ctx context.Context, spec model.WorkSpec) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, entry := range spec.Classpath {
		if _, err := os.Stat(entry); err != nil {
			return nil, fmt.Errorf("classpath entry %q: %w", entry, err)
		}
	}

	s := &Scope{
		id:        "scope-" + model.NewID(),
		classpath: slices.Clone(spec.Classpath),
		multiUse:  p.cfg.ConcurrentSafe,
		actions:   p.actions,
		state:     action.NewState(),
		provider:  p,
	}
	p.live.Add(1)
	p.logger.Debug("scope created", "context_id", s.id, "classpath_entries", len(s.classpath))
	return s, nil
}

// Scope is one isolated class-visibility context.
type Scope struct {
	id        string
	classpath []string
	multiUse  bool
	actions   *action.Registry
	state     *action.State
	provider  *Provider

	mu        sync.Mutex
	destroyed bool
}

// ID returns the scope identifier.
func (s *Scope) ID() string { return s.id }

// MultiUse reports whether the scope was created concurrent-safe.
func (s *Scope) MultiUse() bool { return s.multiUse }

// Alive reports whether the scope has not been destroyed.
func (s *Scope) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed
}

// Invoke runs the action on its own goroutine. If ctx ends first the call
// returns immediately; the abandoned work keeps the scope indeterminate, so
// callers must discard it.
func (s *Scope) Invoke(ctx context.Context, inv backend.Invocation) ([]byte, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrDestroyed
	}
	state := s.state
	s.mu.Unlock()

	env := action.Env{
		RunID:     inv.RunID,
		Classpath: s.classpath,
		State:     state,
		Log:       inv.Log,
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := backend.CallRecovered(func() ([]byte, error) {
			return s.actions.Run(ctx, inv.Action, env, inv.Params)
		})
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Destroy drops the scope's state. Later invocations fail with ErrDestroyed.
func (s *Scope) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	s.state = nil
	s.provider.live.Add(-1)
	s.provider.logger.Debug("scope destroyed", "context_id", s.id)
	return nil
}

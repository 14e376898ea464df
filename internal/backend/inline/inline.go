// Package inline runs work directly in the caller's goroutine, without any
// isolation. All runs share one stateless sentinel context.
package inline

import (
	"context"

	"github.com/seantiz/isolane/internal/action"
	"github.com/seantiz/isolane/internal/backend"
	"github.com/seantiz/isolane/internal/model"
)

// SentinelID identifies the shared inline context.
const SentinelID = "inline"

// Provider implements backend.Provider for the inline strategy.
type Provider struct {
	sentinel *handle
}

// New creates an inline provider dispatching to actions. Inline work shares one
// process-wide action state, since nothing separates it from other inline work.
func New(actions *action.Registry) *Provider {
	return &Provider{sentinel: &handle{actions: actions, state: action.NewState()}}
}

// Strategy reports model.StrategyInline.
func (p *Provider) Strategy() model.Strategy { return model.StrategyInline }

// Capabilities describes the provider.
func (p *Provider) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        "inline",
		Strategy:    model.StrategyInline,
		MultiUse:    true,
		Description: "runs work synchronously in the caller's goroutine",
	}
}

// Provision returns the sentinel handle. It never fails.
func (p *Provider) Provision(context.Context, model.WorkSpec) (backend.Handle, error) {
	return p.sentinel, nil
}

type handle struct {
	actions *action.Registry
	state   *action.State
}

func (h *handle) ID() string { return SentinelID }

func (h *handle) MultiUse() bool { return true }

// Alive is always true: the sentinel lives as long as the server.
func (h *handle) Alive() bool { return true }

// Invoke runs the action synchronously. It cannot abandon the work on
// cancellation; the action itself is expected to observe ctx.
func (h *handle) Invoke(ctx context.Context, inv backend.Invocation) ([]byte, error) {
	env := action.Env{
		RunID: inv.RunID,
		State: h.state,
		Log:   inv.Log,
	}
	return backend.CallRecovered(func() ([]byte, error) {
		return h.actions.Run(ctx, inv.Action, env, inv.Params)
	})
}

func (h *handle) Destroy(context.Context) error { return nil }

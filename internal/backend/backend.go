package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/isolane/internal/model"
)

// ErrHostCrashed is wrapped by handles when the host of an invocation (a worker
// process or an isolated scope) terminated abnormally.
var ErrHostCrashed = errors.New("execution host terminated abnormally")

// Provider creates isolated execution contexts for one strategy.
type Provider interface {
	// Strategy reports which resolved strategy this provider implements.
	Strategy() model.Strategy

	// Capabilities describes the provider for inspection endpoints.
	Capabilities() Capabilities

	// Provision creates a new context able to run work for spec. It must not
	// leave any resource behind when it returns an error.
	Provision(ctx context.Context, spec model.WorkSpec) (Handle, error)
}

// Handle is a live execution context created by a Provider.
type Handle interface {
	// ID uniquely identifies the context.
	ID() string

	// MultiUse reports whether the context may serve overlapping invocations.
	MultiUse() bool

	// Alive reports whether the context can still accept work. It must not
	// block; a context whose host has gone away reports false.
	Alive() bool

	// Invoke runs one unit of work inside the context. The context carries
	// deadlines and cancellation; a handle that cannot abandon work cleanly
	// must terminate its host instead.
	Invoke(ctx context.Context, inv Invocation) ([]byte, error)

	// Destroy releases the context's resources. It is safe to call more than once.
	Destroy(ctx context.Context) error
}

// Invocation is a unit of work addressed to a named action.
type Invocation struct {
	RunID  string          `json:"run_id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`

	// LogWriter is an optional callback that handles invoke to emit log lines
	// during execution.
	LogWriter func(line string) `json:"-"`
}

// Log forwards line to the invocation's LogWriter, if any.
func (inv Invocation) Log(line string) {
	if inv.LogWriter != nil {
		inv.LogWriter(line)
	}
}

// Capabilities describes a provider.
type Capabilities struct {
	Name        string         `json:"name"`
	Strategy    model.Strategy `json:"strategy"`
	MultiUse    bool           `json:"multi_use"`
	Description string         `json:"description"`
}

// CallRecovered runs fn and converts a panic into an error wrapping
// ErrHostCrashed, for providers that host work in the server's own process.
func CallRecovered(fn func() ([]byte, error)) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: panic: %v", ErrHostCrashed, r)
		}
	}()
	return fn()
}

package engine

import (
	"errors"
	"fmt"

	"github.com/seantiz/isolane/internal/model"
)

// Failure classes. A *RunError matches the one for its kind under errors.Is.
var (
	ErrProvisioning = errors.New("provisioning failure")
	ErrExecution    = errors.New("execution failure")
	ErrTimeout      = errors.New("timeout failure")
	ErrCancelled    = errors.New("run cancelled")
)

// ErrNotRunning is returned by Cancel for runs that are not in flight.
var ErrNotRunning = errors.New("run is not in flight")

// RunError is the failure of one run. Err is the underlying cause, forwarded
// unchanged from the pool or the execution context.
type RunError struct {
	Kind  model.FailureKind
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: %s: %v", e.RunID, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Is reports whether target is the failure class of e.
func (e *RunError) Is(target error) bool {
	switch target {
	case ErrProvisioning:
		return e.Kind == model.FailureProvisioning
	case ErrExecution:
		return e.Kind == model.FailureExecution
	case ErrTimeout:
		return e.Kind == model.FailureTimeout
	case ErrCancelled:
		return e.Kind == model.FailureCancelled
	}
	return false
}

package model

import (
	"encoding/json"
	"time"
)

// RunState is a step of the per-run state machine.
type RunState string

// Run state constants.
const (
	StatePending   RunState = "pending"
	StateResolving RunState = "resolving"
	StateAcquiring RunState = "acquiring"
	StateExecuting RunState = "executing"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
	StateReleased  RunState = "released"
)

// FailureKind classifies why a run failed.
type FailureKind string

// Failure kind constants.
const (
	FailureProvisioning FailureKind = "provisioning_failure"
	FailureExecution    FailureKind = "execution_failure"
	FailureTimeout      FailureKind = "timeout_failure"
	FailureCancelled    FailureKind = "cancelled"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[RunState]map[RunState]bool{
	StatePending: {
		StateResolving: true,
		StateFailed:    true,
	},
	StateResolving: {
		StateAcquiring: true,
		StateFailed:    true,
	},
	StateAcquiring: {
		StateExecuting: true,
		StateFailed:    true,
	},
	StateExecuting: {
		StateSucceeded: true,
		StateFailed:    true,
	},
	StateSucceeded: {
		StateReleased: true,
	},
	StateFailed: {
		StateReleased: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to RunState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s ends the run, i.e. it is succeeded, failed or released.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateReleased
}

// LogLine represents a single persisted log line from a run.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is the record of one unit of work passing through the engine.
type Run struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Spec        WorkSpec        `json:"spec"`
	Isolation   IsolationLevel  `json:"isolation"`
	Strategy    Strategy        `json:"strategy,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	ContextID   string          `json:"context_id,omitempty"`
	Action      string          `json:"action"`
	Params      json.RawMessage `json:"params,omitempty"`
	State       RunState        `json:"state"`
	// Result is the terminal outcome (succeeded or failed); it survives the
	// final transition to released.
	Result      RunState    `json:"result,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	Output      []byte      `json:"output,omitempty"`
	TimeoutS    *int        `json:"timeout_s,omitempty"`
	DurationMS  *int        `json:"duration_ms,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

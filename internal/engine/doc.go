// Package engine runs units of work through the run state machine:
// pending, resolving, acquiring, executing, succeeded or failed, released.
// It resolves the isolation strategy of each run, leases an execution context
// from the pool, enforces the run's timeout and releases the context exactly
// once with an outcome that poisons it whenever its state may be corrupt.
package engine

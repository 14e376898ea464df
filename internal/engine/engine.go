package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/isolane/internal/backend"
	"github.com/seantiz/isolane/internal/model"
	"github.com/seantiz/isolane/internal/pool"
	"github.com/seantiz/isolane/internal/store"
)

const (
	// DefaultTimeout applies to work that does not set its own timeout.
	DefaultTimeout = 30 * time.Second
	// MaxTimeout is the longest timeout a run may ask for.
	MaxTimeout = 24 * time.Hour
)

// errRunTimeout is the cancellation cause of a run's own deadline.
var errRunTimeout = errors.New("run timeout exceeded")

// Pool is the part of the execution context pool the engine uses.
type Pool interface {
	Acquire(ctx context.Context, key pool.Key, spec model.WorkSpec) (*pool.Lease, error)
	Release(lease *pool.Lease, outcome pool.Outcome)
}

// Work names the unit of work to run.
type Work struct {
	Action string
	Params json.RawMessage
	// Timeout caps acquiring plus executing; zero uses the engine default.
	Timeout time.Duration
}

// Config configures an Engine.
type Config struct {
	DefaultTimeout time.Duration
}

// Engine orchestrates run execution.
type Engine struct {
	store  store.Store
	pool   Pool
	cfg    Config
	logger *slog.Logger
	wg     sync.WaitGroup
	broker *LogBroker

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, p Pool, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Engine{
		store:   s,
		pool:    p,
		cfg:     cfg,
		logger:  logger,
		broker:  NewLogBroker(),
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// EffectiveTimeout returns the deadline a run of work is given.
func (e *Engine) EffectiveTimeout(work Work) time.Duration {
	if work.Timeout <= 0 {
		return e.cfg.DefaultTimeout
	}
	return work.Timeout
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Run executes work under spec and returns the finished run. A failed run is
// returned together with a *RunError.
func (e *Engine) Run(ctx context.Context, spec model.WorkSpec, work Work) (*model.Run, error) {
	r, err := e.create(ctx, spec, work)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	e.track(r.ID, cancel)
	defer cancel(nil)

	err = e.execute(runCtx, r, work)
	return r, err
}

// Submit stores a pending run and executes it on a goroutine detached from
// ctx. It returns a snapshot of the pending run; the goroutine works on its
// own copy.
func (e *Engine) Submit(ctx context.Context, spec model.WorkSpec, work Work) (*model.Run, error) {
	r, err := e.create(ctx, spec, work)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	e.track(r.ID, cancel)

	snapshot := *r
	e.wg.Go(func() {
		defer cancel(nil)
		if err := e.execute(runCtx, r, work); err != nil {
			e.logger.Debug("async run failed", "run_id", r.ID, "error", err)
		}
	})
	return &snapshot, nil
}

// Cancel cancels an in-flight run. A run cancelled before it starts executing
// releases its context unharmed; one cancelled while executing poisons it.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel(ErrCancelled)
	e.logger.Info("run cancellation requested", "run_id", id)
	return nil
}

// Wait blocks until all submitted runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) track(id string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

// create validates the request and stores the run as pending. The spec is
// cloned so later changes by the caller never reach the run.
func (e *Engine) create(ctx context.Context, spec model.WorkSpec, work Work) (*model.Run, error) {
	spec = spec.Clone()
	spec.Isolation = spec.Isolation.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid work spec: %w", err)
	}
	if work.Action == "" {
		return nil, errors.New("work action is required")
	}

	if work.Timeout > MaxTimeout {
		return nil, fmt.Errorf("work timeout %s exceeds maximum %s", work.Timeout, MaxTimeout)
	}
	timeout := e.EffectiveTimeout(work)
	timeoutS := int(math.Ceil(timeout.Seconds()))

	id := model.NewID()
	r := &model.Run{
		ID:          id,
		DisplayName: spec.Label(id),
		Spec:        spec,
		Isolation:   spec.Isolation,
		Action:      work.Action,
		Params:      work.Params,
		State:       model.StatePending,
		TimeoutS:    &timeoutS,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	runsInFlight.Inc()
	return r, nil
}

// execute drives r from pending to released. Once a context is leased it is
// released exactly once on every path, including panics.
func (e *Engine) execute(ctx context.Context, r *model.Run, work Work) error {
	defer e.broker.Close(r.ID)
	defer e.untrack(r.ID)
	defer runsInFlight.Dec()

	start := time.Now().UTC()
	r.StartedAt = &start
	logger := e.logger.With("run_id", r.ID, "display_name", r.DisplayName)

	if ctx.Err() != nil {
		return e.fail(r, start, nil, model.FailureCancelled, context.Cause(ctx))
	}

	// Resolving.
	e.transition(r, model.StateResolving)
	strategy := backend.Resolve(r.Spec)
	key := pool.KeyFor(strategy, r.Spec)
	r.Strategy = strategy
	r.Fingerprint = key.Fingerprint
	logger = logger.With("strategy", strategy)
	logger.Debug("isolation resolved", "isolation", r.Isolation, "fingerprint", key.Fingerprint)

	// Acquiring. The timeout covers acquiring and executing.
	timeout := time.Duration(*r.TimeoutS) * time.Second
	if work.Timeout > 0 {
		timeout = work.Timeout
	}
	e.transition(r, model.StateAcquiring)
	tctx, tcancel := context.WithTimeoutCause(ctx, timeout, errRunTimeout)
	defer tcancel()

	lease, err := e.pool.Acquire(tctx, key, r.Spec)
	if err != nil {
		if tctx.Err() != nil {
			kind, cause := classifyDone(tctx, timeout)
			return e.fail(r, start, nil, kind, cause)
		}
		return e.fail(r, start, nil, model.FailureProvisioning, err)
	}

	outcome := pool.OutcomePoisoned
	released := false
	release := func() {
		if !released {
			released = true
			e.pool.Release(lease, outcome)
		}
	}
	defer release()

	r.ContextID = lease.ContextID
	if tctx.Err() != nil {
		// Done before executing: the context was never touched.
		outcome = pool.OutcomeClean
		kind, cause := classifyDone(tctx, timeout)
		return e.fail(r, start, release, kind, cause)
	}

	// Executing.
	e.transition(r, model.StateExecuting)
	logger.Info("run executing", "context_id", lease.ContextID, "action", work.Action)

	out, err := lease.Handle.Invoke(tctx, backend.Invocation{
		RunID:     r.ID,
		Action:    r.Action,
		Params:    r.Params,
		LogWriter: e.logWriter(r.ID),
	})

	switch {
	case tctx.Err() != nil:
		// The context's state is indeterminate even if the work returned.
		kind, cause := classifyDone(tctx, timeout)
		return e.fail(r, start, release, kind, cause)
	case err != nil:
		return e.fail(r, start, release, model.FailureExecution, err)
	}

	outcome = pool.OutcomeClean
	r.Output = out
	r.Result = model.StateSucceeded
	e.finishTimes(r, start)
	e.transition(r, model.StateSucceeded)
	release()
	e.transition(r, model.StateReleased)
	e.record(r, start)
	logger.Info("run succeeded", "duration_ms", *r.DurationMS)
	return nil
}

// fail records a failed run, calls release if a context is held and moves the
// run to released.
func (e *Engine) fail(r *model.Run, start time.Time, release func(), kind model.FailureKind, cause error) error {
	r.Result = model.StateFailed
	r.FailureKind = kind
	r.Error = cause.Error()
	e.finishTimes(r, start)
	e.transition(r, model.StateFailed)
	if release != nil {
		release()
	}
	e.transition(r, model.StateReleased)
	e.record(r, start)

	e.logger.Warn("run failed",
		"run_id", r.ID,
		"strategy", r.Strategy,
		"context_id", r.ContextID,
		"failure_kind", kind,
		"error", cause,
	)
	return &RunError{Kind: kind, RunID: r.ID, Err: cause}
}

// classifyDone maps a finished run context to a failure kind and cause.
func classifyDone(ctx context.Context, timeout time.Duration) (model.FailureKind, error) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errRunTimeout), errors.Is(cause, context.DeadlineExceeded):
		return model.FailureTimeout, fmt.Errorf("run timed out after %s", timeout)
	case cause == nil:
		return model.FailureCancelled, context.Canceled
	default:
		return model.FailureCancelled, cause
	}
}

func (e *Engine) finishTimes(r *model.Run, start time.Time) {
	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())
	r.FinishedAt = &now
	r.DurationMS = &dur
}

// transition moves r to state and persists it. Persistence failures are
// logged: a held context must still be released.
func (e *Engine) transition(r *model.Run, state model.RunState) {
	if !model.ValidTransition(r.State, state) {
		e.logger.Error("invalid run transition", "run_id", r.ID, "from", r.State, "to", state)
		return
	}
	r.State = state
	if err := e.store.UpdateRun(context.Background(), r); err != nil {
		e.logger.Error("failed to persist run state", "run_id", r.ID, "state", state, "error", err)
	}
}

func (e *Engine) record(r *model.Run, start time.Time) {
	outcome := string(r.Result)
	if r.FailureKind != "" {
		outcome = string(r.FailureKind)
	}
	strategy := string(r.Strategy)
	if strategy == "" {
		strategy = "unresolved"
	}
	runsTotal.WithLabelValues(strategy, outcome).Inc()
	runDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
}

// logWriter persists each line for history, then publishes it for live
// subscribers.
func (e *Engine) logWriter(runID string) func(string) {
	var seq atomic.Int32
	return func(line string) {
		l := model.LogLine{
			RunID:     runID,
			Seq:       int(seq.Add(1) - 1),
			Line:      line,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.InsertLogLine(context.Background(), runID, l.Seq, line); err != nil {
			e.logger.Error("failed to persist log line", "run_id", runID, "seq", l.Seq, "error", err)
		}
		e.broker.Publish(l)
	}
}

// Package process provides the process isolation tier: each execution context
// is a long-lived worker process that receives units of work as
// length-prefixed JSON frames on its stdin and answers on its stdout.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/isolane/internal/backend"
	"github.com/seantiz/isolane/internal/model"
)

const (
	// DefaultStartTimeout bounds the wait for a new worker's ready message.
	DefaultStartTimeout = 10 * time.Second

	// gracefulShutdownTimeout is the time a worker gets to exit after its
	// stdin is closed before it is killed.
	gracefulShutdownTimeout = 3 * time.Second

	// Worker command-line flags derived from fork options.
	flagClasspath = "--classpath"
	flagSysprop   = "--sysprop"
	flagMinHeap   = "--min-heap-mb"
)

// Config controls how worker processes are spawned.
type Config struct {
	// Command is the worker executable followed by any leading arguments.
	Command []string

	// StartTimeout bounds the wait for the worker's ready message.
	StartTimeout time.Duration

	// ExtraEnv is appended to every worker's environment after the fork
	// options' environment.
	ExtraEnv []string
}

// Provider implements backend.Provider for the process strategy.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a process provider.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is required")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	return &Provider{cfg: cfg, logger: logger}, nil
}

// Strategy reports model.StrategyProcess.
func (p *Provider) Strategy() model.Strategy { return model.StrategyProcess }

// Capabilities describes the provider.
func (p *Provider) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        "process",
		Strategy:    model.StrategyProcess,
		MultiUse:    false,
		Description: "runs work in a dedicated worker process honouring fork options",
	}
}

// BuildArgs returns the worker arguments that carry spec's classpath, system
// properties and minimum heap. Fork option args follow a "--" terminator.
func BuildArgs(spec model.WorkSpec) []string {
	var args []string
	for _, entry := range spec.Classpath {
		args = append(args, flagClasspath, entry)
	}

	keys := make([]string, 0, len(spec.ForkOptions.SystemProperties))
	for k := range spec.ForkOptions.SystemProperties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, flagSysprop, k+"="+spec.ForkOptions.SystemProperties[k])
	}

	if spec.ForkOptions.MinHeapMB > 0 {
		args = append(args, flagMinHeap, strconv.Itoa(spec.ForkOptions.MinHeapMB))
	}
	if len(spec.ForkOptions.Args) > 0 {
		args = append(args, "--")
		args = append(args, spec.ForkOptions.Args...)
	}
	return args
}

// BuildEnv returns base extended with the fork options' environment, in key
// order, and a GOMEMLIMIT derived from the maximum heap.
func BuildEnv(base []string, opts model.ForkOptions) []string {
	env := slices.Clone(base)

	keys := make([]string, 0, len(opts.Environment))
	for k := range opts.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Environment[k])
	}

	if opts.MaxHeapMB > 0 {
		env = append(env, "GOMEMLIMIT="+strconv.Itoa(opts.MaxHeapMB)+"MiB")
	}
	return env
}

// Provision starts a worker process for spec and waits for it to report ready.
// On any failure the process is killed and reaped before returning.
func (p *Provider) Provision(ctx context.Context, spec model.WorkSpec) (backend.Handle, error) {
	id := "worker-" + model.NewID()

	args := append(slices.Clone(p.cfg.Command[1:]), BuildArgs(spec)...)
	cmd := exec.Command(p.cfg.Command[0], args...)
	cmd.Env = append(BuildEnv(os.Environ(), spec.ForkOptions), p.cfg.ExtraEnv...)
	cmd.Dir = spec.ForkOptions.WorkingDir
	cmd.Stderr = &stderrLogger{logger: p.logger, contextID: id}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	spawnStart := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	activeWorkers.Inc()

	w := &Worker{
		id:        id,
		cmd:       cmd,
		stdin:     stdin,
		msgs:      make(chan WorkerMessage, 16),
		exited:    make(chan struct{}),
		abandoned: make(chan struct{}),
		logger:    p.logger,
	}
	go w.readLoop(stdout)

	if err := w.awaitReady(ctx, p.cfg.StartTimeout); err != nil {
		w.kill()
		<-w.exited
		return nil, err
	}
	workerSpawnDuration.Observe(time.Since(spawnStart).Seconds())

	p.logger.Info("worker started",
		"context_id", id,
		"pid", cmd.Process.Pid,
		"classpath_entries", len(spec.Classpath),
		"max_heap_mb", spec.ForkOptions.MaxHeapMB,
	)
	return w, nil
}

// Worker is a handle on one worker process.
type Worker struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	// msgs carries decoded frames from stdout; it is closed when the stream
	// ends. exited is closed once the process has been reaped, after which
	// exitErr is safe to read.
	msgs    chan WorkerMessage
	exited  chan struct{}
	exitErr error

	// abandoned is closed when the worker is killed; from then on nobody
	// consumes msgs and the read loop discards frames.
	abandoned   chan struct{}
	abandonOnce sync.Once

	// mu serialises invocations: a worker runs one unit of work at a time.
	mu sync.Mutex

	destroyOnce sync.Once
	destroyErr  error
}

// ID returns the context identifier.
func (w *Worker) ID() string { return w.id }

// MultiUse is always false: process execution is exclusive per run.
func (w *Worker) MultiUse() bool { return false }

// Alive reports whether the worker process is still running. A worker that
// died while idle (killed, out of memory) reports false.
func (w *Worker) Alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// PID returns the worker's operating-system process id.
func (w *Worker) PID() int { return w.cmd.Process.Pid }

// Exited is closed once the worker process has been reaped.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

func (w *Worker) readLoop(stdout io.Reader) {
	defer func() {
		close(w.msgs)
		w.exitErr = w.cmd.Wait()
		activeWorkers.Dec()
		close(w.exited)
	}()

	r := bufio.NewReader(stdout)
	for {
		var msg WorkerMessage
		if err := ReadMessage(r, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Warn("worker stream broken", "context_id", w.id, "error", err)
			}
			// Drain so the process is never blocked writing to a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
		select {
		case w.msgs <- msg:
		case <-w.abandoned:
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

func (w *Worker) awaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-w.msgs:
		if !ok {
			<-w.exited
			return fmt.Errorf("worker exited before ready: %v", w.exitErr)
		}
		if msg.Type != MsgTypeReady {
			return fmt.Errorf("unexpected first message %q from worker", msg.Type)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("worker not ready after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke sends inv to the worker and waits for its result, forwarding log
// lines as they arrive. If ctx ends first the worker is killed: its state is
// indeterminate and an abandoned result must never be read by a later run.
func (w *Worker) Invoke(ctx context.Context, inv backend.Invocation) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.exited:
		return nil, fmt.Errorf("%w: worker %s already exited: %v", backend.ErrHostCrashed, w.id, w.exitErr)
	default:
	}

	req := WorkRequest{RunID: inv.RunID, Action: inv.Action, Params: inv.Params}
	if err := WriteMessage(w.stdin, req); err != nil {
		w.kill()
		return nil, fmt.Errorf("%w: send request to worker %s: %v", backend.ErrHostCrashed, w.id, err)
	}

	for {
		select {
		case msg, ok := <-w.msgs:
			if !ok {
				<-w.exited
				workerCrashes.Inc()
				return nil, fmt.Errorf("%w: worker %s exited during run: %v", backend.ErrHostCrashed, w.id, w.exitErr)
			}
			switch msg.Type {
			case MsgTypeLog:
				inv.Log(msg.Line)
			case MsgTypeResult:
				if msg.Response == nil {
					w.kill()
					return nil, fmt.Errorf("%w: worker %s sent an empty result", backend.ErrHostCrashed, w.id)
				}
				if msg.Response.Error != "" {
					return nil, errors.New(msg.Response.Error)
				}
				return msg.Response.Output, nil
			default:
				w.logger.Warn("unexpected worker message", "context_id", w.id, "type", msg.Type)
			}
		case <-ctx.Done():
			w.kill()
			workerKills.Inc()
			return nil, ctx.Err()
		}
	}
}

// Destroy closes the worker's stdin, which asks it to exit, and kills it if it
// does not exit within the grace period.
func (w *Worker) Destroy(ctx context.Context) error {
	w.destroyOnce.Do(func() {
		_ = w.stdin.Close()

		timer := time.NewTimer(gracefulShutdownTimeout)
		defer timer.Stop()

		select {
		case <-w.exited:
		case <-timer.C:
			w.logger.Debug("worker did not exit, killing", "context_id", w.id)
			w.kill()
			<-w.exited
		case <-ctx.Done():
			w.kill()
			<-w.exited
		}

		var exitErr *exec.ExitError
		if w.exitErr != nil && !errors.As(w.exitErr, &exitErr) {
			w.destroyErr = fmt.Errorf("reap worker %s: %w", w.id, w.exitErr)
		}
		w.logger.Debug("worker destroyed", "context_id", w.id)
	})
	return w.destroyErr
}

func (w *Worker) kill() {
	w.abandonOnce.Do(func() { close(w.abandoned) })
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.logger.Debug("kill worker", "context_id", w.id, "error", err)
	}
}

// stderrLogger forwards worker stderr to the structured logger, one record per line.
type stderrLogger struct {
	logger    *slog.Logger
	contextID string
	buf       bytes.Buffer
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			s.buf.Reset()
			s.buf.WriteString(line)
			return len(p), nil
		}
		s.logger.Debug("worker stderr", "context_id", s.contextID, "line", line[:len(line)-1])
	}
}

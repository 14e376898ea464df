// Package worker implements the worker-process side of the process isolation
// tier. A worker reads work requests from its stdin, runs the named action
// against its own action registry and streams log lines and one result per
// request back on its stdout. Closing stdin asks the worker to exit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/seantiz/isolane/internal/action"
	"github.com/seantiz/isolane/internal/backend/process"
)

// Options are the fork-derived settings a worker is started with.
type Options struct {
	Classpath        []string
	SystemProperties map[string]string
	MinHeapMB        int
	// Args holds everything after the "--" terminator.
	Args []string
}

// ParseArgs parses worker command-line arguments.
func ParseArgs(args []string) (Options, error) {
	fs := pflag.NewFlagSet("isolane-worker", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts Options
	var props []string
	fs.StringArrayVar(&opts.Classpath, "classpath", nil, "classpath entry (repeatable)")
	fs.StringArrayVar(&props, "sysprop", nil, "system property as key=value (repeatable)")
	fs.IntVar(&opts.MinHeapMB, "min-heap-mb", 0, "heap to reserve at start-up, in MiB")

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if opts.MinHeapMB < 0 {
		return Options{}, fmt.Errorf("min-heap-mb must not be negative")
	}

	opts.SystemProperties = make(map[string]string, len(props))
	for _, p := range props {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return Options{}, fmt.Errorf("invalid system property %q, want key=value", p)
		}
		opts.SystemProperties[k] = v
	}
	opts.Args = fs.Args()
	return opts, nil
}

// Worker serves work requests over a pair of streams.
type Worker struct {
	in      io.Reader
	out     io.Writer
	actions *action.Registry
	opts    Options
	logger  *slog.Logger

	// state lives as long as the process: work sharing this worker shares it.
	state *action.State

	// writeMu protects out from concurrent log writes.
	writeMu sync.Mutex
}

// New creates a worker reading requests from in and writing messages to out.
func New(in io.Reader, out io.Writer, actions *action.Registry, opts Options, logger *slog.Logger) *Worker {
	return &Worker{
		in:      in,
		out:     out,
		actions: actions,
		opts:    opts,
		logger:  logger,
		state:   action.NewState(),
	}
}

// Serve announces readiness and then handles requests until in is closed or
// ctx is cancelled between requests. Action panics are deliberately not
// recovered: the process dies and the host observes abnormal termination.
func (w *Worker) Serve(ctx context.Context) error {
	if err := w.send(process.WorkerMessage{Type: process.MsgTypeReady, PID: os.Getpid()}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req process.WorkRequest
		if err := process.ReadMessage(w.in, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		resp := w.execute(ctx, &req)
		if err := w.send(process.WorkerMessage{Type: process.MsgTypeResult, Response: &resp}); err != nil {
			return fmt.Errorf("send result: %w", err)
		}
	}
}

// execute runs one request and converts its outcome into a response.
func (w *Worker) execute(ctx context.Context, req *process.WorkRequest) process.WorkResponse {
	env := action.Env{
		RunID:            req.RunID,
		Classpath:        w.opts.Classpath,
		SystemProperties: w.opts.SystemProperties,
		State:            w.state,
		Log: func(line string) {
			if err := w.send(process.WorkerMessage{Type: process.MsgTypeLog, Line: line}); err != nil {
				w.logger.Error("send log line", "run_id", req.RunID, "error", err)
			}
		},
	}

	w.logger.Debug("running action", "run_id", req.RunID, "action", req.Action)
	out, err := w.actions.Run(ctx, req.Action, env, req.Params)
	if err != nil {
		return process.WorkResponse{Error: err.Error()}
	}
	return process.WorkResponse{Output: out}
}

func (w *Worker) send(msg process.WorkerMessage) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return process.WriteMessage(w.out, msg)
}

// Main is the worker process entry point. It serves on stdin/stdout, logs to
// stderr and returns the process exit code.
func Main(args []string, actions *action.Registry) int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts, err := ParseArgs(args)
	if err != nil {
		logger.Error("invalid arguments", "error", err)
		return 2
	}

	// Reserving the minimum heap up front keeps the collector from running
	// until the live heap outgrows it.
	var ballast []byte
	if opts.MinHeapMB > 0 {
		ballast = make([]byte, opts.MinHeapMB<<20)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = New(os.Stdin, os.Stdout, actions, opts, logger).Serve(ctx)
	runtime.KeepAlive(ballast)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("serve", "error", err)
		return 1
	}
	return 0
}

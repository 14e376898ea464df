package process_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/isolane/internal/action"
	"github.com/seantiz/isolane/internal/backend"
	"github.com/seantiz/isolane/internal/backend/process"
	"github.com/seantiz/isolane/internal/model"
	"github.com/seantiz/isolane/internal/pool"
	"github.com/seantiz/isolane/internal/worker"
)

// envHelperMode switches the test binary into a worker process.
const envHelperMode = "ISOLANE_TEST_WORKER"

func TestMain(m *testing.M) {
	switch os.Getenv(envHelperMode) {
	case "serve":
		os.Exit(worker.Main(os.Args[1:], action.Builtins()))
	case "exit":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newHelperProvider(t *testing.T, mode string) *process.Provider {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	p, err := process.New(process.Config{
		Command:      []string{os.Args[0]},
		StartTimeout: 5 * time.Second,
		ExtraEnv:     []string{envHelperMode + "=" + mode},
	}, logger)
	if err != nil {
		t.Fatalf("process.New: %v", err)
	}
	return p
}

func provision(t *testing.T, p *process.Provider, spec model.WorkSpec) *process.Worker {
	t.Helper()
	h, err := p.Provision(context.Background(), spec)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() { h.Destroy(context.Background()) })
	return h.(*process.Worker)
}

func TestNewRequiresCommand(t *testing.T) {
	if _, err := process.New(process.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestWorkerRunsInSeparateProcess(t *testing.T) {
	w := provision(t, newHelperProvider(t, "serve"), model.WorkSpec{})
	if w.PID() == os.Getpid() {
		t.Fatal("worker shares the test process id")
	}

	out, err := w.Invoke(context.Background(), backend.Invocation{Action: action.Report})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var rep action.EnvReport
	if err := json.Unmarshal(out, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.PID != w.PID() {
		t.Errorf("report PID = %d, want worker PID %d", rep.PID, w.PID())
	}
}

func TestWorkerHonoursForkOptions(t *testing.T) {
	dir := t.TempDir()
	spec := model.WorkSpec{
		Classpath: []string{"lib/a.jar", "lib/b.jar"},
		ForkOptions: model.ForkOptions{
			MaxHeapMB:        64,
			MinHeapMB:        1,
			SystemProperties: map[string]string{"profile": "ci"},
			WorkingDir:       dir,
			Environment:      map[string]string{"ISOLANE_FORK_VAR": "forked"},
		},
	}
	w := provision(t, newHelperProvider(t, "serve"), spec)

	out, err := w.Invoke(context.Background(), backend.Invocation{
		Action: action.Report,
		Params: json.RawMessage(`{"env":["ISOLANE_FORK_VAR","GOMEMLIMIT"]}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var rep action.EnvReport
	if err := json.Unmarshal(out, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	wantDir, _ := filepath.EvalSymlinks(dir)
	gotDir, _ := filepath.EvalSymlinks(rep.WorkingDir)
	if gotDir != wantDir {
		t.Errorf("working dir = %q, want %q", gotDir, wantDir)
	}
	if rep.Environment["ISOLANE_FORK_VAR"] != "forked" {
		t.Errorf("environment = %v", rep.Environment)
	}
	if rep.Environment["GOMEMLIMIT"] != "64MiB" {
		t.Errorf("GOMEMLIMIT = %q, want 64MiB", rep.Environment["GOMEMLIMIT"])
	}
	if rep.SystemProperties["profile"] != "ci" {
		t.Errorf("system properties = %v", rep.SystemProperties)
	}
	if len(rep.Classpath) != 2 || rep.Classpath[1] != "lib/b.jar" {
		t.Errorf("classpath = %v", rep.Classpath)
	}
}

func TestWorkerReuseKeepsState(t *testing.T) {
	w := provision(t, newHelperProvider(t, "serve"), model.WorkSpec{})
	for _, want := range []string{"1", "2"} {
		out, err := w.Invoke(context.Background(), backend.Invocation{Action: action.Counter})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if string(out) != want {
			t.Errorf("count = %s, want %s", out, want)
		}
	}
}

func TestWorkerForwardsLogs(t *testing.T) {
	w := provision(t, newHelperProvider(t, "serve"), model.WorkSpec{})
	var lines []string
	_, err := w.Invoke(context.Background(), backend.Invocation{
		Action:    action.Log,
		Params:    json.RawMessage(`{"lines":["compiling","done"]}`),
		LogWriter: func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if strings.Join(lines, ",") != "compiling,done" {
		t.Errorf("lines = %v", lines)
	}
}

func TestWorkerActionErrorKeepsProcess(t *testing.T) {
	w := provision(t, newHelperProvider(t, "serve"), model.WorkSpec{})
	_, err := w.Invoke(context.Background(), backend.Invocation{
		Action: action.Fail,
		Params: json.RawMessage(`{"message":"compile error"}`),
	})
	if err == nil || err.Error() != "compile error" {
		t.Fatalf("error = %v, want compile error", err)
	}
	if errors.Is(err, backend.ErrHostCrashed) {
		t.Error("an action error must not be reported as a host crash")
	}
	select {
	case <-w.Exited():
		t.Error("worker exited after an action error")
	default:
	}
}

func TestWorkerCrashReported(t *testing.T) {
	w := provision(t, newHelperProvider(t, "serve"), model.WorkSpec{})
	_, err := w.Invoke(context.Background(), backend.Invocation{Action: action.Crash})
	if !errors.Is(err, backend.ErrHostCrashed) {
		t.Fatalf("error = %v, want ErrHostCrashed", err)
	}

	_, err = w.Invoke(context.Background(), backend.Invocation{Action: action.Echo})
	if !errors.Is(err, backend.ErrHostCrashed) {
		t.Errorf("invoke after crash error = %v, want ErrHostCrashed", err)
	}
}

func TestWorkerKilledOnTimeout(t *testing.T) {
	w := provision(t, newHelperProvider(t, "serve"), model.WorkSpec{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := w.Invoke(ctx, backend.Invocation{Action: action.Sleep, Params: json.RawMessage(`{"ms":30000}`)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	select {
	case <-w.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("worker still running after timeout")
	}
}

func TestAliveTracksProcess(t *testing.T) {
	w := provision(t, newHelperProvider(t, "serve"), model.WorkSpec{})
	if !w.Alive() {
		t.Fatal("fresh worker reports dead")
	}

	proc, err := os.FindProcess(w.PID())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-w.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("worker not reaped after kill")
	}
	if w.Alive() {
		t.Error("killed worker reports alive")
	}
}

func TestPoolReplacesWorkerKilledWhileIdle(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry()
	reg.Register(newHelperProvider(t, "serve"))
	p := pool.New(reg, pool.Config{}, logger)
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	ctx := context.Background()
	spec := model.WorkSpec{ForkOptions: model.ForkOptions{MaxHeapMB: 64}}
	key := pool.KeyFor(model.StrategyProcess, spec)

	first, err := p.Acquire(ctx, key, spec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := first.Handle.Invoke(ctx, backend.Invocation{Action: action.Echo, Params: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	p.Release(first, pool.OutcomeClean)

	w := first.Handle.(*process.Worker)
	proc, err := os.FindProcess(w.PID())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	<-w.Exited()

	second, err := p.Acquire(ctx, key, spec)
	if err != nil {
		t.Fatalf("Acquire after kill: %v", err)
	}
	defer p.Release(second, pool.OutcomeClean)
	if second.ContextID == first.ContextID {
		t.Fatal("killed worker handed out again")
	}
	out, err := second.Handle.Invoke(ctx, backend.Invocation{Action: action.Echo, Params: json.RawMessage(`2`)})
	if err != nil {
		t.Fatalf("Invoke on replacement: %v", err)
	}
	if string(out) != "2" {
		t.Errorf("output = %q, want 2", out)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	p := newHelperProvider(t, "serve")
	h, err := p.Provision(context.Background(), model.WorkSpec{})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	w := h.(*process.Worker)

	if err := w.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := w.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	select {
	case <-w.Exited():
	default:
		t.Error("worker not reaped after Destroy")
	}
}

func TestProvisionFailures(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	t.Run("missing binary", func(t *testing.T) {
		p, _ := process.New(process.Config{Command: []string{filepath.Join(t.TempDir(), "no-such-worker")}}, logger)
		if _, err := p.Provision(context.Background(), model.WorkSpec{}); err == nil {
			t.Error("expected spawn error")
		}
	})

	t.Run("exits before ready", func(t *testing.T) {
		p := newHelperProvider(t, "exit")
		if _, err := p.Provision(context.Background(), model.WorkSpec{}); err == nil {
			t.Error("expected error for worker exiting before ready")
		}
	})

	t.Run("never ready", func(t *testing.T) {
		p, _ := process.New(process.Config{
			Command:      []string{os.Args[0]},
			StartTimeout: 200 * time.Millisecond,
			ExtraEnv:     []string{envHelperMode + "=hang"},
		}, logger)
		start := time.Now()
		if _, err := p.Provision(context.Background(), model.WorkSpec{}); err == nil {
			t.Error("expected start timeout")
		}
		if time.Since(start) > 5*time.Second {
			t.Error("provision did not honour the start timeout")
		}
	})

	t.Run("bad working dir", func(t *testing.T) {
		p := newHelperProvider(t, "serve")
		spec := model.WorkSpec{ForkOptions: model.ForkOptions{WorkingDir: filepath.Join(t.TempDir(), "missing")}}
		if _, err := p.Provision(context.Background(), spec); err == nil {
			t.Error("expected error for missing working directory")
		}
	})
}

func TestBuildArgs(t *testing.T) {
	spec := model.WorkSpec{
		Classpath: []string{"a.jar", "b.jar"},
		ForkOptions: model.ForkOptions{
			MinHeapMB:        16,
			SystemProperties: map[string]string{"z": "1", "a": "2"},
			Args:             []string{"--debug"},
		},
	}
	got := strings.Join(process.BuildArgs(spec), " ")
	want := "--classpath a.jar --classpath b.jar --sysprop a=2 --sysprop z=1 --min-heap-mb 16 -- --debug"
	if got != want {
		t.Errorf("BuildArgs = %q, want %q", got, want)
	}

	if args := process.BuildArgs(model.WorkSpec{}); len(args) != 0 {
		t.Errorf("BuildArgs(empty) = %v, want none", args)
	}
}

func TestBuildEnv(t *testing.T) {
	base := []string{"PATH=/bin"}
	env := process.BuildEnv(base, model.ForkOptions{
		MaxHeapMB:   512,
		Environment: map[string]string{"B": "2", "A": "1"},
	})
	want := []string{"PATH=/bin", "A=1", "B=2", "GOMEMLIMIT=512MiB"}
	if strings.Join(env, ";") != strings.Join(want, ";") {
		t.Errorf("BuildEnv = %v, want %v", env, want)
	}
	if len(base) != 1 {
		t.Error("BuildEnv modified its base slice")
	}
}

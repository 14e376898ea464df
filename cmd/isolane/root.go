package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/isolane/internal/action"
	"github.com/seantiz/isolane/internal/backend"
	"github.com/seantiz/isolane/internal/backend/inline"
	"github.com/seantiz/isolane/internal/backend/process"
	"github.com/seantiz/isolane/internal/backend/scope"
	"github.com/seantiz/isolane/internal/config"
	"github.com/seantiz/isolane/internal/engine"
	"github.com/seantiz/isolane/internal/pool"
)

var rootCmd = &cobra.Command{
	Use:          "isolane",
	Short:        "Isolation-aware work runner",
	Long:         `isolane resolves each unit of work to an inline, classloader-isolated or process-isolated execution context and runs it there, reusing compatible contexts.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

// stack is the runtime shared by the serve and run commands.
type stack struct {
	actions   *action.Registry
	providers *backend.Registry
	pool      *pool.Pool
}

// newStack registers the three providers and builds a pool over them.
func newStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	actions := action.Builtins()

	providers := backend.NewRegistry()
	providers.Register(inline.New(actions))
	providers.Register(scope.New(scope.Config{ConcurrentSafe: cfg.ConcurrentScopes}, actions, logger))

	proc, err := process.New(process.Config{
		Command:      cfg.WorkerCommand,
		StartTimeout: cfg.WorkerStartTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	providers.Register(proc)

	p := pool.New(providers, pool.Config{MaxPerKey: cfg.MaxContextsPerKey}, logger)
	return &stack{actions: actions, providers: providers, pool: p}, nil
}

func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{DefaultTimeout: cfg.DefaultTimeout}
}

// reaperInterval is how often idle contexts are checked for eviction.
func reaperInterval(idle time.Duration) time.Duration {
	return max(idle/4, time.Second)
}

func newLogger(cfg config.Config) *slog.Logger {
	return config.NewLogger(os.Stderr, cfg.LogLevel)
}

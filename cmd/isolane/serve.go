package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/isolane/internal/api"
	"github.com/seantiz/isolane/internal/config"
	"github.com/seantiz/isolane/internal/engine"
	"github.com/seantiz/isolane/internal/store"
)

const poolShutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long:  `Serve the run API. Configuration comes from ISOLANE_* environment variables.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := newLogger(cfg)

	logger.Info("isolane: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"worker_command", cfg.WorkerCommand,
		"max_contexts_per_key", cfg.MaxContextsPerKey,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	st, err := newStack(cfg, logger)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.IdleTimeout > 0 {
		go st.pool.RunReaper(ctx, reaperInterval(cfg.IdleTimeout), cfg.IdleTimeout)
	}

	eng := engine.NewEngine(db, st.pool, engineConfig(cfg), logger)
	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:     db,
		Engine:    eng,
		Providers: st.providers,
		Contexts:  st.pool,
		Actions:   st.actions,
	}, logger)

	serveErr := srv.Run(ctx)

	// Runs submitted asynchronously are detached from any request; let them
	// settle before their contexts go away.
	eng.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer stop()
	if err := st.pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("pool shutdown", "error", err)
	}

	return serveErr
}

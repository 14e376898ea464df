package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "isolane.db"
	defaultWorkerBinary       = "isolane-worker"
	defaultMaxContextsPerKey  = 1
	defaultIdleTimeout        = 5 * time.Minute
	defaultRunTimeout         = 30 * time.Second
	defaultWorkerStartTimeout = 10 * time.Second

	envListenAddr         = "ISOLANE_LISTEN_ADDR"
	envDBPath             = "ISOLANE_DB_PATH"
	envLogLevel           = "ISOLANE_LOG_LEVEL"
	envWorkerBin          = "ISOLANE_WORKER_BIN"
	envMaxContextsPerKey  = "ISOLANE_MAX_CONTEXTS_PER_KEY"
	envIdleTimeoutS       = "ISOLANE_IDLE_TIMEOUT_S"
	envDefaultTimeoutS    = "ISOLANE_DEFAULT_TIMEOUT_S"
	envWorkerStartTimeout = "ISOLANE_WORKER_START_TIMEOUT_S"
	envConcurrentScopes   = "ISOLANE_CONCURRENT_SCOPES"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// WorkerCommand is the worker executable and its leading arguments.
	WorkerCommand      []string
	WorkerStartTimeout time.Duration

	MaxContextsPerKey int
	// IdleTimeout is how long an unused context is kept; zero keeps contexts
	// until shutdown.
	IdleTimeout    time.Duration
	DefaultTimeout time.Duration

	// ConcurrentScopes lets classpath scopes serve overlapping runs.
	ConcurrentScopes bool
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		WorkerCommand:      []string{defaultWorkerPath()},
		WorkerStartTimeout: defaultWorkerStartTimeout,
		MaxContextsPerKey:  defaultMaxContextsPerKey,
		IdleTimeout:        defaultIdleTimeout,
		DefaultTimeout:     defaultRunTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := strings.Fields(os.Getenv(envWorkerBin)); len(v) > 0 {
		cfg.WorkerCommand = v
	}
	if n, ok := envInt(envMaxContextsPerKey, 1); ok {
		cfg.MaxContextsPerKey = n
	}
	if n, ok := envInt(envIdleTimeoutS, 0); ok {
		cfg.IdleTimeout = time.Duration(n) * time.Second
	}
	if n, ok := envInt(envDefaultTimeoutS, 1); ok {
		cfg.DefaultTimeout = time.Duration(n) * time.Second
	}
	if n, ok := envInt(envWorkerStartTimeout, 1); ok {
		cfg.WorkerStartTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv(envConcurrentScopes); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ConcurrentScopes = b
		}
	}

	return cfg
}

// envInt returns the integer value of key if it is set, parses and is at least min.
func envInt(key string, min int) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, false
	}
	return n, true
}

// defaultWorkerPath prefers a worker binary installed next to the running
// executable and otherwise leaves the lookup to PATH.
func defaultWorkerPath() string {
	exe, err := os.Executable()
	if err != nil {
		return defaultWorkerBinary
	}
	sibling := filepath.Join(filepath.Dir(exe), defaultWorkerBinary)
	if _, err := os.Stat(sibling); err != nil {
		return defaultWorkerBinary
	}
	return sibling
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

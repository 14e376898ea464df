package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/isolane/internal/config"
	"github.com/seantiz/isolane/internal/engine"
	"github.com/seantiz/isolane/internal/model"
	"github.com/seantiz/isolane/internal/store"
)

var (
	isolationFlag   string
	classpathFlag   []string
	syspropFlags    []string
	envFlags        []string
	minHeapFlag     int
	maxHeapFlag     int
	workDirFlag     string
	forkArgFlags    []string
	paramsFlag      string
	timeoutFlag     time.Duration
	displayNameFlag string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <action>",
	Short: "Execute one action and print the run",
	Long: `Run a single action through the resolver and pool without starting the API.
The run record is printed to stdout as JSON and its log lines to stderr.
The command exits non-zero when the run fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&isolationFlag, "isolation", string(model.IsolationAuto), "isolation level: none, classloader, process or auto")
	f.StringSliceVar(&classpathFlag, "classpath", nil, "classpath entry (repeatable, or comma-separated)")
	f.StringArrayVar(&syspropFlags, "sysprop", nil, "system property KEY=VALUE (repeatable)")
	f.StringArrayVar(&envFlags, "env", nil, "worker environment variable KEY=VALUE (repeatable)")
	f.IntVar(&minHeapFlag, "min-heap-mb", 0, "minimum worker heap in MiB")
	f.IntVar(&maxHeapFlag, "max-heap-mb", 0, "maximum worker heap in MiB")
	f.StringVar(&workDirFlag, "workdir", "", "worker working directory")
	f.StringArrayVar(&forkArgFlags, "arg", nil, "extra worker argument (repeatable)")
	f.StringVarP(&paramsFlag, "params", "p", "", "action parameters as JSON")
	f.DurationVar(&timeoutFlag, "timeout", 0, "run timeout (default from ISOLANE_DEFAULT_TIMEOUT_S)")
	f.StringVar(&displayNameFlag, "name", "", "display name for the run")
}

// parsePairs splits KEY=VALUE flags into a map.
func parsePairs(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--%s %q: want KEY=VALUE", flag, p)
		}
		m[k] = v
	}
	return m, nil
}

func buildRunSpec() (model.WorkSpec, error) {
	level, err := model.ParseIsolationLevel(isolationFlag)
	if err != nil {
		return model.WorkSpec{}, err
	}
	props, err := parsePairs("sysprop", syspropFlags)
	if err != nil {
		return model.WorkSpec{}, err
	}
	env, err := parsePairs("env", envFlags)
	if err != nil {
		return model.WorkSpec{}, err
	}

	return model.NewSpec().
		Classpath(classpathFlag...).
		Isolation(level).
		Fork(func(o *model.ForkOptions) {
			o.MinHeapMB = minHeapFlag
			o.MaxHeapMB = maxHeapFlag
			o.SystemProperties = props
			o.Environment = env
			o.WorkingDir = workDirFlag
			o.Args = forkArgFlags
		}).
		DisplayName(displayNameFlag).
		Build()
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := newLogger(cfg)

	spec, err := buildRunSpec()
	if err != nil {
		return err
	}
	if paramsFlag != "" && !json.Valid([]byte(paramsFlag)) {
		return errors.New("--params must be valid JSON")
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	st, err := newStack(cfg, logger)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	if _, ok := st.actions.Lookup(args[0]); !ok {
		return fmt.Errorf("unknown action %q (known: %s)", args[0], strings.Join(st.actions.Names(), ", "))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
		defer cancel()
		if err := st.pool.Shutdown(ctx); err != nil {
			logger.Error("pool shutdown", "error", err)
		}
	}()

	eng := engine.NewEngine(db, st.pool, engineConfig(cfg), logger)
	work := engine.Work{Action: args[0], Timeout: timeoutFlag}
	if paramsFlag != "" {
		work.Params = json.RawMessage(paramsFlag)
	}

	run, runErr := eng.Run(cmd.Context(), spec, work)
	var failed *engine.RunError
	if runErr != nil && !errors.As(runErr, &failed) {
		return runErr
	}

	lines, err := db.GetLogLines(context.Background(), run.ID)
	if err != nil {
		return fmt.Errorf("read log lines: %w", err)
	}
	for _, l := range lines {
		fmt.Fprintln(os.Stderr, l.Line)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return runErr
}

// Package cli implements the strata command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/strata-log/strata/internal/config"
	"github.com/strata-log/strata/internal/engine"
	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/logging"
)

// Version information set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
)

// App represents the CLI application.
type App struct {
	root   *cobra.Command
	stdout io.Writer
	stderr io.Writer

	configPath string
	dataDir    string
	logLevel   string
	logFormat  string
	envFile    string

	cfg *config.Config
}

// New creates a new CLI application.
func New() *App {
	a := &App{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	a.root = &cobra.Command{
		Use:   "strata",
		Short: "Event log and deterministic view materialization for a code base",
		Long: `strata ingests version-control history, development-session notes and
extracted code facts into one append-only event log, and derives queryable
views from it. Views are a pure function of the log: rebuilding them from
scratch and updating them incrementally always give the same rows.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := a.root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&a.dataDir, "data-dir", "", "Base directory for the database and archive")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format (console, json)")
	pf.StringVar(&a.envFile, "env-file", ".env", "Environment file loaded before configuration")

	a.root.AddCommand(
		a.newVersionCmd(),
		a.newIngestCmd(),
		a.newMaterializeCmd(),
		a.newRebuildCmd(),
		a.newQueryCmd(),
		a.newViewsCmd(),
		a.newStateCmd(),
		a.newArchiveCmd(),
	)
	return a
}

// WithOutput sets custom output writers.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// Execute runs the CLI application.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the CLI with specific arguments.
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case strataerrors.GetCategory(err) == strataerrors.ErrCategoryValidation:
		return ExitValidation
	default:
		return ExitFailure
	}
}

// setup loads the environment file and configuration and initializes logging.
func (a *App) setup(cmd *cobra.Command, args []string) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", a.envFile, err)
		}
	}

	cfg := config.DefaultConfig()
	if a.configPath != "" {
		loaded, err := config.LoadFromFile(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return strataerrors.Wrap(strataerrors.ErrCategoryValidation, strataerrors.CodeInvalidConfig, "invalid configuration", err)
	}

	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: a.stderr}); err != nil {
		return strataerrors.Wrap(strataerrors.ErrCategoryValidation, strataerrors.CodeInvalidConfig, "invalid log configuration", err)
	}
	a.cfg = cfg
	return nil
}

// withEngine opens the engine for the duration of fn.
func (a *App) withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	e, err := engine.Open(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			logging.Error().Add(logging.ErrorField(cerr)).Msg("cli: failed to close database")
		}
	}()
	return fn(e)
}

// printJSON writes v as indented JSON to stdout.
func (a *App) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// No configuration is needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "strata version %s (commit: %s)\n", Version, GitCommit)
		},
	}
}

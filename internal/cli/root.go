package cli

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/errand/internal/config"
	"github.com/roach88/errand/internal/engine"
	"github.com/roach88/errand/internal/mission"
	"github.com/roach88/errand/internal/primitive"
	"github.com/roach88/errand/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	Database   string // overrides config.database when set
	ConfigPath string

	// Clock overrides the engine and orchestrator time source (for testing).
	// If nil, defaults to engine.SystemClock.
	Clock engine.Clock
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the errand CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errand",
		Short: "errand - durable workflow runs with approval gates",
		Long: `errand runs small workflow plans step by step, persisting every transition
to SQLite. Risky steps pause for approval, missing inputs pause for a
clarification, and transient failures are retried with backoff.

Side effects go through the dry-run primitive registry: every step returns a
synthetic output and nothing leaves the machine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return exitf(ExitCommandError, "invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logs on stderr)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.DefaultPath, "path to config file")

	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newApprovalCommand(opts))
	cmd.AddCommand(newClarifyCommand(opts))
	cmd.AddCommand(newMissionCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func newPrinter(opts *RootOptions, cmd *cobra.Command) *printer {
	return &printer{
		json:    opts.Format == "json",
		w:       cmd.OutOrStdout(),
		verbose: opts.Verbose,
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// newLogger writes JSON lines at the configured level, or console lines at
// debug level with --verbose.
func newLogger(w io.Writer, verbose bool, level zapcore.Level) *zap.Logger {
	var enc zapcore.Encoder
	if verbose {
		level = zapcore.DebugLevel
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}

// env is everything a command needs to act on the database.
type env struct {
	cfg      config.Config
	out      *printer
	logger   *zap.Logger
	store    *store.Store
	engine   *engine.Engine
	missions *mission.Orchestrator
}

// openEnv loads config, opens the store and builds the engine and mission
// orchestrator over the dry-run registry. Errors are printed before they are
// returned.
func openEnv(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	out := newPrinter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fail(out, ErrCodeInvalid, "load config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose, cfg.Level())

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fail(out, ErrCodeGeneric, "open database", err)
	}
	logger.Debug("database ready", zap.String("path", cfg.Database))

	engineOpts := []engine.Option{
		engine.WithLogger(logger.Named("engine")),
		engine.WithBackoff(cfg.Backoff()),
	}
	missionOpts := []mission.Option{mission.WithLogger(logger.Named("mission"))}
	if opts.Clock != nil {
		engineOpts = append(engineOpts, engine.WithClock(opts.Clock))
		missionOpts = append(missionOpts, mission.WithClock(opts.Clock))
	}
	eng := engine.New(st, primitive.DryRun(), engineOpts...)

	return &env{
		cfg:      cfg,
		out:      out,
		logger:   logger,
		store:    st,
		engine:   eng,
		missions: mission.New(st, eng, missionOpts...),
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// fail prints err and returns it with ExitCommandError.
func fail(out *printer, code, what string, err error) error {
	return out.report(ExitCommandError, code, what, err)
}

// failFor picks the error code from the error's type.
func failFor(out *printer, what string, err error) error {
	var draftErr *mission.DraftError
	switch {
	case engine.IsNotFound(err):
		return fail(out, ErrCodeNotFound, what, err)
	case engine.IsInvalidPlan(err), errors.As(err, &draftErr), errors.Is(err, mission.ErrNoSources):
		return fail(out, ErrCodeInvalid, what, err)
	default:
		return fail(out, ErrCodeGeneric, what, err)
	}
}

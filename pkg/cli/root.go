package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/plughost/pkg/config"
	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/host"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitSource    = 3
	ExitIntegrity = 4
)

const usageCategory = "UsageError"

// App carries the state shared by every command.
type App struct {
	Stdout io.Writer
	Stderr io.Writer

	// LoadConfig defaults to config.LoadConfig.
	LoadConfig func() (*config.Config, error)
	// HostOptions are passed to every host the CLI builds.
	HostOptions []host.Option

	logLevel  string
	logFormat string
	dataDir   string
	cacheDir  string

	cfg    *config.Config
	logger *logrus.Logger
}

// usageError marks bad invocations (unknown commands, wrong argument
// counts, bad flags).
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// checkArgs wraps a cobra argument validator so its failures count as
// usage errors.
func checkArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// groupRunE prints help for a bare command group and rejects unknown
// subcommands.
func groupRunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("unknown command %q for %q", args[0], cmd.CommandPath())
	}
	return cmd.Help()
}

// NewRootCommand builds the plughost command tree.
func NewRootCommand(app *App) *cobra.Command {
	if app.Stdout == nil {
		app.Stdout = os.Stdout
	}
	if app.Stderr == nil {
		app.Stderr = os.Stderr
	}
	if app.LoadConfig == nil {
		app.LoadConfig = config.LoadConfig
	}

	root := &cobra.Command{
		Use:               "plughost",
		Short:             "Install, verify and run sandboxed plugins",
		SilenceErrors:     true,
		SilenceUsage:      true,
		Args:              cobra.ArbitraryArgs,
		PersistentPreRunE: app.setup,
		RunE:              groupRunE,
	}
	root.SetOut(app.Stdout)
	root.SetErr(app.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	flags := root.PersistentFlags()
	flags.StringVar(&app.logLevel, "log-level", "", "log level (overrides PLUGHOST_LOG_LEVEL)")
	flags.StringVar(&app.logFormat, "log-format", "", "log format: text or json (overrides PLUGHOST_LOG_FORMAT)")
	flags.StringVar(&app.dataDir, "data-dir", "", "plugin data directory (overrides PLUGHOST_DATA_DIR)")
	flags.StringVar(&app.cacheDir, "cache-dir", "", "download cache directory (overrides PLUGHOST_CACHE_DIR)")

	root.AddCommand(newPluginCommand(app), newServeCommand(app))
	return root
}

// setup loads configuration and the logger before any command runs.
func (a *App) setup(_ *cobra.Command, _ []string) error {
	cfg, err := a.LoadConfig()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Observability.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Observability.LogFormat = a.logFormat
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.cacheDir != "" {
		cfg.CacheDir = a.cacheDir
	}
	if err := cfg.Validate(); err != nil {
		return &usageError{err: fmt.Errorf("invalid configuration: %w", err)}
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, a.Stderr)
	if err != nil {
		return &usageError{err: err}
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// openHost builds a host and re-activates the recorded plugins so commands
// see the installed set. Load failures are logged; the plugins stay
// registered as Failed or are skipped.
func (a *App) openHost(ctx context.Context) (*host.Host, func(), error) {
	opts := append([]host.Option{host.WithLogger(a.logger)}, a.HostOptions...)
	h, err := host.New(ctx, a.cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := h.LoadInstalled(ctx); err != nil {
		a.logger.WithError(err).Warn("Some installed plugins failed to load")
	}
	closeFn := func() {
		if err := h.Close(context.Background()); err != nil {
			a.logger.WithError(err).Warn("Failed to close plugin host")
		}
	}
	return h, closeFn, nil
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return ExitUsage
	}
	switch plugins.Category(err) {
	case "ValidationError":
		return ExitUsage
	case "SourceError":
		return ExitSource
	case "IntegrityError":
		return ExitIntegrity
	default:
		return ExitFailure
	}
}

// ErrorLine renders err as the single line printed on failure. Multi-line
// messages (aggregated errors) are folded onto one line.
func ErrorLine(err error) string {
	category := plugins.Category(err)
	var ue *usageError
	if errors.As(err, &ue) {
		category = usageCategory
	}
	return fmt.Sprintf("Error: %s: %s", category, strings.Join(strings.Fields(err.Error()), " "))
}

// Execute runs the CLI with args and returns the exit code.
func Execute(ctx context.Context, app *App, args []string) int {
	root := NewRootCommand(app)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(app.Stderr, ErrorLine(err))
		return ExitCode(err)
	}
	return ExitOK
}

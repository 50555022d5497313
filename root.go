package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/isle-portal/isle-sync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that must run without a valid config
// (config init writes the file the others would load).
const skipConfigAnnotation = "skipConfig"

// logMaxSizeMB is the size at which the log file is rotated.
const logMaxSizeMB = 50

// CLIFlags is the parsed form of the persistent flags.
type CLIFlags struct {
	ConfigPath string
	DBPath     string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries the resolved configuration and logger to subcommands.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Env     config.EnvOverrides
	CLI     config.CLIOverrides
	Logger  *slog.Logger

	logFile io.Closer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run hook.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not installed; command did not run through the root command")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "isle-sync",
		Short: "Event and activity sync engine",
		Long: `Synchronize activities, events, contexts, attendance and access policy
from the remote services into the local store.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.logFile != nil {
				return cc.logFile.Close()
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "database path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext resolves the configuration and builds the logger for cmd.
func newCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cc := &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			DBPath:     flagDBPath,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Quiet:      flagQuiet,
		},
		Env: config.ReadEnvOverrides(),
		CLI: config.CLIOverrides{ConfigPath: flagConfigPath, DBPath: flagDBPath},
	}

	if cmd.Annotations[skipConfigAnnotation] == "true" {
		cc.Cfg = config.DefaultConfig()
		cc.CfgPath = configPathFor(cc.Env, cc.CLI)
		cc.Logger = buildLogger(os.Stderr, &cc.Cfg.Logging, cc.Flags, isTerminal(os.Stderr))

		return cc, nil
	}

	cfg, path, err := config.Resolve(cc.Env, cc.CLI)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cc.Cfg = cfg
	cc.CfgPath = path

	var out io.Writer = os.Stderr
	tty := isTerminal(os.Stderr)

	if cfg.Logging.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename: cfg.Logging.LogFile,
			MaxSize:  logMaxSizeMB,
			MaxAge:   cfg.Logging.LogRetentionDays,
			Compress: true,
		}
		out, cc.logFile, tty = lj, lj, false
	}

	cc.Logger = buildLogger(out, &cfg.Logging, cc.Flags, tty)

	return cc, nil
}

// configPathFor mirrors config.Resolve's path precedence without loading.
func configPathFor(env config.EnvOverrides, cli config.CLIOverrides) string {
	switch {
	case cli.ConfigPath != "":
		return cli.ConfigPath
	case env.ConfigPath != "":
		return env.ConfigPath
	default:
		return config.DefaultConfigPath()
	}
}

// buildLogger creates an slog.Logger writing to w. The config log level is
// the baseline; --verbose and --quiet override it. Format "auto" picks text
// for a terminal and JSON otherwise.
func buildLogger(w io.Writer, lc *config.LoggingConfig, flags CLIFlags, tty bool) *slog.Logger {
	level := slog.LevelInfo

	switch lc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	useJSON := lc.LogFormat == "json" || (lc.LogFormat == "auto" && !tty)
	if useJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/blogsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// httpClientTimeout is the default timeout for HTTP requests.
// Prevents hung connections from blocking CLI commands indefinitely.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// transferHTTPClient returns a client for requests that may stream large
// bodies. Only the wait for response headers is bounded; whole transfers are
// bounded by reconcile.transfer_timeout.
func transferHTTPClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = httpClientTimeout

	return &http.Client{Transport: t}
}

// Log file rotation limits for lumberjack.
const (
	logMaxSizeMB  = 50
	logMaxBackups = 5
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "blogsync",
		Short:   "Blog folder sync engine",
		Long:    "Keeps blog folders, their published entries, and their Dropbox, Google Drive or Git mirrors in step.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "state, token and mirror directory")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newBlogCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newMirrorCmd())
	cmd.AddCommand(newCursorCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoginCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer override
// chain and stores the result in resolvedCfg for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flagDataDir
	}

	// Only pass a log level if the user asked for one; the config file
	// supplies the baseline otherwise.
	switch {
	case flagVerbose:
		level := "debug"
		cli.LogLevel = &level
	case flagQuiet:
		level := "error"
		cli.LogLevel = &level
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config.
// --verbose and --quiet have already been folded into the log level by
// loadConfig. Terminals get colorized tint output; everything else gets
// text or JSON. A configured log_file receives a rotated copy.
func buildLogger() *slog.Logger {
	logging := config.LoggingConfig{LogLevel: "info", LogFormat: "auto"}
	dataDir := ""

	if resolvedCfg != nil {
		logging = resolvedCfg.Logging
		dataDir = resolvedCfg.DataDir
	}

	return newLogger(os.Stderr, logging, dataDir, isatty.IsTerminal(os.Stderr.Fd()))
}

func newLogger(w io.Writer, logging config.LoggingConfig, dataDir string, terminal bool) *slog.Logger {
	level := parseLevel(logging.LogLevel)

	var console slog.Handler

	switch {
	case logging.LogFormat == "json":
		console = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case logging.LogFormat == "text" || !terminal:
		console = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		console = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}

	if logging.LogFile == "" {
		return slog.New(console)
	}

	path := logging.LogFile
	if path == "default" {
		path = config.DefaultLogPath(dataDir)
	}

	file := &lumberjack.Logger{
		Filename:   config.ExpandHome(path),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logging.LogRetentionDays,
	}

	return slog.New(teeHandler{
		console,
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	})
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

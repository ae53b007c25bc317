package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/fridaysync/vaultsync/internal/config"
	"github.com/fridaysync/vaultsync/internal/replicator"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagVault      string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that do not need a resolved vault
// config, matching the teacher's root.go pattern of annotating the handful
// of commands that would otherwise fail before a vault even exists.
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles the resolved config and logger built once in
// PersistentPreRunE, eliminating redundant resolution in every RunE.
type CLIContext struct {
	Cfg    *config.Resolved
	Vault  string
	Logger *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics with an actionable
// message — always a programmer error, since the command tree guarantees
// PersistentPreRunE populates it before any RunE without skipConfigAnnotation.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation)")
	}

	return cc
}

// replicatorHTTPTimeout bounds individual replicator HTTP round trips.
// Long-poll continuous-changes requests are expected to outlive this via
// their own internal keep-alive handling, not a client-wide timeout.
const replicatorHTTPTimeout = 60 * time.Second

// newReplicatorClient builds the replicator.Replicator this CLI's
// coordinator talks to, with the configured user agent.
func newReplicatorClient(logger *slog.Logger) replicator.Replicator {
	httpClient := &http.Client{Timeout: replicatorHTTPTimeout}

	return replicator.New(httpClient, logger)
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vaultsync",
		Short:   "Bidirectional vault sync over the CouchDB replication protocol",
		Long:    "vaultsync keeps a local note vault and a remote CouchDB-protocol database in sync.",
		Version: version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (default: "+config.DefaultConfigPath()+")")
	cmd.PersistentFlags().StringVar(&flagVault, "vault", "", "path to the local vault directory")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newRebuildRemoteCmd())
	cmd.AddCommand(newFetchFromRemoteCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newVerifyCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the three-layer
// override chain (defaults -> config file -> env vars; CLI flags are
// applied directly by the caller on top) and stores the result in the
// command's context for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	vault := flagVault
	if vault == "" {
		vault = os.Getenv("VAULTSYNC_VAULT")
	}

	if vault == "" {
		return fmt.Errorf("--vault is required (path to the local vault directory)")
	}

	absVault, err := filepath.Abs(vault)
	if err != nil {
		return fmt.Errorf("resolving vault path %q: %w", vault, err)
	}

	cfgPath := flagConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	config.ReadEnvOverrides().Apply(cfg)

	resolved, err := config.Resolve(cfg, absVault)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}

	finalLogger := buildLogger(resolved)
	cc := &CLIContext{Cfg: resolved, Vault: absVault, Logger: finalLogger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Pass nil for pre-config bootstrap. Config-file log level is
// the baseline; --verbose/--debug/--quiet override it (mutually exclusive,
// enforced by Cobra). Output is JSON when stderr isn't a terminal or the
// config requests it, text otherwise — mirroring the teacher's buildLogger
// but deciding the handler format the way go-isatty lets it detect a pipe.
func buildLogger(cfg *config.Resolved) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	out := os.Stderr
	opts := &slog.HandlerOptions{Level: level}

	format := ""
	if cfg != nil {
		format = cfg.Logging.LogFormat
	}

	if format == "json" || (format == "" && !isatty.IsTerminal(out.Fd())) {
		return slog.New(slog.NewJSONHandler(out, opts))
	}

	return slog.New(slog.NewTextHandler(out, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

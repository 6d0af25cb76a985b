package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/notesync/engine/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagProfile    string
	flagInstanceID string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that handle config loading
// themselves (or run before any config file could plausibly exist).
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles everything a subcommand needs after config
// resolution: the effective Config, a ready logger, and the resolved
// paths every subcommand derives its index/data locations from.
type CLIContext struct {
	Cfg            *config.Config
	Logger         *slog.Logger
	ConfigPath     string
	DataDir        string
	InstanceID     string
	IndexDBPath    string
	PIDPath        string
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
// message. Use in RunE handlers for commands that require config (no
// skipConfigAnnotation) — the command tree guarantees PersistentPreRunE
// has populated it before RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation)")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notesync",
		Short:   "Local-first, multi-instance note sync engine",
		Long:    "A CRDT-based note and folder sync engine that converges multiple app instances through a shared, cloud-synced storage directory — no central server.",
		Version: version,
		// Silence Cobra's default error/usage printing; handled ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagProfile, "profile", "", "active profile name")
	cmd.PersistentFlags().StringVar(&flagInstanceID, "instance-id", "", "override the persisted instance id (mainly for tests)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newSDCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStaleCmd())
	cmd.AddCommand(newMoveCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the
// CLI-flag/environment/default chain and stores the result in the
// command's context for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	env := config.ReadEnvOverrides()

	configPath := config.ResolveConfigPath(env, flagConfigPath, logger)

	cfg, err := config.LoadOrDefault(configPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if flagProfile != "" {
		cfg.Writer.ProfileID = flagProfile
	}

	dataDir := config.DefaultDataDir()
	if env.DataDir != "" {
		dataDir = env.DataDir
	}

	instanceIDPath := config.DefaultInstanceIDPath()
	if dataDir != config.DefaultDataDir() {
		instanceIDPath = dataDir + "/instance-id"
	}

	instanceID := flagInstanceID
	if instanceID == "" {
		instanceID = env.InstanceID
	}

	if instanceID == "" {
		instanceID, err = config.EnsureInstanceID(instanceIDPath, logger)
		if err != nil {
			return fmt.Errorf("resolving instance id: %w", err)
		}
	}

	finalLogger := buildLogger(cfg)

	cc := &CLIContext{
		Cfg:         cfg,
		Logger:      finalLogger,
		ConfigPath:  configPath,
		DataDir:     dataDir,
		InstanceID:  instanceID,
		IndexDBPath: config.DefaultIndexDBPath(),
		PIDPath:     config.DefaultPIDPath(),
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config
// and CLI flags. Pass nil for pre-config bootstrap. Config-file log
// level provides the baseline; --verbose, --debug, and --quiet override
// it because CLI flags always win (enforced mutually exclusive by Cobra).
func buildLogger(cfg *config.Config) *slog.Logger {
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

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/internal/infra/redis"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

var (
	version string

	// Global flags
	flagOutput  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper-admin",
	Short: "Gatekeeper administration CLI",
	Long: `gatekeeper-admin inspects and edits the state shared by gatekeeper
instances: the Redis blacklist, persisted rate windows, the Postgres audit
table and its schema.

Connection settings are read from the same environment variables as the
gateway (REDIS_HOST, REDIS_KEY_PREFIX, DB_HOST, ...).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return validateOutput(flagOutput)
	}
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", outputTable, "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(windowsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(migrateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "gatekeeper-admin version %s\n", version)
		fmt.Fprintf(out, "  Go:       %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func newLogger() *logger.Logger {
	if flagVerbose {
		return logger.New(logger.Config{Level: "debug", Format: "text"})
	}
	return logger.NewNop()
}

// windowReader is what the windows commands need from a store.
type windowReader interface {
	Window(ctx context.Context, key string) (admission.WindowSnapshot, error)
}

// Store factories; tests replace them with in-memory fakes.
var (
	openBlacklist = func() (admission.BlacklistAdmin, func(), error) {
		_, client, err := connectRedis()
		if err != nil {
			return nil, nil, err
		}
		return redis.NewBlacklist(client, newLogger()), func() { _ = client.Close() }, nil
	}

	openWindows = func() (windowReader, func(), error) {
		cfg, client, err := connectRedis()
		if err != nil {
			return nil, nil, err
		}
		store, err := redis.NewWindowStore(client, cfg.RateLimit.Period, newLogger())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	}
)

func connectRedis() (*config.Config, *redis.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	client, err := redis.New(ctx, &cfg.Redis, newLogger())
	if err != nil {
		return nil, nil, err
	}
	return cfg, client, nil
}

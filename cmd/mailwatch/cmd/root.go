package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sekia-ai/mailwatch/internal/config"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool

	// Version is set by the main package via ldflags.
	Version = "dev"
)

// NewRootCmd creates the root mailwatch command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mailwatch",
		Short:        "mailwatch keeps Gmail mailboxes in sync and publishes new messages to NATS",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON instead of console text")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newCheckpointCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newServicesCmd())
	rootCmd.AddCommand(newSecretsCmd())
	rootCmd.AddCommand(newMCPCmd())

	return rootCmd
}

func newLogger() (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(lvl)

	if logJSON {
		return zerolog.New(os.Stderr).With().Timestamp().Logger(), nil
	}
	return zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	).With().Timestamp().Logger(), nil
}

// setup loads the config and builds the logger shared by every subcommand.
func setup() (config.Config, zerolog.Logger, error) {
	logger, err := newLogger()
	if err != nil {
		return config.Config{}, logger, err
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return cfg, logger, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

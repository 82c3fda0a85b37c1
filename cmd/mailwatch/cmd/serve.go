package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/mailwatch/internal/config"
	"github.com/sekia-ai/mailwatch/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the watcher: push endpoint, NATS triggers and watch renewal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if err := config.ValidateForWatcher(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return server.NewDaemon(cfg, Version, logger).Run()
		},
	}
}

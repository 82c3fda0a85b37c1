package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/mailwatch/internal/server"
	"github.com/sekia-ai/mailwatch/internal/watch"
)

func newWatchCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register the Gmail push subscription and seed the checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Gmail.Topic == "" {
				return fmt.Errorf("gmail.topic is required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()

			comps, err := server.Build(ctx, cfg, server.BuildOptions{}, logger)
			if err != nil {
				return fmt.Errorf("build pipeline: %w", err)
			}
			defer comps.Close()

			sub, seeded, err := watch.Activate(ctx, comps.Registrar, comps.Store, user)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Topic:       %s\n", cfg.Gmail.Topic)
			fmt.Fprintf(w, "History ID:  %d\n", sub.HistoryID)
			if !sub.Expiration.IsZero() {
				fmt.Fprintf(w, "Expires:     %s\n", sub.Expiration.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "Renewed:     %v\n", sub.Renewed)
			fmt.Fprintf(w, "Seeded:      %v\n", seeded)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "mailbox to watch")
	cmd.MarkFlagRequired("user")
	return cmd
}

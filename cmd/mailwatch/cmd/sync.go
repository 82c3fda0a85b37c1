package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/mailwatch/internal/reconcile"
	"github.com/sekia-ai/mailwatch/internal/server"
)

func newSyncCmd() *cobra.Command {
	var (
		user      string
		historyID uint64
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation for a mailbox",
		Long: `Reconciles one mailbox against its stored checkpoint and publishes every
message added since. --history-id is used only when no checkpoint is stored yet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, runTimeout(cfg.Reconcile.RunTimeout))
			defer cancel()

			comps, err := server.Build(ctx, cfg, server.BuildOptions{}, logger)
			if err != nil {
				return fmt.Errorf("build pipeline: %w", err)
			}
			defer comps.Close()

			res, err := comps.Reconciler.Reconcile(ctx, reconcile.Trigger{UserEmail: user, HintCheckpoint: historyID})
			printResult(cmd, res)
			return err
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "mailbox to reconcile")
	cmd.Flags().Uint64Var(&historyID, "history-id", 0, "starting history id when none is stored")
	cmd.MarkFlagRequired("user")
	return cmd
}

func printResult(cmd *cobra.Command, res reconcile.Result) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run:         %s\n", res.RunID)
	fmt.Fprintf(w, "User:        %s\n", res.UserEmail)
	fmt.Fprintf(w, "State:       %s\n", res.State)
	fmt.Fprintf(w, "Checkpoint:  %d -> %d\n", res.StartCheckpoint, res.FinalCheckpoint)
	fmt.Fprintf(w, "Pages:       %d\n", res.Pages)
	fmt.Fprintf(w, "Published:   %d\n", res.Published)
	fmt.Fprintf(w, "Skipped:     %d\n", res.Skipped)
	fmt.Fprintf(w, "Duplicates:  %d\n", res.Duplicates)
	if res.Resynced {
		fmt.Fprintln(w, "Resynced:    checkpoint was too old, jumped to current")
	}
}

func runTimeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 5 * time.Minute
}

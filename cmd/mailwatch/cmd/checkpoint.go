package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/mailwatch/internal/server"
)

func newCheckpointCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or repair a mailbox's stored history checkpoint",
	}
	cmd.PersistentFlags().StringVar(&user, "user", "", "mailbox")
	cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the stored checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, closeStore, err := server.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			id, ok, err := store.Get(ctx, user)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no checkpoint stored for %s", user)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <history-id>",
		Short: "Overwrite the stored checkpoint",
		Long: `Overwrites the stored checkpoint, even with a lower value. Messages added
after the new checkpoint are published again on the next run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("history id must be a positive integer, got %q", args[0])
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, closeStore, err := server.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Put(ctx, user, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint for %s set to %d\n", user, id)
			return nil
		},
	})

	return cmd
}

package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show watcher status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.StatusResponse
			if err := apiGet("/api/v1/status", &resp); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Status:      %s\n", resp.Status)
			fmt.Fprintf(w, "Version:     %s\n", resp.Version)
			fmt.Fprintf(w, "Uptime:      %s\n", resp.Uptime)
			fmt.Fprintf(w, "Started At:  %s\n", resp.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Mailboxes:   %s\n", strings.Join(resp.Users, ", "))
			fmt.Fprintf(w, "Published:   %d\n", resp.Processed)
			fmt.Fprintf(w, "Errors:      %d\n", resp.Errors)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "addr", "", "watcher HTTP address (default: http.listen from config)")
	return cmd
}

func newServicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List mailwatch services seen on NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.ServicesResponse
			if err := apiGet("/api/v1/services", &resp); err != nil {
				return err
			}

			if len(resp.Services) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No services registered.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tSTATUS\tPROCESSED\tERRORS\tLAST HEARTBEAT")
			for _, s := range resp.Services {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					s.Name, s.Version, s.Status,
					s.Processed, s.Errors,
					s.LastHeartbeat.Format("15:04:05"),
				)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "addr", "", "watcher HTTP address (default: http.listen from config)")
	return cmd
}

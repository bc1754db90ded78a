package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"metering-gateway/internal/app"
	"metering-gateway/internal/queue"
)

func newSyncCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Enqueue the daily refresh of every linked account",
		Long: "Without --date, enqueues today's daily refresh job, once per day. " +
			"With --date, enqueues one sync job per account for that day.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app.App) error {
				n, err := a.Sync(cmd.Context(), date)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d job(s)\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to synchronize ("+queue.DateLayout+")")
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "counts",
		Short: "Print the number of jobs per state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app.App) error {
				counts, err := a.QueueCounts(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(counts)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <job-id>",
		Short: "Delete a job that is not being processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if err := a.RemoveJob(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed job %s\n", args[0])
				return err
			})
		},
	})
	return cmd
}

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and reset monthly request quotas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <account-id>",
		Short: "Print an account's quota usage as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				status, err := a.QuotaStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <account-id>",
		Short: "Clear an account's monthly counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if err := a.ResetQuota(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "reset quota of %s\n", args[0])
				return err
			})
		},
	})
	return cmd
}

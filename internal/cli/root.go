// Package cli is the metering-gateway command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"metering-gateway/internal/app"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/config"
)

// Version is set at build time.
var Version = "dev"

// Execute runs the root command with SIGINT and SIGTERM cancelling its context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd creates the command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "metering-gateway",
		Short:         "OAuth2 broker and metered proxy for the Enedis data API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
			logging.InitGlobalLogger()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logging.MustSync()
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSyncCmd(),
		newQueueCmd(),
		newQuotaCmd(),
	)
	return rootCmd
}

// withApp loads and validates the configuration, builds the app and runs fn.
func withApp(fn func(a *app.App) error) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return err
	}

	a, err := app.New(cfg, logging.GetGlobalLogger())
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer a.Close()
	return fn(a)
}

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app.App) error {
				logging.Info("Starting metering gateway",
					logging.Field{Key: "cpus", Value: runtime.NumCPU()},
					logging.Field{Key: "version", Value: Version},
					logging.Field{Key: "with_worker", Value: withWorker},
				)
				err := a.Serve(cmd.Context(), withWorker)
				logging.Info("Server exited")
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume sync jobs in this process")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume metering sync jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app.App) error {
				return a.Work(cmd.Context())
			})
		},
	}
}

package app

import (
	"context"

	"golang.org/x/sync/errgroup"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/queue"
	"metering-gateway/internal/ratelimit"
	"metering-gateway/internal/worker"
)

// NewWorker creates the job consumer. The scheduler doubles as the fan-out of
// daily-refresh jobs.
func (app *App) NewWorker() *worker.Worker {
	return worker.NewWorker(
		workerConfig(app.Config),
		app.Queue,
		app.Gateway,
		app.Storage,
		app.Scheduler,
		app.Sinks,
		app.Metrics,
		app.Logger,
	)
}

// Serve runs the HTTP API until ctx is cancelled. The cron trigger runs
// alongside when SCHEDULER_ENABLED, and so does a worker when withWorker is set.
func (app *App) Serve(ctx context.Context, withWorker bool) error {
	g, gctx := errgroup.WithContext(ctx)

	if app.Config.SchedulerEnabled {
		if err := app.Scheduler.Start(gctx); err != nil {
			return err
		}
		defer app.Scheduler.Stop()
	}

	srv := app.NewServer()
	g.Go(func() error {
		app.Logger.Info("HTTP server listening", logging.Field{Key: "port", Value: app.Config.Port})
		return srv.Run(gctx, app.Config.ShutdownTimeout)
	})

	if withWorker {
		w := app.NewWorker()
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}

// Work consumes jobs until ctx is cancelled.
func (app *App) Work(ctx context.Context) error {
	if app.Config.SchedulerEnabled {
		if err := app.Scheduler.Start(ctx); err != nil {
			return err
		}
		defer app.Scheduler.Stop()
	}
	return app.NewWorker().Run(ctx)
}

// Sync enqueues the daily refresh. With an empty date it adds today's
// daily-refresh job; otherwise it fans out the given day directly.
func (app *App) Sync(ctx context.Context, date string) (int, error) {
	if date == "" {
		added, err := app.Scheduler.TriggerNow(ctx)
		if err != nil || !added {
			return 0, err
		}
		return 1, nil
	}

	day, err := app.Scheduler.ParseDay(date)
	if err != nil {
		return 0, err
	}
	return app.Scheduler.RefreshAccountsForDay(ctx, day)
}

// QueueCounts returns the number of jobs per state.
func (app *App) QueueCounts(ctx context.Context) (queue.JobCounts, error) {
	return app.Queue.Counts(ctx)
}

// RemoveJob deletes a job that is not being processed.
func (app *App) RemoveJob(ctx context.Context, id string) error {
	return app.Queue.Remove(ctx, id)
}

// QuotaStatus reports an account's usage of its monthly quota.
func (app *App) QuotaStatus(ctx context.Context, accountID string) (*ratelimit.Status, error) {
	return app.Quota.Get(ctx, accountID)
}

// ResetQuota clears an account's monthly counter.
func (app *App) ResetQuota(ctx context.Context, accountID string) error {
	return app.Quota.Reset(ctx, accountID)
}

// Package worker consumes the job queue.
//
// Each of the Concurrency consumers loops over promote, dequeue, process and
// acknowledge. A separate loop recovers jobs left active by a crashed or
// interrupted consumer and publishes the queue depth.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/metrics"
	"metering-gateway/internal/proxy"
	"metering-gateway/internal/queue"
	"metering-gateway/internal/sink"
	"metering-gateway/internal/storage"
)

// Queue is the part of queue.RedisQueue the worker drives.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) error
	PromoteDelayed(ctx context.Context) (int, error)
	RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error)
	Counts(ctx context.Context) (queue.JobCounts, error)
}

// Forwarder calls the metering API for an account.
type Forwarder interface {
	Forward(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

// UsagePointLister returns the meters linked to an account.
type UsagePointLister interface {
	ListUsagePoints(ctx context.Context, accountID string) ([]string, error)
}

// FanOut enqueues the per-account jobs of a day.
type FanOut interface {
	RefreshAccountsForDay(ctx context.Context, day time.Time) (int, error)
	ParseDay(date string) (time.Time, error)
}

type Config struct {
	Concurrency int
	// PollTimeout is how long one dequeue blocks.
	PollTimeout time.Duration
	// StalledTimeout is how long a job may stay active before it is requeued.
	StalledTimeout time.Duration
	// MaintenanceInterval spaces stalled sweeps and queue depth updates.
	MaintenanceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.StalledTimeout <= 0 {
		c.StalledTimeout = 10 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	return c
}

type Worker struct {
	config      Config
	queue       Queue
	gateway     Forwarder
	usagePoints UsagePointLister
	fanOut      FanOut
	sink        sink.Sink
	metrics     *metrics.Metrics
	logger      logging.Logger
	now         func() time.Time
}

func NewWorker(
	config Config,
	q Queue,
	gateway Forwarder,
	usagePoints UsagePointLister,
	fanOut FanOut,
	out sink.Sink,
	m *metrics.Metrics,
	logger logging.Logger,
) *Worker {
	if out == nil {
		out = sink.NewMulti(logger)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Worker{
		config:      config.withDefaults(),
		queue:       q,
		gateway:     gateway,
		usagePoints: usagePoints,
		fanOut:      fanOut,
		sink:        out,
		metrics:     m,
		logger:      logger.WithFields(logging.Field{Key: "component", Value: "worker"}),
		now:         time.Now,
	}
}

// Run consumes jobs until ctx is cancelled. A job interrupted by the
// cancellation stays active and is picked up again by the stalled sweep.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", logging.Field{Key: "concurrency", Value: w.config.Concurrency})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		id := i
		g.Go(func() error {
			w.consume(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		w.maintain(gctx)
		return nil
	})

	err := g.Wait()
	w.logger.Info("Worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, id int) {
	logger := w.logger.WithFields(logging.Field{Key: "consumer", Value: id})

	for ctx.Err() == nil {
		if _, err := w.queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Failed to promote delayed jobs", logging.Field{Key: "error", Value: err.Error()})
		}

		job, err := w.queue.Dequeue(ctx, w.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Dequeue failed", err)
			w.sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.handle(ctx, job, logger)
	}
}

func (w *Worker) handle(ctx context.Context, job *queue.Job, logger logging.Logger) {
	ctx = logging.ContextWithJobID(ctx, job.ID)
	logger = logger.WithContext(ctx).WithFields(logging.Field{Key: "attempt", Value: job.Attempts})
	started := w.now()

	err := w.safeProcess(ctx, job)
	if ctx.Err() != nil {
		logger.Warn("Job interrupted by shutdown")
		return
	}
	w.metrics.RecordJob(job.Type, err)

	// ctx is still live here, but the acknowledgement must not be lost to a
	// shutdown that starts right now.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		logger.Warn("Job failed",
			logging.Field{Key: "error", Value: err.Error()},
			logging.Field{Key: "duration", Value: w.now().Sub(started).String()},
		)
		if ferr := w.queue.Fail(ackCtx, job, err); ferr != nil {
			logger.Error("Failed to record job failure", ferr)
		}
		return
	}

	if cerr := w.queue.Complete(ackCtx, job); cerr != nil {
		logger.Error("Failed to complete job", cerr)
		return
	}
	logger.Debug("Job completed", logging.Field{Key: "duration", Value: w.now().Sub(started).String()})
}

// safeProcess turns a panic into a job failure.
func (w *Worker) safeProcess(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job panicked", fmt.Errorf("%v", r),
				logging.Field{Key: "job_id", Value: job.ID},
				logging.Field{Key: "stack", Value: string(debug.Stack())},
			)
			err = errors.InternalError(fmt.Sprintf("job panicked: %v", r), nil)
		}
	}()
	return w.ProcessJob(ctx, job)
}

func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.config.MaintenanceInterval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	recovered, err := w.queue.RecoverStalled(ctx, w.config.StalledTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Stalled job sweep failed", logging.Field{Key: "error", Value: err.Error()})
		}
	} else if recovered > 0 {
		w.logger.Warn("Recovered stalled jobs", logging.Field{Key: "count", Value: recovered})
	}

	if w.metrics == nil {
		return
	}
	counts, err := w.queue.Counts(ctx)
	if err == nil {
		w.metrics.SetQueueDepth(counts.AsMap())
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ProcessJob runs one job. Only malformed jobs are marked permanent; every
// other error spends one of the job's attempts.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeSyncAccount:
		return w.syncAccount(ctx, job)
	case queue.JobTypeDailyRefresh:
		return w.dailyRefresh(ctx, job)
	}
	return queue.Permanent(errors.ValidationError(fmt.Sprintf("unknown job type %q", job.Type)))
}

func (w *Worker) dailyRefresh(ctx context.Context, job *queue.Job) error {
	var payload queue.DailyRefreshPayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Permanent(err)
	}
	day, err := w.fanOut.ParseDay(payload.Date)
	if err != nil {
		return queue.Permanent(err)
	}

	_, err = w.fanOut.RefreshAccountsForDay(ctx, day)
	return err
}

type fetch struct {
	usagePointID string
	endpoint     string
}

func (w *Worker) syncAccount(ctx context.Context, job *queue.Job) error {
	var payload queue.SyncAccountPayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Permanent(err)
	}
	if payload.AccountID == "" {
		return queue.Permanent(errors.ValidationError("sync job has no account"))
	}
	day, err := w.fanOut.ParseDay(payload.Date)
	if err != nil {
		return queue.Permanent(err)
	}
	ctx = logging.ContextWithAccountID(ctx, payload.AccountID)
	start := day.AddDate(0, 0, -1).Format(queue.DateLayout)
	end := day.Format(queue.DateLayout)

	usagePoints, err := w.usagePoints.ListUsagePoints(ctx, payload.AccountID)
	if err != nil {
		return fmt.Errorf("failed to list usage points: %w", err)
	}
	if len(usagePoints) == 0 {
		w.logger.WithContext(ctx).Info("Account has no usage points, nothing to sync")
		return nil
	}

	fetches := lo.FlatMap(usagePoints, func(id string, _ int) []fetch {
		return lo.Map(proxy.Endpoints, func(endpoint string, _ int) fetch {
			return fetch{usagePointID: id, endpoint: endpoint}
		})
	})

	for _, f := range fetches {
		query := url.Values{}
		query.Set("usage_point_id", f.usagePointID)
		query.Set("start", start)
		query.Set("end", end)

		resp, err := w.gateway.Forward(ctx, proxy.Request{
			AccountID: payload.AccountID,
			Method:    http.MethodGet,
			Path:      f.endpoint,
			RawQuery:  query.Encode(),
		})
		if err != nil {
			return err
		}

		reading := &storage.MeterReading{
			AccountID:    payload.AccountID,
			UsagePointID: f.usagePointID,
			Endpoint:     path.Base(f.endpoint),
			Start:        start,
			End:          end,
			Payload:      resp.Body,
			FetchedAt:    w.now().UTC(),
		}
		if err := w.sink.Write(ctx, reading); err != nil {
			return err
		}
	}

	w.logger.Info("Account synchronized",
		logging.Field{Key: "account_id", Value: payload.AccountID},
		logging.Field{Key: "usage_points", Value: len(usagePoints)},
		logging.Field{Key: "date", Value: start},
	)
	return nil
}

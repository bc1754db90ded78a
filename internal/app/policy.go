package app

import (
	"time"

	commonhttp "metering-gateway/internal/common/http"
	"metering-gateway/internal/config"
	"metering-gateway/internal/queue"
	"metering-gateway/internal/worker"
)

// upstreamRetry retries 5xx answers UpstreamMaxAttempts-1 times, immediately
// unless UPSTREAM_RETRY_BACKOFF is set.
func upstreamRetry(cfg *config.Config) commonhttp.RetryPolicy {
	return commonhttp.RetryPolicy{
		MaxAttempts:   cfg.UpstreamMaxAttempts,
		InitialDelay:  cfg.UpstreamRetryBackoff,
		MaxDelay:      10 * cfg.UpstreamRetryBackoff,
		BackoffFactor: 2,
	}
}

func jobQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Name:        cfg.QueueName,
		MaxAttempts: cfg.JobMaxAttempts,
		Backoff: commonhttp.RetryPolicy{
			InitialDelay:  cfg.JobBackoff,
			MaxDelay:      time.Hour,
			BackoffFactor: 2,
		},
	}
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Concurrency:    cfg.WorkerConcurrency,
		StalledTimeout: cfg.StalledJobTimeout,
	}
}

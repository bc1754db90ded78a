// Package scheduler triggers the daily synchronization of every linked account.
//
// The cron entry only enqueues the fan-out job daily-refresh-all-users:<date>.
// A worker picks it up and calls RefreshAccountsForDay, which enqueues one
// sync-account job per account. Both ids carry the date, so every gateway
// instance may run the cron and re-runs on the same day add nothing.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/queue"
	"metering-gateway/internal/storage"
)

// DefaultSpec runs the sync at 03:00.
const DefaultSpec = "0 3 * * *"

// Enqueuer adds jobs, ignoring ids that are already known.
type Enqueuer interface {
	Add(ctx context.Context, job *queue.Job) (bool, error)
}

// AccountLister lists the accounts that should be synchronized.
type AccountLister interface {
	ListSyncableAccounts(ctx context.Context) ([]*storage.Account, error)
}

type Config struct {
	Spec     string
	Timezone string
}

type Scheduler struct {
	spec     string
	location *time.Location
	queue    Enqueuer
	accounts AccountLister
	logger   logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	stopped chan struct{}
}

func NewScheduler(config Config, q Enqueuer, accounts AccountLister, logger logging.Logger) (*Scheduler, error) {
	if config.Spec == "" {
		config.Spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(config.Spec); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid cron expression %q: %v", config.Spec, err))
	}

	location := time.UTC
	if config.Timezone != "" {
		loc, err := time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("invalid timezone %q: %v", config.Timezone, err))
		}
		location = loc
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Scheduler{
		spec:     config.Spec,
		location: location,
		queue:    q,
		accounts: accounts,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "scheduler"}),
		now:      time.Now,
	}, nil
}

// Today returns the current day in the scheduler's timezone.
func (s *Scheduler) Today() time.Time {
	now := s.now().In(s.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
}

// ParseDay reads a job date in the scheduler's timezone.
func (s *Scheduler) ParseDay(date string) (time.Time, error) {
	day, err := time.ParseInLocation(queue.DateLayout, date, s.location)
	if err != nil {
		return time.Time{}, errors.ValidationError(fmt.Sprintf("invalid job date %q", date))
	}
	return day, nil
}

// DailyRefreshAllAccounts enqueues today's sync job for every syncable account.
func (s *Scheduler) DailyRefreshAllAccounts(ctx context.Context) (int, error) {
	return s.RefreshAccountsForDay(ctx, s.Today())
}

// RefreshAccountsForDay enqueues sync-account:<account>:<day> for every active
// account with linked usage points and returns how many jobs were new. An
// enqueue failure does not stop the fan-out; the first one is returned after
// every account was tried.
func (s *Scheduler) RefreshAccountsForDay(ctx context.Context, day time.Time) (int, error) {
	accounts, err := s.accounts.ListSyncableAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts: %w", err)
	}

	enqueued := 0
	var firstErr error
	failed := 0
	for _, account := range accounts {
		job, err := queue.NewSyncAccountJob(account.ID, day)
		if err == nil {
			var added bool
			added, err = s.queue.Add(ctx, job)
			if added {
				enqueued++
			}
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("Failed to enqueue account sync",
				logging.Field{Key: "account_id", Value: account.ID},
				logging.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	s.logger.Info("Daily refresh fanned out",
		logging.Field{Key: "date", Value: day.Format(queue.DateLayout)},
		logging.Field{Key: "accounts", Value: len(accounts)},
		logging.Field{Key: "enqueued", Value: enqueued},
		logging.Field{Key: "failed", Value: failed},
	)

	if firstErr != nil {
		return enqueued, errors.InternalError("failed to enqueue some account syncs", firstErr).
			WithContext("failed", failed)
	}
	return enqueued, nil
}

// TriggerNow enqueues today's daily-refresh-all-users job. It reports false
// when the job was already enqueued today.
func (s *Scheduler) TriggerNow(ctx context.Context) (bool, error) {
	day := s.Today()
	job, err := queue.NewDailyRefreshJob(day)
	if err != nil {
		return false, err
	}

	added, err := s.queue.Add(ctx, job)
	if err != nil {
		return false, err
	}
	s.logger.Info("Daily refresh triggered",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "added", Value: added},
	)
	return added, nil
}

// Start runs the cron schedule until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.InternalError("scheduler already started", nil)
	}

	c := cron.New(cron.WithLocation(s.location))
	_, err := c.AddFunc(s.spec, func() {
		if _, err := s.TriggerNow(ctx); err != nil {
			s.logger.Error("Scheduled daily refresh failed", err)
		}
	})
	if err != nil {
		return errors.ConfigError(fmt.Sprintf("invalid cron expression %q: %v", s.spec, err))
	}

	c.Start()
	s.cron = c
	stopped := make(chan struct{})
	s.stopped = stopped
	s.logger.Info("Scheduler started",
		logging.Field{Key: "spec", Value: s.spec},
		logging.Field{Key: "timezone", Value: s.location.String()},
	)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopped:
		}
	}()
	return nil
}

// Stop halts the schedule and waits for a running trigger to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	if s.stopped != nil {
		close(s.stopped)
		s.stopped = nil
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Next returns the next scheduled run, or the zero time when not started.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

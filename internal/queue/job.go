package queue

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Job types.
const (
	JobTypeDailyRefresh = "daily-refresh-all-users"
	JobTypeSyncAccount  = "sync-account"
)

// DateLayout formats the day part of job ids.
const DateLayout = "2006-01-02"

// State is where a job sits in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a unit of work. Ids are deterministic so that enqueuing the same
// work twice is a no-op.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt time.Time       `json:"processed_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// SyncAccountPayload is the payload of a sync-account job.
type SyncAccountPayload struct {
	AccountID string `json:"account_id"`
	Date      string `json:"date"`
}

// DailyRefreshPayload is the payload of a daily-refresh-all-users job.
type DailyRefreshPayload struct {
	Date string `json:"date"`
}

// SyncAccountJobID returns "sync-account:<account>:<YYYY-MM-DD>".
func SyncAccountJobID(accountID string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", JobTypeSyncAccount, accountID, day.Format(DateLayout))
}

// DailyRefreshJobID returns "daily-refresh-all-users:<YYYY-MM-DD>".
func DailyRefreshJobID(day time.Time) string {
	return fmt.Sprintf("%s:%s", JobTypeDailyRefresh, day.Format(DateLayout))
}

// NewSyncAccountJob builds the sync job of one account for day.
func NewSyncAccountJob(accountID string, day time.Time) (*Job, error) {
	payload, err := json.Marshal(SyncAccountPayload{AccountID: accountID, Date: day.Format(DateLayout)})
	if err != nil {
		return nil, err
	}
	return &Job{ID: SyncAccountJobID(accountID, day), Type: JobTypeSyncAccount, Payload: payload}, nil
}

// NewDailyRefreshJob builds the fan-out job for day.
func NewDailyRefreshJob(day time.Time) (*Job, error) {
	payload, err := json.Marshal(DailyRefreshPayload{Date: day.Format(DateLayout)})
	if err != nil {
		return nil, err
	}
	return &Job{ID: DailyRefreshJobID(day), Type: JobTypeDailyRefresh, Payload: payload}, nil
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	return json.Unmarshal(j.Payload, v)
}

// JobCounts is the number of jobs per state.
type JobCounts struct {
	Wait      int64 `json:"wait"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// AsMap returns the counts keyed by state name.
func (c JobCounts) AsMap() map[string]int64 {
	return map[string]int64{
		"wait":      c.Wait,
		"active":    c.Active,
		"delayed":   c.Delayed,
		"completed": c.Completed,
		"failed":    c.Failed,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Fail does not schedule another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *permanentError
	return stderrors.As(err, &permanent)
}

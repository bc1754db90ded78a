// Package queue is a Redis-backed at-least-once job queue.
//
// Each job is a hash under <prefix>job:<id>. Job ids move between the wait
// and active lists and the delayed, completed and failed sorted sets, and
// every move is atomic in Redis. A worker that dies while holding a job
// leaves it in the active list until RecoverStalled puts it back.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"metering-gateway/internal/common/errors"
	commonhttp "metering-gateway/internal/common/http"
	"metering-gateway/internal/common/logging"
)

var addScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
	"type", ARGV[2],
	"payload", ARGV[3],
	"state", "waiting",
	"attempts", 0,
	"max_attempts", ARGV[4],
	"created_at", ARGV[5])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

var promoteScript = goredis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
	redis.call("HSET", ARGV[2] .. id, "state", "waiting")
end
return #ids
`)

// requeueScript moves one id from active back to the head of wait when it has
// been there since before ARGV[2]. A job marked active is judged by its
// processed_at. An id popped from wait but not yet marked still reads
// "waiting"; it gets an orphaned_at clock on first sight, which Dequeue clears
// once it marks the job, so only a consumer that died in between is requeued.
var requeueScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[3], "state")
if not state then
	redis.call("LREM", KEYS[1], 0, ARGV[1])
	return 0
end
local since
if state == "active" then
	since = tonumber(redis.call("HGET", KEYS[3], "processed_at"))
else
	redis.call("HSETNX", KEYS[3], "orphaned_at", ARGV[3])
	since = tonumber(redis.call("HGET", KEYS[3], "orphaned_at"))
end
if since == nil or since > tonumber(ARGV[2]) then
	return 0
end
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", "waiting")
redis.call("HDEL", KEYS[3], "orphaned_at")
return 1
`)

// removeScript deletes a job that no consumer holds. It returns 0 when the
// job does not exist and -1 when it is active.
var removeScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return 0
end
if state == "active" then
	return -1
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("ZREM", KEYS[5], ARGV[1])
redis.call("DEL", KEYS[1])
return 1
`)

// Config configures a RedisQueue.
type Config struct {
	Name string
	// MaxAttempts applies to jobs added without their own limit.
	MaxAttempts int
	// Backoff is the delay before retrying; attempt n waits Backoff.Delay(n+1).
	Backoff commonhttp.RetryPolicy
	// Retention is how long finished jobs are kept. Their ids stay reserved
	// for as long, which is what makes daily ids idempotent.
	Retention time.Duration
}

// DefaultConfig returns three attempts with exponential backoff from 30s.
func DefaultConfig() Config {
	return Config{
		Name:        "enedis",
		MaxAttempts: 3,
		Backoff: commonhttp.RetryPolicy{
			InitialDelay:  30 * time.Second,
			MaxDelay:      time.Hour,
			BackoffFactor: 2,
		},
		Retention: 7 * 24 * time.Hour,
	}
}

// RedisQueue implements the queue on Redis lists and sorted sets.
type RedisQueue struct {
	client goredis.UniversalClient
	config Config
	logger logging.Logger
	now    func() time.Time

	prefix    string
	waitKey   string
	activeKey string
	delayKey  string
	doneKey   string
	failKey   string
}

// NewRedisQueue creates a queue. Zero fields of config take DefaultConfig values.
func NewRedisQueue(client goredis.UniversalClient, config Config, logger logging.Logger) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.ConfigError("redis client is required for the job queue")
	}

	defaults := DefaultConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Backoff.InitialDelay <= 0 && config.Backoff.MaxDelay <= 0 {
		config.Backoff = defaults.Backoff
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	prefix := fmt.Sprintf("queue:%s:", config.Name)
	return &RedisQueue{
		client:    client,
		config:    config,
		logger:    logger.WithFields(logging.Field{Key: "component", Value: "job-queue"}, logging.Field{Key: "queue", Value: config.Name}),
		now:       time.Now,
		prefix:    prefix,
		waitKey:   prefix + "wait",
		activeKey: prefix + "active",
		delayKey:  prefix + "delayed",
		doneKey:   prefix + "completed",
		failKey:   prefix + "failed",
	}, nil
}

func (q *RedisQueue) jobKey(id string) string {
	return q.prefix + "job:" + id
}

// Add enqueues job unless a job with the same id exists. It reports whether
// the job was added.
func (q *RedisQueue) Add(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.ID == "" || job.Type == "" {
		return false, errors.ValidationError("job id and type are required")
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}
	createdAt := q.now()

	added, err := addScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.waitKey},
		job.ID, job.Type, string(job.Payload), maxAttempts, createdAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, errors.ConnectionError("failed to add job", err).WithContext("job_id", job.ID)
	}

	if added == 0 {
		q.logger.Debug("Job already exists", logging.Field{Key: "job_id", Value: job.ID})
		return false, nil
	}

	job.State = StateWaiting
	job.MaxAttempts = maxAttempts
	job.CreatedAt = createdAt
	q.logger.Debug("Job added", logging.Field{Key: "job_id", Value: job.ID}, logging.Field{Key: "type", Value: job.Type})
	return true, nil
}

// Dequeue blocks up to timeout for a waiting job and marks it active. It
// returns nil, nil when nothing arrived in time.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if timeout <= 0 {
		timeout = time.Second
	}

	id, err := q.client.BRPopLPush(ctx, q.waitKey, q.activeKey, timeout).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.ConnectionError("failed to dequeue job", err)
	}

	if err := q.markActive(ctx, id); err != nil {
		return nil, err
	}
	return q.Get(ctx, id)
}

// markActive starts the attempt of a job that was just moved to active.
func (q *RedisQueue) markActive(ctx context.Context, id string) error {
	key := q.jobKey(id)
	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "attempts", 1)
		pipe.HSet(ctx, key, "state", string(StateActive), "processed_at", q.now().UnixMilli())
		pipe.HDel(ctx, key, "orphaned_at")
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to mark job active", err).WithContext("job_id", id)
	}
	return nil
}

// Complete records a successful job.
func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	finishedAt := q.now()
	key := q.jobKey(job.ID)

	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey, 0, job.ID)
		pipe.HSet(ctx, key, "state", string(StateCompleted), "finished_at", finishedAt.UnixMilli(), "last_error", "")
		pipe.ZAdd(ctx, q.doneKey, &goredis.Z{Score: float64(finishedAt.UnixMilli()), Member: job.ID})
		q.expire(ctx, pipe, key, q.doneKey, finishedAt)
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to complete job", err).WithContext("job_id", job.ID)
	}

	job.State = StateCompleted
	job.FinishedAt = finishedAt
	return nil
}

// Fail records a failed attempt. The job is retried after a backoff while it
// has attempts left and cause is not Permanent; otherwise it fails for good.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) error {
	now := q.now()
	key := q.jobKey(job.ID)
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	retry := job.Attempts < job.MaxAttempts && !IsPermanent(cause)

	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey, 0, job.ID)
		if retry {
			runAt := now.Add(q.config.Backoff.Delay(job.Attempts + 1))
			pipe.HSet(ctx, key, "state", string(StateDelayed), "last_error", message)
			pipe.ZAdd(ctx, q.delayKey, &goredis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
			return nil
		}
		pipe.HSet(ctx, key, "state", string(StateFailed), "last_error", message, "finished_at", now.UnixMilli())
		pipe.ZAdd(ctx, q.failKey, &goredis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		q.expire(ctx, pipe, key, q.failKey, now)
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to record job failure", err).WithContext("job_id", job.ID)
	}

	job.LastError = message
	if retry {
		job.State = StateDelayed
		q.logger.Warn("Job attempt failed, will retry",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "attempt", Value: job.Attempts},
			logging.Field{Key: "max_attempts", Value: job.MaxAttempts},
			logging.Field{Key: "error", Value: message},
		)
		return nil
	}

	job.State = StateFailed
	job.FinishedAt = now
	q.logger.Error("Job failed", cause,
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "attempts", Value: job.Attempts},
	)
	return nil
}

// expire bounds the life of a finished job and drops old ids from set.
func (q *RedisQueue) expire(ctx context.Context, pipe goredis.Pipeliner, key, set string, now time.Time) {
	pipe.PExpire(ctx, key, q.config.Retention)
	cutoff := now.Add(-q.config.Retention).UnixMilli()
	pipe.ZRemRangeByScore(ctx, set, "-inf", strconv.FormatInt(cutoff, 10))
}

// PromoteDelayed moves delayed jobs that are due back to wait.
func (q *RedisQueue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayKey, q.waitKey},
		q.now().UnixMilli(), q.prefix+"job:",
	).Int()
	if err != nil {
		return 0, errors.ConnectionError("failed to promote delayed jobs", err)
	}
	return n, nil
}

// RecoverStalled puts back to wait the active jobs picked up more than
// olderThan ago. Their attempt is counted. The age check runs inside Redis
// against the job's current state, so a job that a consumer is marking
// concurrently is left alone.
func (q *RedisQueue) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, q.activeKey, 0, -1).Result()
	if err != nil {
		return 0, errors.ConnectionError("failed to list active jobs", err)
	}

	now := q.now()
	cutoff := now.Add(-olderThan).UnixMilli()
	recovered := 0
	for _, id := range ids {
		moved, err := requeueScript.Run(ctx, q.client,
			[]string{q.activeKey, q.waitKey, q.jobKey(id)}, id, cutoff, now.UnixMilli(),
		).Int()
		if err != nil {
			return recovered, errors.ConnectionError("failed to requeue stalled job", err).WithContext("job_id", id)
		}
		if moved == 1 {
			recovered++
			q.logger.Warn("Recovered stalled job", logging.Field{Key: "job_id", Value: id})
		}
	}
	return recovered, nil
}

// Counts returns the number of jobs in each state.
func (q *RedisQueue) Counts(ctx context.Context) (JobCounts, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.waitKey)
	active := pipe.LLen(ctx, q.activeKey)
	delayed := pipe.ZCard(ctx, q.delayKey)
	completed := pipe.ZCard(ctx, q.doneKey)
	failed := pipe.ZCard(ctx, q.failKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return JobCounts{}, errors.ConnectionError("failed to count jobs", err)
	}

	return JobCounts{
		Wait:      wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Get loads a job by id.
func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errors.ConnectionError("failed to load job", err).WithContext("job_id", id)
	}
	if len(fields) == 0 {
		return nil, errors.NotFoundError("job").WithContext("job_id", id)
	}
	return decodeJob(id, fields), nil
}

// Remove deletes a waiting, delayed or finished job. Removing a finished job
// frees its id, so the same daily job can be enqueued again. Active jobs are
// refused: their consumer still owns them.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	res, err := removeScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.waitKey, q.delayKey, q.doneKey, q.failKey}, id,
	).Int()
	if err != nil {
		return errors.ConnectionError("failed to remove job", err).WithContext("job_id", id)
	}

	switch res {
	case 0:
		return errors.NotFoundError("job").WithContext("job_id", id)
	case -1:
		return errors.ValidationError("job is being processed").WithContext("job_id", id)
	}
	q.logger.Info("Job removed", logging.Field{Key: "job_id", Value: id})
	return nil
}

func decodeJob(id string, fields map[string]string) *Job {
	job := &Job{
		ID:          id,
		Type:        fields["type"],
		State:       State(fields["state"]),
		Attempts:    atoi(fields["attempts"]),
		MaxAttempts: atoi(fields["max_attempts"]),
		LastError:   fields["last_error"],
		CreatedAt:   millis(fields["created_at"]),
		ProcessedAt: millis(fields["processed_at"]),
		FinishedAt:  millis(fields["finished_at"]),
	}
	if payload := fields["payload"]; payload != "" {
		job.Payload = []byte(payload)
	}
	return job
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueue(client, Config{Name: "test"}, logging.NewNopLogger())
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)}
	q.now = clock.Now
	return q, mr, clock
}

func addSyncJob(t *testing.T, q *RedisQueue, accountID string, day time.Time) *Job {
	t.Helper()
	job, err := NewSyncAccountJob(accountID, day)
	require.NoError(t, err)
	added, err := q.Add(context.Background(), job)
	require.NoError(t, err)
	require.True(t, added)
	return job
}

func dequeue(t *testing.T, q *RedisQueue) *Job {
	t.Helper()
	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func counts(t *testing.T, q *RedisQueue) JobCounts {
	t.Helper()
	c, err := q.Counts(context.Background())
	require.NoError(t, err)
	return c
}

func TestJobIDs(t *testing.T) {
	day := time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "sync-account:acc-1:2024-03-10", SyncAccountJobID("acc-1", day))
	assert.Equal(t, "daily-refresh-all-users:2024-03-10", DailyRefreshJobID(day))

	job, err := NewSyncAccountJob("acc-1", day)
	require.NoError(t, err)
	var payload SyncAccountPayload
	require.NoError(t, job.DecodePayload(&payload))
	assert.Equal(t, SyncAccountPayload{AccountID: "acc-1", Date: "2024-03-10"}, payload)
}

func TestRedisQueue_AddDeduplicates(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	addSyncJob(t, q, "acc-1", clock.now)
	addSyncJob(t, q, "acc-2", clock.now)
	assert.Equal(t, int64(2), counts(t, q).Wait)

	again, err := NewSyncAccountJob("acc-1", clock.now)
	require.NoError(t, err)
	added, err := q.Add(ctx, again)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, int64(2), counts(t, q).Wait)
}

func TestRedisQueue_AddRequiresIDAndType(t *testing.T) {
	q, _, _ := setupQueue(t)

	_, err := q.Add(context.Background(), &Job{Type: JobTypeSyncAccount})
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestRedisQueue_DequeueIsFIFO(t *testing.T) {
	q, _, clock := setupQueue(t)

	addSyncJob(t, q, "acc-1", clock.now)
	addSyncJob(t, q, "acc-2", clock.now)

	first := dequeue(t, q)
	assert.Equal(t, "sync-account:acc-1:2024-03-10", first.ID)
	assert.Equal(t, StateActive, first.State)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, 3, first.MaxAttempts)
	assert.True(t, clock.now.Equal(first.ProcessedAt))

	c := counts(t, q)
	assert.Equal(t, int64(1), c.Wait)
	assert.Equal(t, int64(1), c.Active)
}

func TestRedisQueue_DequeueTimeout(t *testing.T) {
	q, _, _ := setupQueue(t)

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisQueue_Complete(t *testing.T) {
	q, mr, clock := setupQueue(t)
	addSyncJob(t, q, "acc-1", clock.now)

	job := dequeue(t, q)
	require.NoError(t, q.Complete(context.Background(), job))

	c := counts(t, q)
	assert.Equal(t, JobCounts{Completed: 1}, c)

	stored, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Equal(t, 7*24*time.Hour, mr.TTL("queue:test:job:"+job.ID))

	// A finished job keeps its id reserved.
	again, _ := NewSyncAccountJob("acc-1", clock.now)
	added, err := q.Add(context.Background(), again)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRedisQueue_RetryThenFail(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()
	addSyncJob(t, q, "acc-1", clock.now)

	for attempt := 1; attempt <= 2; attempt++ {
		job := dequeue(t, q)
		assert.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Fail(ctx, job, fmt.Errorf("upstream down %d", attempt)))
		assert.Equal(t, StateDelayed, job.State)

		c := counts(t, q)
		assert.Equal(t, int64(1), c.Delayed)
		assert.Equal(t, int64(0), c.Wait)

		n, err := q.PromoteDelayed(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "not due yet")

		clock.Advance(30 * time.Second * time.Duration(attempt))
		n, err = q.PromoteDelayed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, int64(1), counts(t, q).Wait)
	}

	job := dequeue(t, q)
	assert.Equal(t, 3, job.Attempts)
	require.NoError(t, q.Fail(ctx, job, fmt.Errorf("upstream down 3")))
	assert.Equal(t, StateFailed, job.State)

	assert.Equal(t, JobCounts{Failed: 1}, counts(t, q))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, "upstream down 3", stored.LastError)
}

func TestRedisQueue_PermanentFailure(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()
	addSyncJob(t, q, "acc-1", clock.now)

	job := dequeue(t, q)
	require.NoError(t, q.Fail(ctx, job, Permanent(fmt.Errorf("unknown job type"))))

	assert.Equal(t, JobCounts{Failed: 1}, counts(t, q))
}

func TestRedisQueue_RecoverStalled(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()
	addSyncJob(t, q, "acc-1", clock.now)
	addSyncJob(t, q, "acc-2", clock.now)

	stalled := dequeue(t, q)
	clock.Advance(5 * time.Minute)
	dequeue(t, q)

	clock.Advance(6 * time.Minute)
	n, err := q.RecoverStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c := counts(t, q)
	assert.Equal(t, int64(1), c.Wait)
	assert.Equal(t, int64(1), c.Active)

	again := dequeue(t, q)
	assert.Equal(t, stalled.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

// popWithoutMark moves the next waiting id to active the way Dequeue's first
// step does, leaving the job as a consumer sees it before marking it.
func popWithoutMark(t *testing.T, q *RedisQueue) string {
	t.Helper()
	id, err := q.client.RPopLPush(context.Background(), q.waitKey, q.activeKey).Result()
	require.NoError(t, err)
	return id
}

func TestRedisQueue_RecoverStalledSkipsJobsBeingPickedUp(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, q *RedisQueue, clock *testClock)
	}{
		{
			name: "first attempt",
			setup: func(t *testing.T, q *RedisQueue, clock *testClock) {
				addSyncJob(t, q, "acc-1", clock.now)
				clock.Advance(time.Hour)
			},
		},
		{
			name: "retry with an old processed_at",
			setup: func(t *testing.T, q *RedisQueue, clock *testClock) {
				addSyncJob(t, q, "acc-1", clock.now)
				job := dequeue(t, q)
				require.NoError(t, q.Fail(context.Background(), job, fmt.Errorf("upstream 503")))
				clock.Advance(time.Hour)
				n, err := q.PromoteDelayed(context.Background())
				require.NoError(t, err)
				require.Equal(t, 1, n)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _, clock := setupQueue(t)
			ctx := context.Background()
			tt.setup(t, q, clock)

			id := popWithoutMark(t, q)
			n, err := q.RecoverStalled(ctx, 10*time.Minute)
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Equal(t, int64(1), counts(t, q).Active)
			assert.Zero(t, counts(t, q).Wait)

			// The consumer marks the job; later sweeps judge it by processed_at.
			job, err := q.Get(ctx, id)
			require.NoError(t, err)
			attempts := job.Attempts
			require.NoError(t, q.markActive(ctx, id))

			clock.Advance(5 * time.Minute)
			n, err = q.RecoverStalled(ctx, 10*time.Minute)
			require.NoError(t, err)
			assert.Zero(t, n)

			job, err = q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, attempts+1, job.Attempts)
			assert.Equal(t, StateActive, job.State)
		})
	}
}

func TestRedisQueue_RecoverStalledConsumerDiedBeforeMarking(t *testing.T) {
	q, mr, clock := setupQueue(t)
	ctx := context.Background()
	addSyncJob(t, q, "acc-1", clock.now)

	id := popWithoutMark(t, q)
	n, err := q.RecoverStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotEmpty(t, mr.HGet(q.jobKey(id), "orphaned_at"))

	clock.Advance(11 * time.Minute)
	n, err = q.RecoverStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, mr.HGet(q.jobKey(id), "orphaned_at"))

	job := dequeue(t, q)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
}

func TestRedisQueue_RecoverStalledDropsVanishedJobs(t *testing.T) {
	q, mr, clock := setupQueue(t)
	ctx := context.Background()
	addSyncJob(t, q, "acc-1", clock.now)
	id := popWithoutMark(t, q)
	mr.Del(q.jobKey(id))

	n, err := q.RecoverStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, JobCounts{}, counts(t, q))
	assert.False(t, mr.Exists(q.jobKey(id)))
}

func TestRedisQueue_GetAndRemove(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	_, err := q.Get(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))

	job := addSyncJob(t, q, "acc-1", clock.now)
	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobTypeSyncAccount, stored.Type)
	assert.Equal(t, StateWaiting, stored.State)
	assert.JSONEq(t, `{"account_id":"acc-1","date":"2024-03-10"}`, string(stored.Payload))

	require.NoError(t, q.Remove(ctx, job.ID))
	assert.Equal(t, JobCounts{}, counts(t, q))
	_, err = q.Get(ctx, job.ID)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))

	err = q.Remove(ctx, job.ID)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestRedisQueue_RemoveRefusesActiveJobs(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()
	addSyncJob(t, q, "acc-1", clock.now)
	job := dequeue(t, q)

	err := q.Remove(ctx, job.ID)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	assert.Equal(t, int64(1), counts(t, q).Active)

	require.NoError(t, q.Complete(ctx, job))
	require.NoError(t, q.Remove(ctx, job.ID))
	assert.Equal(t, JobCounts{}, counts(t, q))

	// The id is free again.
	again, err := NewSyncAccountJob("acc-1", clock.now)
	require.NoError(t, err)
	added, err := q.Add(ctx, again)
	require.NoError(t, err)
	assert.True(t, added)
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/metrics"
)

// QuotaMessage is returned to callers that used their monthly quota.
const QuotaMessage = "Too many requests this month."

// DefaultWindow is the lifetime of a quota counter.
const DefaultWindow = 30 * 24 * time.Hour

// consumeScript increments the counter and arms its expiry on the first
// increment only, so the window is fixed from the first request.
var consumeScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// QuotaConfig configures a QuotaLimiter.
type QuotaConfig struct {
	Limit     int
	Window    time.Duration
	KeyPrefix string
}

// Status is the state of one account's counter.
type Status struct {
	Limit     int       `json:"limit"`
	Consumed  int       `json:"consumed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// QuotaLimiter enforces a fixed number of requests per account and window.
type QuotaLimiter struct {
	client  goredis.UniversalClient
	config  QuotaConfig
	metrics *metrics.Metrics
	logger  logging.Logger
	now     func() time.Time
}

// NewQuotaLimiter creates a limiter on the given Redis client.
func NewQuotaLimiter(client goredis.UniversalClient, config QuotaConfig, m *metrics.Metrics, logger logging.Logger) (*QuotaLimiter, error) {
	if client == nil {
		return nil, errors.ConfigError("redis client is required for the quota limiter")
	}
	if config.Limit <= 0 {
		return nil, errors.ConfigError(fmt.Sprintf("quota limit must be positive, got %d", config.Limit))
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "rate_limit:enedis:"
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &QuotaLimiter{
		client:  client,
		config:  config,
		metrics: m,
		logger:  logger.WithFields(logging.Field{Key: "component", Value: "quota-limiter"}),
		now:     time.Now,
	}, nil
}

func (q *QuotaLimiter) key(accountID string) string {
	return q.config.KeyPrefix + accountID
}

// Consume spends one request of the account's quota. An account already over
// its limit is rejected without touching the counter.
func (q *QuotaLimiter) Consume(ctx context.Context, accountID string) (*Status, error) {
	current, err := q.consumed(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if current > q.config.Limit {
		return nil, q.reject(ctx, accountID, current)
	}

	res, err := consumeScript.Run(ctx, q.client, []string{q.key(accountID)}, q.config.Window.Milliseconds()).Slice()
	if err != nil {
		return nil, errors.ConnectionError("failed to update quota counter", err).WithAccount(accountID)
	}
	if len(res) != 2 {
		return nil, errors.InternalError(fmt.Sprintf("unexpected quota script result: %v", res), nil)
	}

	count, _ := res[0].(int64)
	pttl, _ := res[1].(int64)

	if int(count) > q.config.Limit {
		return nil, q.reject(ctx, accountID, int(count))
	}

	return q.status(int(count), time.Duration(pttl)*time.Millisecond), nil
}

// Get returns the account's counter without consuming anything.
func (q *QuotaLimiter) Get(ctx context.Context, accountID string) (*Status, error) {
	pipe := q.client.Pipeline()
	getCmd := pipe.Get(ctx, q.key(accountID))
	ttlCmd := pipe.PTTL(ctx, q.key(accountID))
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, errors.ConnectionError("failed to read quota counter", err).WithAccount(accountID)
	}

	consumed := 0
	if v, err := getCmd.Result(); err == nil {
		consumed, _ = strconv.Atoi(v)
	}

	return q.status(consumed, ttlCmd.Val()), nil
}

// Reset drops the account's counter, starting a fresh window on its next
// request.
func (q *QuotaLimiter) Reset(ctx context.Context, accountID string) error {
	if err := q.client.Del(ctx, q.key(accountID)).Err(); err != nil {
		return errors.ConnectionError("failed to reset quota counter", err).WithAccount(accountID)
	}
	q.logger.Info("Quota counter reset", logging.Field{Key: "account_id", Value: accountID})
	return nil
}

func (q *QuotaLimiter) consumed(ctx context.Context, accountID string) (int, error) {
	v, err := q.client.Get(ctx, q.key(accountID)).Int()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.ConnectionError("failed to read quota counter", err).WithAccount(accountID)
	}
	return v, nil
}

func (q *QuotaLimiter) reject(ctx context.Context, accountID string, consumed int) error {
	q.metrics.RecordQuotaRejection()
	q.logger.Warn("Account exceeded its monthly quota",
		logging.Field{Key: "account_id", Value: accountID},
		logging.Field{Key: "consumed", Value: consumed},
		logging.Field{Key: "limit", Value: q.config.Limit},
	)

	err := errors.QuotaExceededError(QuotaMessage).WithAccount(accountID)
	if ttl, ttlErr := q.client.PTTL(ctx, q.key(accountID)).Result(); ttlErr == nil && ttl > 0 {
		err.WithContext("retry_after", ttl)
	}
	return err
}

func (q *QuotaLimiter) status(consumed int, ttl time.Duration) *Status {
	remaining := q.config.Limit - consumed
	if remaining < 0 {
		remaining = 0
	}

	s := &Status{Limit: q.config.Limit, Consumed: consumed, Remaining: remaining}
	if ttl > 0 {
		s.ResetAt = q.now().Add(ttl)
	}
	return s
}

// RetryAfter extracts the time until the window resets from a quota error.
func RetryAfter(err error) (time.Duration, bool) {
	appErr, ok := errors.As(err)
	if !ok || appErr.Type != errors.ErrTypeQuotaExceeded {
		return 0, false
	}
	d, ok := appErr.Context["retry_after"].(time.Duration)
	return d, ok
}

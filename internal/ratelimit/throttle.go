package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
	"metering-gateway/internal/common/errors"
)

// UpstreamThrottle caps the rate at which this process calls the provider.
// A nil *UpstreamThrottle never waits.
type UpstreamThrottle struct {
	limiter *rate.Limiter
}

// NewUpstreamThrottle returns a throttle allowing rps requests per second with
// the given burst, or nil when rps is not positive.
func NewUpstreamThrottle(rps float64, burst int) *UpstreamThrottle {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &UpstreamThrottle{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent or ctx is done.
func (t *UpstreamThrottle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return errors.TimeoutError("upstream throttle")
	}
	return nil
}

// Allow reports whether a request may be sent now without waiting.
func (t *UpstreamThrottle) Allow() bool {
	if t == nil {
		return true
	}
	return t.limiter.Allow()
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"metering-gateway/internal/common/errors"
)

func TestUpstreamThrottle_Disabled(t *testing.T) {
	throttle := NewUpstreamThrottle(0, 5)
	assert.Nil(t, throttle)
	assert.NoError(t, throttle.Wait(context.Background()))
	assert.True(t, throttle.Allow())
}

func TestUpstreamThrottle_Burst(t *testing.T) {
	throttle := NewUpstreamThrottle(1, 2)

	assert.True(t, throttle.Allow())
	assert.True(t, throttle.Allow())
	assert.False(t, throttle.Allow())
}

func TestUpstreamThrottle_WaitHonoursContext(t *testing.T) {
	throttle := NewUpstreamThrottle(0.5, 1)
	assert.NoError(t, throttle.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := throttle.Wait(ctx)
	assert.True(t, errors.IsType(err, errors.ErrTypeTimeout))
}

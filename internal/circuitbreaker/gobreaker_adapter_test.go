package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
)

func testConfig() Config {
	return Config{MaxFailures: 2, Timeout: 50 * time.Millisecond, MaxConcurrentRequests: 1}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, OAuthConfig.Validate())
	assert.NoError(t, UpstreamConfig.Validate())
	assert.Error(t, Config{MaxFailures: 0, Timeout: time.Second, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: 0, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: time.Second}.Validate())
}

func TestGoBreaker_OpensOnRetryableFailures(t *testing.T) {
	cb := NewGoBreaker("upstream", testConfig(), logging.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return errors.UpstreamServerError(503, nil, nil) })
		assert.True(t, errors.IsType(err, errors.ErrTypeUpstreamServer))
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, errors.IsType(err, errors.ErrTypeConnection))
	assert.True(t, IsOpen(err))
	assert.False(t, IsOpen(errors.UpstreamServerError(503, nil, nil)))
	assert.True(t, errors.IsRetryable(err))
}

func TestGoBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	cb := NewGoBreaker("upstream", testConfig(), logging.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return errors.UpstreamClientError(403, nil) })
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestGoBreaker_RecoversAfterTimeout(t *testing.T) {
	cb := NewGoBreaker("oauth", testConfig(), logging.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errors.TimeoutError("token") })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestGoBreaker_InvalidConfigFallsBack(t *testing.T) {
	cb := NewGoBreaker("broken", Config{}, logging.NewNopLogger())
	assert.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestNew_Disabled(t *testing.T) {
	cb := New(false, "upstream", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return errors.UpstreamServerError(500, nil, nil) })
	}
	assert.Equal(t, StateClosed, cb.State())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, cb.Execute(cancelled, func() error { return nil }), context.Canceled)
}

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache(t *testing.T) {
	c := NewLocalCache(time.Minute, time.Minute)

	c.Set("inst-1", "active", 0)
	v, ok := c.Get("inst-1")
	assert.True(t, ok)
	assert.Equal(t, "active", v)
	assert.Equal(t, 1, c.Len())

	c.Delete("inst-1")
	_, ok = c.Get("inst-1")
	assert.False(t, ok)
}

func TestLocalCache_Expiry(t *testing.T) {
	c := NewLocalCache(time.Minute, time.Minute)

	c.Set("inst-1", "active", 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := c.Get("inst-1")
		return !ok
	}, time.Second, 10*time.Millisecond)

	c.Set("inst-2", "inactive", 0)
	c.Flush()
	assert.Equal(t, 0, c.Len())
}

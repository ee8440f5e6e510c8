package redis

import (
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, capacity, refillPerSec float64) (*RateLimiter, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewRateLimiter(client, capacity, refillPerSec, clock, slog.Default()), clock
}

func TestAllowStartsWithFullBucket(t *testing.T) {
	limiter, _ := newTestLimiter(t, 10, 1)

	for i := 0; i < 10; i++ {
		ok, err := limiter.Allow("tenant-1", 1)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should drain the initial bucket", i+1)
	}

	ok, err := limiter.Allow("tenant-1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "bucket is empty")
}

func TestAllowRefillsOverTime(t *testing.T) {
	limiter, clock := newTestLimiter(t, 5, 2)

	ok, err := limiter.Allow("tenant-1", 5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Allow("tenant-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// 2 tokens/s for 1.5s refills 3 tokens.
	clock.Advance(1500 * time.Millisecond)
	ok, err = limiter.Allow("tenant-1", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow("tenant-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowRefillCapsAtCapacity(t *testing.T) {
	limiter, clock := newTestLimiter(t, 3, 10)

	ok, err := limiter.Allow("tenant-1", 3)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Hour)
	ok, err = limiter.Allow("tenant-1", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow("tenant-1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "refill never exceeds capacity")
}

func TestBucketsAreTenantScoped(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, 0.1)

	ok, err := limiter.Allow("tenant-1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Allow("tenant-2", 1)
	require.NoError(t, err)
	assert.True(t, ok, "tenants do not share buckets")
}

func TestRetryAfter(t *testing.T) {
	limiter, _ := newTestLimiter(t, 10, 2)

	ok, err := limiter.Allow("tenant-1", 10)
	require.NoError(t, err)
	require.True(t, ok)

	// 4 tokens at 2 tokens/s is a 2s wait.
	wait, err := limiter.RetryAfter("tenant-1", 4)
	require.NoError(t, err)
	assert.InDelta(t, (2 * time.Second).Seconds(), wait.Seconds(), 0.05)
}

func TestRetryAfterZeroWhenAvailable(t *testing.T) {
	limiter, _ := newTestLimiter(t, 10, 2)

	wait, err := limiter.RetryAfter("tenant-1", 5)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait, "fresh bucket already holds the tokens")
}

func TestRetryAfterRejectsImpossibleRequest(t *testing.T) {
	limiter, _ := newTestLimiter(t, 10, 2)

	_, err := limiter.RetryAfter("tenant-1", 11)
	assert.Error(t, err, "more tokens than the bucket holds can never be granted")
}

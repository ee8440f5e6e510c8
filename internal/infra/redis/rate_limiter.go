package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ai-control-plane/internal/admission"
	"ai-control-plane/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	bucketKeyPrefix = "controlplane:ratelimit:"
	bucketTTL       = time.Hour
)

// tokenBucketScript refills the tenant's bucket for elapsed time, then
// atomically consumes the requested tokens if available. Refill and consume
// run in one round trip so concurrent control-plane nodes cannot double
// spend.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now_ms
end

local elapsed = math.max(0, now_ms - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now_ms)
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// RateLimiter is the Redis-backed token bucket limiter, shared by every
// control-plane node so a tenant's burst budget holds cluster-wide. New
// tenants start with a full bucket.
type RateLimiter struct {
	client       *redis.Client
	capacity     float64
	refillPerSec float64
	clock        domain.Clock
	logger       *slog.Logger
}

var _ admission.Limiter = (*RateLimiter)(nil)

// NewRateLimiter creates a limiter over the given Redis client.
func NewRateLimiter(client *redis.Client, capacity, refillPerSec float64, clock domain.Clock, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		client:       client,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		clock:        clock,
		logger:       logger.With("component", "redis-rate-limiter"),
	}
}

// Allow refills the tenant's bucket for elapsed time, then atomically
// consumes tokens if available.
func (l *RateLimiter) Allow(tenantID string, tokens float64) (bool, error) {
	ctx := context.Background()
	key := bucketKeyPrefix + tenantID
	nowMs := l.clock.Now().UnixMilli()

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refillPerSec, nowMs, tokens, int(bucketTTL.Seconds())).Slice()
	if err != nil {
		return false, fmt.Errorf("failed to run token bucket script for tenant %s: %w", tenantID, err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("unexpected token bucket script result for tenant %s: %v", tenantID, res)
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected token bucket script result for tenant %s: %v", tenantID, res)
	}
	return allowed == 1, nil
}

// RetryAfter estimates how long until the bucket holds enough tokens for the
// request.
func (l *RateLimiter) RetryAfter(tenantID string, tokens float64) (time.Duration, error) {
	if tokens > l.capacity {
		return 0, fmt.Errorf("requested %0.f tokens exceeds bucket capacity %0.f", tokens, l.capacity)
	}

	ctx := context.Background()
	key := bucketKeyPrefix + tenantID

	vals, err := l.client.HMGet(ctx, key, "tokens", "ts").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read bucket for tenant %s: %w", tenantID, err)
	}

	available := l.capacity
	lastMs := l.clock.Now().UnixMilli()
	if s, ok := vals[0].(string); ok {
		if parsed, err := strconv.ParseFloat(s, 64); err == nil {
			available = parsed
		}
	}
	if s, ok := vals[1].(string); ok {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			lastMs = parsed
		}
	}

	elapsed := float64(l.clock.Now().UnixMilli()-lastMs) / 1000
	if elapsed > 0 && l.refillPerSec > 0 {
		available = min(l.capacity, available+elapsed*l.refillPerSec)
	}
	if available >= tokens {
		return 0, nil
	}
	if l.refillPerSec <= 0 {
		return 0, fmt.Errorf("bucket for tenant %s never refills", tenantID)
	}
	return time.Duration((tokens - available) / l.refillPerSec * float64(time.Second)), nil
}

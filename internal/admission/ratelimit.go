package admission

import (
	"math"
	"sync"
	"time"

	"ai-control-plane/internal/domain"
)

// Limiter is the admission-control rate limiting interface. The in-memory
// token bucket implements it, as does the redis binding for multi-node
// deployments.
type Limiter interface {
	// Allow refills the tenant's bucket for elapsed time, then atomically
	// consumes tokens if available.
	Allow(tenantID string, tokens float64) (bool, error)
	// RetryAfter reports how long until the bucket will hold enough tokens.
	RetryAfter(tenantID string, tokens float64) (time.Duration, error)
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a per-tenant token bucket. Refill is lazy: elapsed time is
// applied against the injected clock at call time, never by a timer.
type RateLimiter struct {
	capacity     float64
	refillPerSec float64
	clock        domain.Clock

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a limiter where every tenant's bucket holds at most
// capacity tokens and refills at refillPerSec tokens per second.
func NewRateLimiter(capacity, refillPerSec float64, clock domain.Clock) *RateLimiter {
	return &RateLimiter{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		clock:        clock,
		buckets:      make(map[string]*bucket),
	}
}

func (l *RateLimiter) bucket(tenantID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[tenantID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[tenantID]; ok {
		return b
	}
	// New tenants start with a full bucket.
	b = &bucket{tokens: l.capacity, lastRefill: l.clock.Now()}
	l.buckets[tenantID] = b
	return b
}

// refillLocked applies the elapsed-time refill. Caller holds b.mu.
func (l *RateLimiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refillPerSec)
		b.lastRefill = now
	}
}

// Allow consumes tokens from the tenant's bucket if enough are available
// after the lazy refill.
func (l *RateLimiter) Allow(tenantID string, tokens float64) (bool, error) {
	b := l.bucket(tenantID)
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refillLocked(b, now)
	if b.tokens < tokens {
		return false, nil
	}
	b.tokens -= tokens
	return true, nil
}

// RetryAfter computes the wait until the bucket will hold the requested
// tokens at the configured refill rate. Zero means the request would pass now.
func (l *RateLimiter) RetryAfter(tenantID string, tokens float64) (time.Duration, error) {
	b := l.bucket(tenantID)
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refillLocked(b, now)
	if b.tokens >= tokens {
		return 0, nil
	}
	missing := tokens - b.tokens
	return time.Duration(missing / l.refillPerSec * float64(time.Second)), nil
}

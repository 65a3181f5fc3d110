// Package ratelimit provides the admission-control layer in front of the
// worker: token buckets, circuit breakers and a priority-ordered rule engine
// that binds both to resource ids.
package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time. Nil means time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// BucketConfig configures a TokenBucket.
type BucketConfig struct {
	Capacity       int           `yaml:"capacity" validate:"gte=1"`
	RefillRate     int           `yaml:"refill_rate" validate:"gte=1"`
	RefillInterval time.Duration `yaml:"refill_interval" validate:"gt=0"`
}

func (c BucketConfig) withDefaults() BucketConfig {
	if c.Capacity <= 0 {
		c.Capacity = 60
	}
	if c.RefillRate <= 0 {
		c.RefillRate = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	return c
}

// BucketStats is a point-in-time view of a bucket.
type BucketStats struct {
	Capacity         int
	Tokens           int
	TotalRequests    uint64
	RejectedRequests uint64
}

// TokenBucket admits work while tokens remain. Tokens refill lazily inside
// Consume, in whole refill intervals only; the unused part of an interval
// carries over to the next call.
type TokenBucket struct {
	cfg   BucketConfig
	clock Clock

	mu               sync.Mutex
	tokens           int
	lastRefill       time.Time
	totalRequests    uint64
	rejectedRequests uint64
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(cfg BucketConfig, clock Clock) *TokenBucket {
	cfg = cfg.withDefaults()
	return &TokenBucket{
		cfg:        cfg,
		clock:      clock,
		tokens:     cfg.Capacity,
		lastRefill: clock.now(),
	}
}

// Consume takes n tokens (at least one) and reports whether they were
// available. A rejected call leaves the token count untouched.
func (b *TokenBucket) Consume(n int) bool {
	if n < 1 {
		n = 1
	}

	ok, _ := b.take(n)
	return ok
}

// take is Consume that also reports utilisation after the call.
func (b *TokenBucket) take(n int) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.totalRequests++

	if b.tokens >= n {
		b.tokens -= n
		return true, b.utilizationLocked()
	}
	b.rejectedRequests++
	return false, b.utilizationLocked()
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.cfg.RefillInterval {
		return
	}

	intervals := int64(elapsed / b.cfg.RefillInterval)
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * b.cfg.RefillInterval)

	added := intervals * int64(b.cfg.RefillRate)
	if room := int64(b.cfg.Capacity - b.tokens); added > room {
		added = room
	}
	b.tokens += int(added)
}

// Tokens returns the current token count after applying any due refill.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Utilization is the percentage of capacity currently consumed.
func (b *TokenBucket) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.utilizationLocked()
}

func (b *TokenBucket) utilizationLocked() float64 {
	return float64(b.cfg.Capacity-b.tokens) / float64(b.cfg.Capacity) * 100
}

// Stats returns counters and the current token count.
func (b *TokenBucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return BucketStats{
		Capacity:         b.cfg.Capacity,
		Tokens:           b.tokens,
		TotalRequests:    b.totalRequests,
		RejectedRequests: b.rejectedRequests,
	}
}

// Config returns the effective configuration.
func (b *TokenBucket) Config() BucketConfig {
	return b.cfg
}

// Package ratelimit provides identity-scoped token bucket admission control.
//
// DESIGN: One bucket per caller identity, created lazily on first request
// and evicted after an idle period. Buckets refill continuously at the
// class replenish rate up to the class burst capacity. TryAcquire never
// blocks: it is a pure check-and-update, and concurrent requests for the
// same identity serialize only on that identity's bucket, not on a global
// lock.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayr/modelgate/internal/config"
)

// MaxBuckets bounds the bucket map to prevent memory exhaustion from
// identity churn.
const MaxBuckets = 10000

// Decision is the admission result for one acquisition attempt.
type Decision struct {
	Allowed bool
	// RetryAfter estimates how long until enough tokens accrue. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// Limiter is the identity-scoped token bucket rate limiter.
type Limiter struct {
	cfg        config.RateLimitConfig
	mu         sync.RWMutex // guards the buckets map, never held during refill
	buckets    map[string]*bucket
	maxBuckets int
	now        func() time.Time
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// bucket holds the token state for a single identity.
type bucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// New creates a Limiter from the configured identity classes and starts
// the idle-bucket eviction sweep.
func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		cfg:        cfg,
		buckets:    make(map[string]*bucket),
		maxBuckets: MaxBuckets,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
	go l.sweep()
	return l
}

// TryAcquire attempts to take cost tokens for the identity. The class names
// a configured identity class; unknown or empty classes fall back to the
// default class.
func (l *Limiter) TryAcquire(identity, class string, cost float64) Decision {
	b := l.bucket(identity, class)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return Decision{Allowed: true}
	}

	wait := time.Duration((cost - b.tokens) / b.rate * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: wait}
}

// bucket returns the identity's bucket, creating it at full capacity minus
// nothing (a fresh bucket starts full) if absent.
func (l *Limiter) bucket(identity, class string) *bucket {
	l.mu.RLock()
	b, exists := l.buckets[identity]
	l.mu.RUnlock()
	if exists {
		return b
	}

	rc, ok := l.cfg.Classes[class]
	if !ok {
		rc = l.cfg.Classes[l.cfg.DefaultClass]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-check: another request may have created it meanwhile.
	if b, exists = l.buckets[identity]; exists {
		return b
	}

	if len(l.buckets) >= l.maxBuckets {
		l.evictOldest()
	}

	b = &bucket{
		rate:       rc.ReplenishRate,
		capacity:   rc.BurstCapacity,
		tokens:     rc.BurstCapacity,
		lastRefill: l.now(),
	}
	l.buckets[identity] = b
	return b
}

// evictOldest removes the longest-idle bucket (called with map lock held).
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, b := range l.buckets {
		b.mu.Lock()
		last := b.lastRefill
		b.mu.Unlock()
		if first || last.Before(oldestTime) {
			oldestKey = k
			oldestTime = last
			first = false
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
		log.Debug().Str("identity", oldestKey).Msg("ratelimit: evicted oldest bucket")
	}
}

// sweep periodically removes buckets idle past the eviction period.
func (l *Limiter) sweep() {
	period := l.cfg.IdleEvictionOrDefault()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-period)
			l.mu.Lock()
			for identity, b := range l.buckets {
				b.mu.Lock()
				idle := b.lastRefill.Before(cutoff)
				b.mu.Unlock()
				if idle {
					delete(l.buckets, identity)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the eviction sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

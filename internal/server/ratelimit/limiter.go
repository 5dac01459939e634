// Implements a thread-safe token bucket rate limiter.

// Package ratelimit implements per-client token bucket rate limiting for
// HTTP handlers.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int           // requests per window
	Remaining  int           // requests left in current window
	ResetAt    time.Time     // when the bucket will be full again
	RetryAfter time.Duration // how long to wait before retrying (0 if allowed)
}

// Limiter manages rate limit buckets per client key using the token bucket
// algorithm.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	requests int
	rate     rate.Limit
	burst    int
	stop     chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter allowing requests tokens per window with
// burst capacity.
func NewLimiter(requests int, window time.Duration, burst int) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		requests: requests,
		rate:     rate.Limit(float64(requests) / window.Seconds()),
		burst:    burst,
		stop:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow records one request under key and reports whether it fits the
// bucket, together with the numbers the X-RateLimit headers need.
func (l *Limiter) Allow(key string) Result {
	b := l.bucketFor(key)
	now := time.Now()

	// A reservation, unlike Allow, says how long a rejected caller
	// would have to wait.
	res := b.limiter.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	allowed := res.OK() && wait == 0
	if !allowed && res.OK() {
		res.Cancel()
	}

	tokens := b.limiter.TokensAt(now)
	result := Result{
		Allowed:   allowed,
		Limit:     l.requests,
		Remaining: max(int(tokens), 0),
		// Full again once the missing tokens have trickled back.
		ResetAt: now.Add(time.Duration((float64(l.burst) - tokens) / float64(l.rate) * float64(time.Second))),
	}
	if !allowed {
		result.RetryAfter = max(wait, time.Second)
	}
	return result
}

// bucketFor returns the key's bucket, creating it on first sight, and
// refreshes its lastSeen stamp.
func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b
}

// cleanupLoop removes stale buckets every 10 minutes.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup removes buckets that haven't been used recently and are full.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	staleThreshold := time.Now().Add(-10 * time.Minute)
	for key, b := range l.buckets {
		if b.lastSeen.Before(staleThreshold) && b.limiter.Tokens() >= float64(l.burst) {
			delete(l.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	close(l.stop)
}

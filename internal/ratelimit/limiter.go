// Package ratelimit provides the per-provider token bucket used by the manager.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NeverAvailable is returned by TimeUntilAvailable when n exceeds the bucket capacity.
const NeverAvailable = time.Duration(math.MaxInt64)

// window is the span of the rolling request history.
const window = time.Minute

// Limiter is a token bucket with capacity equal to the requests-per-minute quota,
// refilled continuously at capacity/60 tokens per second.
type Limiter struct {
	mu        sync.Mutex
	bucket    *rate.Limiter
	capacity  int
	unlimited bool
	history   []time.Time
	now       func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter allowing requestsPerMinute requests per minute.
// A non-positive value yields an unlimited limiter.
func New(requestsPerMinute int, opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if requestsPerMinute <= 0 {
		l.unlimited = true
		l.capacity = math.MaxInt
		l.bucket = rate.NewLimiter(rate.Inf, 0)
		return l
	}

	l.capacity = requestsPerMinute
	l.bucket = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), requestsPerMinute)
	// Anchor the bucket to the injected clock so the first refill is measured from it.
	l.bucket.SetBurstAt(l.now(), requestsPerMinute)
	return l
}

// Unlimited returns a limiter that never throttles.
func Unlimited(opts ...Option) *Limiter {
	return New(0, opts...)
}

// IsUnlimited reports whether the limiter enforces no quota.
func (l *Limiter) IsUnlimited() bool {
	return l.unlimited
}

// Capacity returns the bucket size. Unlimited limiters report math.MaxInt.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// TryAcquire takes n tokens if they are all available and reports whether it did.
// It never blocks and has no effect on failure.
func (l *Limiter) TryAcquire(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.unlimited && n > l.capacity {
		return false
	}
	if !l.bucket.AllowN(now, n) {
		return false
	}
	l.history = append(l.history, now)
	l.pruneLocked(now)
	return true
}

// TimeUntilAvailable returns how long until n tokens can be acquired, zero if
// they are available now. It takes no tokens.
func (l *Limiter) TimeUntilAvailable(n int) time.Duration {
	if l.unlimited {
		return 0
	}
	if n > l.capacity {
		return NeverAvailable
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tokens := l.bucket.TokensAt(l.now())
	if tokens >= float64(n) {
		return 0
	}
	deficit := float64(n) - tokens
	seconds := deficit / float64(l.bucket.Limit())
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// Available returns the current token count.
func (l *Limiter) Available() float64 {
	if l.unlimited {
		return math.Inf(1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.TokensAt(l.now())
}

// RequestsInWindow returns the number of acquisitions in the last minute.
func (l *Limiter) RequestsInWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.history)
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.history) && !l.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}
}

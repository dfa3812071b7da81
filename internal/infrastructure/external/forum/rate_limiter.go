package forum

import (
	"context"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiter is a token bucket in front of the forum. The assignment fan-out
// issues one request per distinct assignment, so a large run needs pacing.
// Every 429 empties the bucket and slows the refill down to a quarter of the
// configured rate.
//
// A nil *RateLimiter allows every request.
type RateLimiter struct {
	now func() time.Time

	mu           sync.Mutex
	capacity     float64
	rate         float64 // tokens per second
	floor        float64 // lowest rate reached after 429s
	tokens       float64
	refilledAt   time.Time
	minGap       time.Duration
	lastGranted  time.Time
	waitTimeout  time.Duration
	blockedUntil time.Time
	misses       int
}

// RateLimiterConfig contains configuration for the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained request rate. Zero disables throttling.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int

	// MinInterval spaces requests even when tokens are available.
	MinInterval time.Duration

	// WaitTimeout bounds the wait for one token.
	WaitTimeout time.Duration
}

// DefaultRateLimiterConfig returns conservative defaults for the forum API.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 2.0,
		BurstSize:         5,
		MinInterval:       100 * time.Millisecond,
		WaitTimeout:       2 * time.Minute,
	}
}

// NewRateLimiter creates a RateLimiter. It returns nil when throttling is
// disabled.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		return nil
	}
	if config.BurstSize < 1 {
		config.BurstSize = 1
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = DefaultRateLimiterConfig().WaitTimeout
	}

	rl := &RateLimiter{
		now:         time.Now,
		capacity:    float64(config.BurstSize),
		rate:        config.RequestsPerSecond,
		floor:       config.RequestsPerSecond / 4,
		tokens:      float64(config.BurstSize),
		minGap:      config.MinInterval,
		waitTimeout: config.WaitTimeout,
	}
	rl.refilledAt = rl.now()
	rl.lastGranted = rl.refilledAt.Add(-config.MinInterval)
	return rl
}

// RateLimitError is returned when the limiter's own pacing would make a
// request wait longer than the wait timeout.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return "forum rate limit: next slot in " + e.RetryAfter.String()
}

// Allow blocks until a request may proceed. A block set by the server's
// Retry-After is always waited out and only the context can cut it short.
// Otherwise Allow fails with a *RateLimitError when the wait would outlast the
// wait timeout.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}

	deadline := rl.now().Add(rl.waitTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, imposed, ok := rl.take()
		if ok {
			return nil
		}
		if imposed {
			// The timeout covers our own pacing and restarts after the block.
			deadline = rl.now().Add(wait + rl.waitTimeout)
		} else if rl.now().Add(wait).After(deadline) {
			return &RateLimitError{RetryAfter: wait}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take grants a token or says how long to wait before asking again. imposed
// is true while a server Retry-After block is in force.
func (rl *RateLimiter) take() (wait time.Duration, imposed, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.blockedUntil) {
		return rl.blockedUntil.Sub(now), true, false
	}

	rl.refill(now)

	if gap := now.Sub(rl.lastGranted); gap < rl.minGap {
		return rl.minGap - gap, false, false
	}

	if rl.tokens < 1 {
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		// Repeated misses back off harder, up to 32x.
		if rl.misses > 0 {
			wait *= time.Duration(1 << min(rl.misses, 5))
		}
		rl.misses++
		return wait, false, false
	}

	rl.tokens--
	rl.lastGranted = now
	rl.misses = 0
	return 0, false, true
}

// refill must be called with mu held.
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.refilledAt).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens = min(rl.capacity, rl.tokens+elapsed*rl.rate)
	rl.refilledAt = now
}

// RecordRateLimitHit records a 429 from the forum. When the server sent
// Retry-After, no request is granted before it expires.
func (rl *RateLimiter) RecordRateLimitHit(retryAfter time.Duration) {
	if rl == nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens = 0
	rl.refilledAt = now
	rl.lastGranted = now
	rl.misses++
	if retryAfter > 0 {
		rl.blockedUntil = now.Add(retryAfter)
	}
	rl.rate = max(rl.floor, rl.rate*0.8)
}

// Rate returns the current refill rate in requests per second.
func (rl *RateLimiter) Rate() float64 {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.rate
}

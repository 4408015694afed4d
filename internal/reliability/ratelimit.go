// Package reliability contains the shared components that make outbound
// calls to the content platform safe: a windowed rate limiter, a circuit
// breaker, and a retry executor that combines the two. One instance of each
// is shared across a whole harvest run.
package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// RateLimiter bounds the outbound request rate within a rolling window.
// Acquire only delays; it never rejects.
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	clock       clock.Clock
	windowStart time.Time
	count       int
}

// NewRateLimiter builds a limiter allowing maxRequests per window. A nil
// clock falls back to the wall clock.
func NewRateLimiter(maxRequests int, window time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		clock:       clk,
	}
}

// Acquire blocks until another request may be issued without exceeding the
// configured rate, or until ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := r.clock.Now()
		if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.window {
			r.windowStart = now
			r.count = 0
		}
		if r.count < r.maxRequests {
			r.count++
			r.mu.Unlock()
			return nil
		}
		wait := r.window - now.Sub(r.windowStart)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// ratelimit.go implements token-bucket rate limiting for the brokerage
// gateway. The gateway enforces per-category limits in requests per minute;
// the buckets refill continuously to avoid bursty rejections.
//
// Three buckets are maintained:
//   - Order:  20 burst / 4 per sec — order placement and combo submission
//   - Cancel: 30 burst / 6 per sec — cancellations
//   - Data:   60 burst / 12 per sec — account, portfolio, open-order reads
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by gateway endpoint category.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Data   *TokenBucket
}

// NewRateLimiter creates rate limiters tuned to the gateway's published
// limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(20, 4),
		Cancel: NewTokenBucket(30, 6),
		Data:   NewTokenBucket(60, 12),
	}
}

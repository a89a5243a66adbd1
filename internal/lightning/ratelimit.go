// ratelimit.go implements token-bucket rate limiting for the LND REST API.
//
// An LND node shares its macaroon-gated REST surface with channel
// management and gossip handling; hammering it with payment probes can
// starve the node's own work. Two buckets keep the exchange polite:
//
//   - Pay:   5 burst / 1 per sec — POST /v1/channels/transactions
//   - Query: 50 burst / 10 per sec — invoice adds, lookups and list polls
//
// Buckets refill continuously (rather than in window-sized bursts) so a
// busy dispatcher degrades to a steady trickle instead of thrashing.
package lightning

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
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

		// Calculate wait time for next token
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

// RateLimiter groups token buckets by LND endpoint category.
type RateLimiter struct {
	Pay   *TokenBucket // POST /v1/channels/transactions — sending payments
	Query *TokenBucket // invoice adds, lookups, list polls
}

// NewRateLimiter creates buckets tuned for a single shared node.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Pay:   NewTokenBucket(5, 1),
		Query: NewTokenBucket(50, 10),
	}
}

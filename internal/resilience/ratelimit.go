package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Kite allows one quote request per second
// per API key; exceeding it returns HTTP 429 for the whole key.
// A nil limiter never waits.
type RateLimiter struct {
	rate  float64 // tokens per second
	burst int

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

// NewRateLimiter creates a full bucket. A non-positive rate disables limiting
// and returns nil.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserve() == 0
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	delay := r.reserve()
	if delay > 0 {
		// Claim the token now so concurrent waiters queue behind us.
		r.tokens--
	}
	r.mu.Unlock()

	if delay == 0 {
		return nil
	}
	if err := r.sleep(ctx, delay); err != nil {
		r.mu.Lock()
		r.tokens++
		r.mu.Unlock()
		return err
	}
	return nil
}

// reserve refills the bucket and takes a token when one is whole. Otherwise
// it returns how long until the next token. Caller holds mu.
func (r *RateLimiter) reserve() time.Duration {
	now := r.now()
	r.tokens += now.Sub(r.lastUpdate).Seconds() * r.rate
	r.lastUpdate = now
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLimiter(c *clock, rate float64, burst int) (*RateLimiter, *[]time.Duration) {
	r := NewRateLimiter(rate, burst)
	r.now = c.now
	r.lastUpdate = c.t
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		slept = append(slept, d)
		c.t = c.t.Add(d)
		return nil
	}
	return r, &slept
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	c := &clock{t: time.Unix(1700000000, 0)}
	r, _ := newTestLimiter(c, 1, 2)

	if !r.Allow() || !r.Allow() {
		t.Fatal("burst of 2 not allowed")
	}
	if r.Allow() {
		t.Fatal("third request allowed with an empty bucket")
	}
	c.t = c.t.Add(time.Second)
	if !r.Allow() {
		t.Error("token not refilled after one second")
	}
}

func TestRateLimiterWaitQueues(t *testing.T) {
	c := &clock{t: time.Unix(1700000000, 0)}
	r, slept := newTestLimiter(c, 2, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	want := []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d = %s, want %s", i, (*slept)[i], d)
		}
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	c := &clock{t: time.Unix(1700000000, 0)}
	r, _ := newTestLimiter(c, 1, 1)
	r.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// The cancelled waiter hands its reservation back.
	c.t = c.t.Add(time.Second)
	if !r.Allow() {
		t.Error("token lost to a cancelled waiter")
	}
}

func TestNilRateLimiter(t *testing.T) {
	r := NewRateLimiter(0, 5)
	if r != nil {
		t.Fatal("zero rate should disable limiting")
	}
	if !r.Allow() || r.Wait(context.Background()) != nil {
		t.Error("nil limiter blocked")
	}
}

package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock) *Breaker {
	b := New(5, 30*time.Second, 3)
	b.nowFunc = clock.Now
	return b
}

var errEndpoint = errors.New("endpoint down")

func failCall(b *Breaker) error { return b.Call(func() error { return errEndpoint }) }
func okCall(b *Breaker) error   { return b.Call(func() error { return nil }) }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		if err := failCall(b); !errors.Is(err, errEndpoint) {
			t.Fatalf("call %d err = %v, want wrapped endpoint error", i+1, err)
		}
	}
	if s := b.State(); s.State != Open {
		t.Fatalf("state after 5 failures = %v, want open", s.State)
	}

	// 6th call must be blocked without invoking the function.
	invoked := false
	err := b.Call(func() error { invoked = true; return nil })
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("blocked call err = %v, want *OpenError", err)
	}
	if invoked {
		t.Error("wrapped function invoked while breaker open")
	}
	if openErr.RetryAfter <= 0 || openErr.RetryAfter > 30*time.Second {
		t.Errorf("RetryAfter = %v, want in (0, 30s]", openErr.RetryAfter)
	}
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		failCall(b)
	}
	clock.Advance(30 * time.Second)

	// Next call is attempted (half-open) and succeeds.
	if err := okCall(b); err != nil {
		t.Fatalf("half-open call err = %v", err)
	}
	if s := b.State(); s.State != HalfOpen {
		t.Fatalf("state = %v, want half_open", s.State)
	}

	okCall(b)
	okCall(b)
	if s := b.State(); s.State != Closed {
		t.Fatalf("state after 3 successes = %v, want closed", s.State)
	}
	if s := b.State(); s.FailureCount != 0 {
		t.Errorf("FailureCount after close = %d, want 0", s.FailureCount)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		failCall(b)
	}
	clock.Advance(30 * time.Second)

	okCall(b) // half-open now
	if err := failCall(b); !errors.Is(err, errEndpoint) {
		t.Fatalf("err = %v, want endpoint error", err)
	}
	if s := b.State(); s.State != Open {
		t.Fatalf("state after half-open failure = %v, want open", s.State)
	}

	// The recovery timer restarted: a call just before it elapses is blocked.
	clock.Advance(29 * time.Second)
	var openErr *OpenError
	if err := okCall(b); !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *OpenError before recovery timeout", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		failCall(b)
	}
	okCall(b)
	if s := b.State(); s.FailureCount != 0 {
		t.Fatalf("FailureCount after success = %d, want 0", s.FailureCount)
	}

	// Needs the full threshold again to open.
	for i := 0; i < 4; i++ {
		failCall(b)
	}
	if s := b.State(); s.State != Closed {
		t.Fatalf("state = %v, want closed after only 4 new failures", s.State)
	}
}

func TestBreaker_StateSnapshot(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	s := b.State()
	if s.State != Closed || s.TimeUntilRetry != nil {
		t.Fatalf("initial snapshot = %+v", s)
	}

	for i := 0; i < 5; i++ {
		failCall(b)
	}
	clock.Advance(10 * time.Second)

	s = b.State()
	if s.State != Open {
		t.Fatalf("state = %v, want open", s.State)
	}
	if s.TimeUntilRetry == nil || *s.TimeUntilRetry != 20 {
		t.Fatalf("TimeUntilRetry = %v, want 20", s.TimeUntilRetry)
	}
}

func TestBreaker_Reset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		failCall(b)
	}
	b.Reset()

	s := b.State()
	if s.State != Closed || s.FailureCount != 0 || s.SuccessCount != 0 {
		t.Fatalf("snapshot after reset = %+v", s)
	}
	if err := okCall(b); err != nil {
		t.Fatalf("call after reset err = %v", err)
	}
}

// Package breaker implements a circuit breaker for ESXi API calls. Sustained
// failure opens the circuit and blocks calls outright until a recovery
// window elapses, preventing a struggling host from being hammered by
// retries while the rest of the service falls back to cached data.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the circuit position.
type State string

const (
	// Closed is normal operation: calls pass through.
	Closed State = "closed"
	// Open blocks every call without touching the endpoint.
	Open State = "open"
	// HalfOpen lets calls through while probing for recovery.
	HalfOpen State = "half_open"
)

// OpenError is returned when the breaker blocks a call. It is a distinct
// type so callers can branch to stale-cache fallback instead of treating it
// like an endpoint failure.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open, retry in %ds", int(e.RetryAfter.Seconds()))
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	State            State  `json:"state"`
	FailureCount     int    `json:"failure_count"`
	SuccessCount     int    `json:"success_count"`
	FailureThreshold int    `json:"failure_threshold"`
	RecoveryTimeout  int    `json:"recovery_timeout"`
	TimeUntilRetry   *int   `json:"time_until_retry"`
}

// Breaker protects an endpoint from cascading failure.
//
// Transitions:
//   - Closed -> Open after failureThreshold consecutive failures
//   - Open -> HalfOpen on the first call after recoveryTimeout
//   - HalfOpen -> Open on any failure
//   - HalfOpen -> Closed after successThreshold consecutive successes
type Breaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time

	nowFunc func() time.Time
}

// New creates a closed Breaker.
func New(failureThreshold int, recoveryTimeout time.Duration, successThreshold int) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		successThreshold: successThreshold,
		state:            Closed,
		nowFunc:          time.Now,
	}
}

// Call runs fn under breaker protection. fn's own error is returned after
// being recorded; a blocked call returns *OpenError without invoking fn.
// The internal mutex is never held while fn runs.
func (b *Breaker) Call(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		elapsed := b.nowFunc().Sub(b.openedAt)
		if elapsed < b.recoveryTimeout {
			return &OpenError{RetryAfter: b.recoveryTimeout - elapsed}
		}
		b.state = HalfOpen
		b.successCount = 0
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0

	if b.state == HalfOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = Closed
			b.successCount = 0
			b.openedAt = time.Time{}
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = b.nowFunc()
		return
	}

	if b.failureCount >= b.failureThreshold {
		b.state = Open
		b.openedAt = b.nowFunc()
	}
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		RecoveryTimeout:  int(b.recoveryTimeout.Seconds()),
	}
	if b.state == Open {
		remaining := b.recoveryTimeout - b.nowFunc().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		sec := int(remaining.Seconds())
		s.TimeUntilRetry = &sec
	}
	return s
}

// Reset manually closes the breaker and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.openedAt = time.Time{}
}

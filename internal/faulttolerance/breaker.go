package faulttolerance

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the breaker is rejecting traffic.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is one of the three breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time copy of a breaker's state.
type BreakerSnapshot struct {
	State               BreakerState
	ConsecutiveFailures int
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
}

// breaker is the per-connection three-state circuit breaker:
// closed -> open after the consecutive-failure threshold, open -> half_open
// after the cooldown, half_open -> closed on a successful trial or back to
// open on renewed failure. No other transitions exist.
type breaker struct {
	mu sync.Mutex

	state            BreakerState
	failures         int
	failureThreshold int
	cooldown         time.Duration
	lastFailureAt    time.Time
	lastSuccessAt    time.Time
	onStateChange    func(from, to BreakerState)
}

func newBreaker(failureThreshold int, cooldown time.Duration, onStateChange func(from, to BreakerState)) *breaker {
	return &breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		onStateChange:    onStateChange,
	}
}

// Allow reports whether traffic may flow. An open breaker whose cooldown has
// elapsed moves to half_open and admits one trial.
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailureAt) >= b.cooldown {
		b.setState(BreakerHalfOpen)
	}
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess resets the failure count; a half_open trial success closes
// the breaker.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastSuccessAt = time.Now()
	if b.state == BreakerHalfOpen {
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts a failure; reaching the threshold while closed, or
// any failure while half_open, opens the breaker.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureAt = time.Now()
	switch {
	case b.state == BreakerHalfOpen:
		b.setState(BreakerOpen)
	case b.state == BreakerClosed && b.failures >= b.failureThreshold:
		b.setState(BreakerOpen)
	}
}

// Snapshot returns a copy of the breaker's state, applying any due
// open -> half_open transition first.
func (b *breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailureAt) >= b.cooldown {
		b.setState(BreakerHalfOpen)
	}
	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailureAt,
		LastSuccessAt:       b.lastSuccessAt,
	}
}

func (b *breaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

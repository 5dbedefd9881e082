package resilience

import (
	"context"
	"sync"
	"time"
)

// state is the circuit breaker's internal state machine position.
type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker is the contract every fault-tolerance wrapper in this
// module programs against, mirrored from the teacher's core.CircuitBreaker
// interface.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error
	GetState() string
	GetMetrics() map[string]interface{}
	Reset()
	CanExecute() bool
}

// BreakerConfig configures a Breaker's thresholds.
type BreakerConfig struct {
	Threshold        int           // consecutive failures to trip open
	Timeout          time.Duration // how long to stay open before half-open
	HalfOpenRequests int           // trial requests allowed while half-open
}

// DefaultBreakerConfig mirrors the teacher's DefaultCircuitBreakerParams.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Timeout: 30 * time.Second, HalfOpenRequests: 3}
}

// Breaker is the in-memory CircuitBreaker implementation used by the
// Webhook Dispatcher, one per subscription (webhook.Dispatcher.breakerFor):
// a subscription whose endpoint keeps failing trips its own breaker and
// stops paying the HTTP round trip until the breaker's cooldown elapses.
type Breaker struct {
	name   string
	config BreakerConfig

	mu               sync.Mutex
	state            state
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int

	successCount int64
	failureCount int64
	tripCount    int64
}

// NewBreaker constructs a Breaker in the closed state.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 3
	}
	return &Breaker{name: name, config: config, state: stateClosed}
}

// CanExecute reports whether a call would be allowed right now, transitioning
// open→half-open once the timeout has elapsed.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canExecuteLocked()
}

func (b *Breaker) canExecuteLocked() bool {
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= b.config.Timeout {
			b.state = stateHalfOpen
			b.halfOpenInFlight = 0
			return b.halfOpenInFlight < b.config.HalfOpenRequests
		}
		return false
	case stateHalfOpen:
		return b.halfOpenInFlight < b.config.HalfOpenRequests
	default:
		return false
	}
}

// Execute runs fn under circuit breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if !b.CanExecute() {
		return ErrCircuitBreakerOpen
	}
	b.beginHalfOpenIfNeeded()

	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// ExecuteWithTimeout runs fn with both circuit breaker protection and a
// deadline; a timeout counts as a failure.
func (b *Breaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !b.CanExecute() {
		return ErrCircuitBreakerOpen
	}
	b.beginHalfOpenIfNeeded()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			b.recordFailure()
			return err
		}
		b.recordSuccess()
		return nil
	case <-ctx.Done():
		b.recordFailure()
		return ctx.Err()
	}
}

func (b *Breaker) beginHalfOpenIfNeeded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateHalfOpen {
		b.halfOpenInFlight++
	}
}

// RecordSuccess and RecordFailure let callers (e.g. RetryWithCircuitBreaker)
// report an outcome without routing the call through Execute itself.
func (b *Breaker) RecordSuccess() { b.recordSuccess() }
func (b *Breaker) RecordFailure() { b.recordFailure() }

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successCount++
	b.consecutiveFails = 0
	if b.state == stateHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.state = stateClosed
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.consecutiveFails++

	if b.state == stateHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.trip()
		return
	}
	if b.state == stateClosed && b.consecutiveFails >= b.config.Threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = stateOpen
	b.openedAt = time.Now()
	b.tripCount++
}

// GetState returns "closed", "open", or "half-open".
func (b *Breaker) GetState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// GetMetrics returns a snapshot of the breaker's counters.
func (b *Breaker) GetMetrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"name":              b.name,
		"state":             b.state.String(),
		"success_count":     b.successCount,
		"failure_count":     b.failureCount,
		"trip_count":        b.tripCount,
		"consecutive_fails": b.consecutiveFails,
	}
}

// Reset manually restores the breaker to closed, clearing the consecutive-
// failure and half-open counters; the lifetime success, failure and trip
// counts reported by Stats are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0
}

var _ CircuitBreaker = (*Breaker)(nil)

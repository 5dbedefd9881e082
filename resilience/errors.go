package resilience

import "errors"

// ErrMaxRetriesExceeded is wrapped by Retry's final error once every
// attempt has been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retry attempts exceeded")

// ErrCircuitBreakerOpen is returned by CircuitBreaker.Execute (and by
// RetryWithCircuitBreaker) when the breaker is open and refusing calls.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

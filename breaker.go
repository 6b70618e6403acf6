package audit

import (
	"sync"
	"time"
)

// circuitBreaker stops the pipeline from calling a failing bus. After
// maxFails consecutive send failures it opens for timeout, during which
// publishes go straight to the fallback store write.
type circuitBreaker struct {
	mu       sync.Mutex
	open     bool
	fails    int
	maxFails int
	timeout  time.Duration
	lastFail time.Time
	now      func() time.Time
}

// newCircuitBreaker creates a closed circuit breaker.
//
// Parameters:
//   - timeout: Duration before the circuit resets after opening.
//   - maxFails: Consecutive failures that open the circuit. Zero or less disables it.
func newCircuitBreaker(timeout time.Duration, maxFails int) *circuitBreaker {
	return &circuitBreaker{maxFails: maxFails, timeout: timeout, now: time.Now}
}

// IsClosed reports whether calls may proceed. An open circuit closes again
// once the timeout has elapsed since the last failure.
func (cb *circuitBreaker) IsClosed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open && cb.now().Sub(cb.lastFail) > cb.timeout {
		cb.open = false
		cb.fails = 0
	}
	return !cb.open
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fails++
	cb.lastFail = cb.now()
	if cb.maxFails > 0 && cb.fails >= cb.maxFails {
		cb.open = true
	}
}

// RecordSuccess resets the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		cb.fails = 0
	}
}

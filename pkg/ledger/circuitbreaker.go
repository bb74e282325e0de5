package ledger

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// circuitBreaker tracks failures for a single logical endpoint.
type circuitBreaker struct {
	mu           sync.Mutex
	endpoint     string
	failureCount int
	threshold    int
	lastFailure  time.Time
	openTimeout  time.Duration
	state        breakerState
}

func newCircuitBreaker(endpoint string, threshold int, openTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		endpoint:    endpoint,
		threshold:   threshold,
		openTimeout: openTimeout,
		state:       breakerClosed,
	}
}

// allow reports whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the open timeout has elapsed.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.openTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}

// breakerRegistry holds one circuitBreaker per logical endpoint, created
// lazily on first use. Submit and get_status are tracked independently.
type breakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	threshold int
	openMs    int
}

func newBreakerRegistry(threshold, openMs int) *breakerRegistry {
	return &breakerRegistry{
		breakers:  make(map[string]*circuitBreaker),
		threshold: threshold,
		openMs:    openMs,
	}
}

func (r *breakerRegistry) get(endpoint string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[endpoint]; ok {
		return cb
	}
	cb := newCircuitBreaker(endpoint, r.threshold, time.Duration(r.openMs)*time.Millisecond)
	r.breakers[endpoint] = cb
	return cb
}

package llm

import (
	"sync"
	"time"
)

const (
	// breakerThreshold is the consecutive-failure count that opens the breaker.
	breakerThreshold = 5

	// breakerResetInterval is how long the breaker stays open before
	// half-opening and letting one probe call through.
	breakerResetInterval = 30 * time.Second
)

// breaker is a closed/open/half-open circuit breaker over the upstream.
// Safe for concurrent use.
type breaker struct {
	mu        sync.Mutex
	failures  int
	openedAt  time.Time
	open      bool
	threshold int
	reset     time.Duration
	now       func() time.Time
}

func newBreaker() *breaker {
	return &breaker{
		threshold: breakerThreshold,
		reset:     breakerResetInterval,
		now:       time.Now,
	}
}

// allow reports whether a call may proceed. While open, calls are rejected
// until the reset interval elapses; then one probe is let through (half-open).
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.reset {
		// Half-open: permit the probe. Outcome decides via success/failure.
		return true
	}
	return false
}

// success resets the consecutive-failure count and closes the breaker.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// failure counts one failure; at the threshold the breaker opens.
// A failed half-open probe re-opens from the probe instant.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
	}
}

// isOpen reports whether the breaker currently rejects calls.
func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.openedAt) < b.reset
}

package crawler

import (
	"sync"
	"time"

	"docsearch/internal/domain"
	"docsearch/internal/port"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker isolates a failing domain. Closed counts failures in
// a sliding window; past the threshold it opens and all fetches are
// skipped until the cool-down elapses, then a single half-open trial
// fetch decides whether to close or re-open. State transitions are
// driven by the injected clock so tests need no real delays.
type CircuitBreaker struct {
	mu        sync.Mutex
	clock     port.Clock
	threshold int
	window    time.Duration
	cooldown  time.Duration

	state         circuitState
	failures      []time.Time
	openedAt      time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, window, cooldown time.Duration, clock port.Clock) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreaker{
		clock:     clock,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

// Allow reports whether a fetch may be attempted. It returns
// domain.ErrCircuitOpen when the fetch must be skipped.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		return nil
	case circuitOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return domain.ErrCircuitOpen
		}
		// Cool-down elapsed: move to half-open and admit one trial.
		b.state = circuitHalfOpen
		b.trialInFlight = true
		return nil
	default: // half-open
		if b.trialInFlight {
			return domain.ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
}

// RecordSuccess closes the circuit after a successful fetch.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = circuitClosed
	b.failures = b.failures[:0]
	b.trialInFlight = false
}

// RecordFailure counts a failed fetch; the half-open trial failing
// re-opens the circuit immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		b.openedAt = now
		b.trialInFlight = false
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if len(b.failures) >= b.threshold {
		b.state = circuitOpen
		b.openedAt = now
		b.failures = b.failures[:0]
	}
}

// pruneLocked drops failures that fell out of the sliding window.
func (b *CircuitBreaker) pruneLocked(now time.Time) {
	if b.window <= 0 {
		return
	}
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

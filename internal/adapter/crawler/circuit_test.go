package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"docsearch/internal/domain"
)

// fakeClock advances only when told to, so circuit transitions are
// tested without real delays.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(5, time.Minute, 2*time.Minute, clock)

	for i := 0; i < 5; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("fetch %d unexpectedly blocked: %v", i+1, err)
		}
		cb.RecordFailure()
	}

	// The 6th attempt must be skipped without a fetch.
	if err := cb.Allow(); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after threshold, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(2, time.Minute, 2*time.Minute, clock)

	cb.RecordFailure()
	cb.RecordFailure()
	if err := cb.Allow(); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatal("expected open circuit")
	}

	// Cool-down elapses: exactly one trial fetch is admitted.
	clock.Advance(2 * time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected half-open trial to be admitted, got %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatal("expected second concurrent attempt to be blocked during trial")
	}

	// Successful trial closes the circuit.
	cb.RecordSuccess()
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected closed circuit after successful trial, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, time.Minute, time.Minute, clock)

	cb.RecordFailure()
	clock.Advance(time.Minute)

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial fetch, got %v", err)
	}
	cb.RecordFailure()

	if err := cb.Allow(); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatal("expected circuit to re-open after failed trial")
	}

	// A second cool-down admits another trial.
	clock.Advance(time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial after second cool-down, got %v", err)
	}
}

func TestCircuitBreakerSlidingWindow(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(3, time.Minute, time.Minute, clock)

	cb.RecordFailure()
	cb.RecordFailure()

	// Old failures age out of the window, so two more do not trip it.
	clock.Advance(2 * time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}

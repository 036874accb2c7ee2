package provider

import (
	"sync"
	"time"
)

// Breaker marks a provider unhealthy after repeated failures inside a
// rolling window, then holds the circuit open for a cooldown. The router
// treats an open circuit as tier unavailable.
type Breaker struct {
	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time

	threshold int
	window    time.Duration
	cooldown  time.Duration

	now func() time.Time
}

// NewBreaker creates a Breaker that opens after threshold failures within
// the window.
func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Healthy reports whether calls may proceed. An expired cooldown closes the
// circuit and forgets old failures.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.openUntil) {
		return false
	}
	if !b.openUntil.IsZero() && !now.Before(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = b.failures[:0]
	}
	return true
}

// Failure records one failed call and opens the circuit when the rolling
// window fills.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
	}
}

// Success clears the failure history.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.openUntil = time.Time{}
}

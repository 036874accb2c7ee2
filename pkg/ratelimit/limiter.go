// Package ratelimit provides per-caller fixed-window request and token
// limiting. Each caller owns an independent window, so callers never contend
// with each other.
package ratelimit

import (
	"sync"
	"time"

	"github.com/openclaw/gateway/pkg/gwerr"
)

// window tracks one caller's counts in the current fixed window.
type window struct {
	mu      sync.Mutex
	start   time.Time
	reqs    int
	tokens  int
	blocked int
}

// Limiter admits requests against per-caller RPM and TPM limits. The window
// is fixed, not sliding: the first admit after the window elapses resets the
// counters before counting itself.
type Limiter struct {
	maxRequests int
	maxTokens   int
	windowLen   time.Duration

	mu      sync.Mutex
	callers map[string]*window

	now func() time.Time
}

// New creates a Limiter. A zero maxRequests or maxTokens disables that
// dimension.
func New(maxRequests, maxTokens int, windowLen time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		maxTokens:   maxTokens,
		windowLen:   windowLen,
		callers:     make(map[string]*window),
		now:         time.Now,
	}
}

func (l *Limiter) caller(id string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.callers[id]
	if !ok {
		w = &window{start: l.now()}
		l.callers[id] = w
	}
	return w
}

// Admit counts a request with its estimated tokens against the caller's
// window. On rejection the returned error carries a retry-after equal to the
// time remaining in the window.
func (l *Limiter) Admit(callerID string, estimatedTokens int) error {
	w := l.caller(callerID)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if now.Sub(w.start) >= l.windowLen {
		w.start = now
		w.reqs = 0
		w.tokens = 0
	}

	retryAfter := l.windowLen - now.Sub(w.start)

	if l.maxRequests > 0 && w.reqs >= l.maxRequests {
		w.blocked++
		return gwerr.New(gwerr.KindRateLimited, "rpm_exceeded",
			"request limit exceeded (%d/%d)", w.reqs, l.maxRequests).
			WithRetryAfter(retryAfter)
	}
	if l.maxTokens > 0 && w.tokens+estimatedTokens > l.maxTokens {
		w.blocked++
		return gwerr.New(gwerr.KindRateLimited, "tpm_exceeded",
			"token limit exceeded (%d/%d)", w.tokens, l.maxTokens).
			WithRetryAfter(retryAfter)
	}

	w.reqs++
	w.tokens += estimatedTokens
	return nil
}

// Record adjusts the caller's token count once actual usage is known. The
// delta may be negative when the estimate overshot; counts never go below
// zero.
func (l *Limiter) Record(callerID string, tokenDelta int) {
	w := l.caller(callerID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if l.now().Sub(w.start) >= l.windowLen {
		return
	}
	w.tokens += tokenDelta
	if w.tokens < 0 {
		w.tokens = 0
	}
}

// CallerStatus is a point-in-time snapshot of one caller's window.
type CallerStatus struct {
	Requests  int           `json:"requests"`
	Tokens    int           `json:"tokens"`
	Blocked   int           `json:"blocked"`
	Remaining time.Duration `json:"remaining"`
}

// Status reports the caller's current window. Expired windows report zero
// counts.
func (l *Limiter) Status(callerID string) CallerStatus {
	w := l.caller(callerID)

	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := l.now().Sub(w.start)
	if elapsed >= l.windowLen {
		return CallerStatus{Blocked: w.blocked, Remaining: l.windowLen}
	}
	return CallerStatus{
		Requests:  w.reqs,
		Tokens:    w.tokens,
		Blocked:   w.blocked,
		Remaining: l.windowLen - elapsed,
	}
}

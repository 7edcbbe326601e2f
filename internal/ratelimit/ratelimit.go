// Package ratelimit bounds accepted requests per key within fixed windows.
package ratelimit

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/httprate"
)

// Result is the outcome of a single Check.
type Result struct {
	Allowed bool
	// ResetAt is when the window that produced this result ends.
	ResetAt time.Time
}

// Limiter counts requests per key in fixed windows of the configured length.
// Check is an atomic check-and-increment, so bursts from one key cannot
// undercount.
type Limiter struct {
	limit  int
	window time.Duration
	clock  quartz.Clock

	mu      sync.Mutex
	counter httprate.LimitCounter
}

func New(limit int, window time.Duration, clock quartz.Clock) *Limiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		counter: httprate.NewLocalLimitCounter(window),
	}
}

// Check consumes one request for key if the current window still has budget.
func (l *Limiter) Check(key string) Result {
	currentWindow := l.clock.Now().UTC().Truncate(l.window)
	previousWindow := currentWindow.Add(-l.window)
	result := Result{ResetAt: currentWindow.Add(l.window)}

	l.mu.Lock()
	defer l.mu.Unlock()

	// The local counter never returns an error.
	current, _, _ := l.counter.Get(key, currentWindow, previousWindow)
	if current >= l.limit {
		return result
	}
	_ = l.counter.Increment(key, currentWindow)
	result.Allowed = true
	return result
}

// Reset drops every counter.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter = httprate.NewLocalLimitCounter(l.window)
}

// Limit returns the per-window request budget.
func (l *Limiter) Limit() int { return l.limit }

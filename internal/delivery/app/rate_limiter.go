package app

import (
	"sync"
	"time"
)

// RateLimiter is a fixed accounting window over send attempts. It is an
// explicit counter object handed to the queue processor, recomputed from
// the message ledger at process start; there is no hidden module-level
// state. Fixed window, not sliding: bursts straddling a window boundary
// may briefly exceed the nominal rate, which is accepted.
type RateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
	now         func() time.Time
}

// NewRateLimiter creates a limiter allowing limit sends per window.
// initialCount seeds the current window, typically from the ledger's count
// of sends in the last window. now is overridable for tests; nil means
// time.Now.
func NewRateLimiter(limit int, window time.Duration, initialCount int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limit:       limit,
		window:      window,
		windowStart: now(),
		count:       initialCount,
		now:         now,
	}
}

func (l *RateLimiter) roll() {
	if l.now().Sub(l.windowStart) >= l.window {
		l.windowStart = l.now()
		l.count = 0
	}
}

// Allow reports whether another send fits the current window.
func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll()
	return l.count < l.limit
}

// Record accounts one send attempt against the window.
func (l *RateLimiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll()
	l.count++
}

// Remaining returns the unused budget in the current window.
func (l *RateLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll()
	if l.count >= l.limit {
		return 0
	}
	return l.limit - l.count
}

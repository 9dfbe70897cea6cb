// Package ratelimit provides fixed-window event throttling keyed by
// (identity, category). Counters live in process memory and are owned by a
// single Limiter instance constructed at startup; windows are reset lazily
// on the first check after expiry.
package ratelimit

import (
	"sync"
	"time"
)

// Rule defines a throttling policy: the maximum number of accepted events per
// window and the window duration.
type Rule struct {
	Limit  int           // max count in the window
	Window time.Duration // window length
}

// DefaultRule is the gateway-wide policy: 100 events per 60-second window for
// each (identity, category) pair.
var DefaultRule = Rule{Limit: 100, Window: 60 * time.Second}

// Event categories.
const (
	CategoryMessage = "message"
	CategoryTyping  = "typing"
	CategoryReceipt = "read_receipt"
	CategoryJoin    = "chat_update"
)

type key struct {
	identity string
	category string
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter tracks per-(identity, category) fixed windows.
type Limiter struct {
	mu       sync.Mutex
	rule     Rule
	now      func() time.Time
	counters map[key]*window
}

// New creates a Limiter with the given rule.
func New(rule Rule) *Limiter {
	return NewWithClock(rule, time.Now)
}

// NewWithClock creates a Limiter with an injectable clock for tests.
func NewWithClock(rule Rule, now func() time.Time) *Limiter {
	return &Limiter{
		rule:     rule,
		now:      now,
		counters: make(map[key]*window),
	}
}

// Allow reports whether one more event for the identity/category fits in the
// current window, incrementing the counter when it does. On first use, or
// after the window has elapsed, the counter resets to zero before the
// increment.
func (l *Limiter) Allow(identity, category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.counter(identity, category)
	if w.count >= l.rule.Limit {
		return false
	}
	w.count++
	return true
}

// Remaining returns how many events are left in the identity's current window.
func (l *Limiter) Remaining(identity, category string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.counter(identity, category)
	remaining := l.rule.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// RetryAfter returns how long until the identity's current window resets.
// Callers include this in rate_limited errors so clients can back off.
func (l *Limiter) RetryAfter(identity, category string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.counter(identity, category)
	d := w.resetAt.Sub(l.now())
	if d < 0 {
		d = 0
	}
	return d
}

// counter returns the live window for the key, creating or lazily resetting
// it as needed. Callers must hold l.mu.
func (l *Limiter) counter(identity, category string) *window {
	k := key{identity: identity, category: category}
	now := l.now()

	w, ok := l.counters[k]
	if !ok {
		w = &window{resetAt: now.Add(l.rule.Window)}
		l.counters[k] = w
		return w
	}
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(l.rule.Window)
	}
	return w
}

package ratelimit

import (
	"sync"
	"time"
)

// Guard is the pre-check consulted before model and tool calls. A
// denial means back off, never crash.
type Guard interface {
	Allow(key string) bool
}

// Keys the loop guards with.
const (
	KeyModelCalls = "model"
	KeyToolCalls  = "tool"
)

// Limiter is a sliding-window counter per key.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	events map[string][]time.Time
}

func New(limit int, window time.Duration) *Limiter {
	return NewWithClock(limit, window, time.Now)
}

func NewWithClock(limit int, window time.Duration, now func() time.Time) *Limiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		limit:  limit,
		window: window,
		now:    now,
		events: make(map[string][]time.Time),
	}
}

func (l *Limiter) Allow(key string) bool {
	allowed, _ := l.AllowWithDetails(key)
	return allowed
}

// AllowWithDetails reports whether the call may proceed and, when it
// may not, how long until the oldest counted event leaves the window.
func (l *Limiter) AllowWithDetails(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	events := l.events[key]
	kept := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.events[key] = kept
		retryAfter := kept[0].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	kept = append(kept, now)
	l.events[key] = kept
	return true, 0
}

// Unlimited is the Guard used when quota enforcement is disabled.
type Unlimited struct{}

func (Unlimited) Allow(string) bool { return true }

// PerKey routes each key to its own limiter so model and tool budgets
// are independent.
type PerKey struct {
	limiters map[string]*Limiter
}

func NewPerKey(limits map[string]int, window time.Duration) *PerKey {
	p := &PerKey{limiters: make(map[string]*Limiter, len(limits))}
	for key, limit := range limits {
		p.limiters[key] = New(limit, window)
	}
	return p
}

func (p *PerKey) Allow(key string) bool {
	l, ok := p.limiters[key]
	if !ok {
		return true
	}
	return l.Allow(key)
}

// Package ratelimit implements a fixed-window counter per actor key.
// It throttles authentication attempts; a rejection rolls the window
// forward rather than locking the actor out.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"supportchat/pkg/telemetry"
)

// ErrTooManyAttempts is surfaced to callers when an actor exceeds its
// window budget. Handlers translate it into a 429 response.
var ErrTooManyAttempts = errors.New("too many attempts, try again later")

type record struct {
	count     int
	resetTime time.Time
}

// Limiter tracks per-actor fixed windows. Construct with New; instances
// are owned by the application bootstrap.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

func New() *Limiter {
	return &Limiter{records: make(map[string]*record), now: time.Now}
}

// Check returns true and increments the counter while the actor is
// under limit inside the current window. The first call after resetTime
// has passed starts a new window with count 1.
func (l *Limiter) Check(actor string, limit int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	rec, ok := l.records[actor]
	if !ok || now.After(rec.resetTime) {
		l.records[actor] = &record{count: 1, resetTime: now.Add(window)}
		return true
	}
	if rec.count >= limit {
		telemetry.RateLimitRejections.Inc()
		return false
	}
	rec.count++
	return true
}

// ClearExpired drops records whose window has passed, bounding memory.
// Invoked periodically by the sweeper.
func (l *Limiter) ClearExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, rec := range l.records {
		if now.After(rec.resetTime) {
			delete(l.records, k)
		}
	}
}

// Len returns the number of tracked actors.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// SetClock overrides the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

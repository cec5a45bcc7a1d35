// Package ratelimit caps how often a recurring log line fires, keyed by
// reason instead of by client IP. Adapted from the teacher's
// internal/gateway.RateLimiter (a per-visitor golang.org/x/time/rate.Limiter
// map with periodic cleanup): spec.md §5 forbids backpressure toward
// Guacamole, but recurring conditions such as malformed input or a full
// queue still need to be logged without flooding the log when the
// condition is sustained.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanupInterval matches the teacher's stale-visitor sweep cadence.
const DefaultCleanupInterval = 3 * time.Minute

// Limiter tracks a rate.Limiter per reason string.
type Limiter struct {
	mu       sync.Mutex
	reasons  map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a Limiter allowing r events per second per reason, with burst
// b, and starts its background cleanup loop.
func New(r rate.Limit, b int) *Limiter {
	l := &Limiter{
		reasons: make(map[string]*entry),
		rate:    r,
		burst:   b,
		cleanup: DefaultCleanupInterval,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an occurrence of the given reason should be logged
// right now.
func (l *Limiter) Allow(reason string) bool {
	l.mu.Lock()
	e, ok := l.reasons[reason]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.reasons[reason] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// Stop ends the cleanup loop. Idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for reason, e := range l.reasons {
				if time.Since(e.lastSeen) > l.cleanup {
					delete(l.reasons, reason)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

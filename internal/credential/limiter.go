package credential

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles credential attempts per (session, role) pair. Attempts
// are paced by a token bucket and N consecutive failures lock the pair out
// for a cooldown window. Successful verification resets the failure count.
type Limiter struct {
	maxFailures int
	cooldown    time.Duration
	perSecond   rate.Limit
	burst       int

	mu      sync.Mutex
	entries map[string]*attemptEntry
}

type attemptEntry struct {
	lim         *rate.Limiter
	failures    int
	lockedUntil time.Time
	lastSeen    time.Time
}

// NewLimiter builds a limiter. maxFailures <= 0 disables lockout entirely.
func NewLimiter(maxFailures int, cooldown time.Duration) *Limiter {
	return &Limiter{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		perSecond:   rate.Limit(1),
		burst:       3,
		entries:     make(map[string]*attemptEntry),
	}
}

// Allow reports whether an attempt for the pair may proceed right now.
func (l *Limiter) Allow(sessionID, role string, now time.Time) bool {
	if l == nil || l.maxFailures <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(sessionID, role, now)
	if now.Before(e.lockedUntil) {
		return false
	}
	return e.lim.AllowN(now, 1)
}

// Fail records a failed verification; the Nth consecutive failure starts the
// cooldown window.
func (l *Limiter) Fail(sessionID, role string, now time.Time) {
	if l == nil || l.maxFailures <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(sessionID, role, now)
	e.failures++
	if e.failures >= l.maxFailures {
		e.lockedUntil = now.Add(l.cooldown)
		e.failures = 0
	}
}

// Reset clears the failure streak after a successful verification.
func (l *Limiter) Reset(sessionID, role string) {
	if l == nil || l.maxFailures <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key(sessionID, role)]; ok {
		e.failures = 0
		e.lockedUntil = time.Time{}
	}
}

// Sweep drops entries idle longer than ttl. Run from a periodic ticker.
func (l *Limiter) Sweep(now time.Time, ttl time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > ttl && now.After(e.lockedUntil) {
			delete(l.entries, k)
		}
	}
}

func (l *Limiter) entry(sessionID, role string, now time.Time) *attemptEntry {
	k := key(sessionID, role)
	e, ok := l.entries[k]
	if !ok {
		e = &attemptEntry{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.entries[k] = e
	}
	e.lastSeen = now
	return e
}

func key(sessionID, role string) string {
	return sessionID + "|" + role
}

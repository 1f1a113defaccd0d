package auth

import (
	"sync"
	"time"
)

// LockoutTracker keeps a sliding window of failed login timestamps per
// username. Reaching the attempt threshold inside the window locks the
// account until now + window; a successful login clears both.
type LockoutTracker struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	failures    map[string][]time.Time
	lockedUntil map[string]time.Time
	now         func() time.Time
}

// NewLockoutTracker creates a tracker with the given threshold and window
func NewLockoutTracker(maxAttempts int, window time.Duration) *LockoutTracker {
	return &LockoutTracker{
		maxAttempts: maxAttempts,
		window:      window,
		failures:    make(map[string][]time.Time),
		lockedUntil: make(map[string]time.Time),
		now:         time.Now,
	}
}

// RecordFailure notes a failed attempt and returns whether the account
// is now locked.
func (t *LockoutTracker) RecordFailure(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	recent := t.prune(username, now)
	recent = append(recent, now)
	t.failures[username] = recent

	if len(recent) >= t.maxAttempts {
		t.lockedUntil[username] = now.Add(t.window)
		return true
	}
	return false
}

// RecordSuccess clears the failure window and any active lockout
func (t *LockoutTracker) RecordSuccess(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.failures, username)
	delete(t.lockedUntil, username)
}

// IsLocked reports whether the username is inside a lockout window
func (t *LockoutTracker) IsLocked(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	until, ok := t.lockedUntil[username]
	if !ok {
		return false
	}
	if t.now().After(until) {
		delete(t.lockedUntil, username)
		delete(t.failures, username)
		return false
	}
	return true
}

// prune drops failures older than the window. Caller holds the lock.
func (t *LockoutTracker) prune(username string, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	var recent []time.Time
	for _, ts := range t.failures[username] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}

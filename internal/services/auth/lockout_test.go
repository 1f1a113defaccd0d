package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockoutThreshold(t *testing.T) {
	tracker := NewLockoutTracker(5, 15*time.Minute)

	for i := 0; i < 4; i++ {
		locked := tracker.RecordFailure("alice")
		assert.False(t, locked, "attempt %d should not lock", i+1)
	}
	assert.False(t, tracker.IsLocked("alice"))

	// Fifth failure inside the window trips the lock
	assert.True(t, tracker.RecordFailure("alice"))
	assert.True(t, tracker.IsLocked("alice"))

	// Other accounts are unaffected
	assert.False(t, tracker.IsLocked("bob"))
}

func TestLockoutExpiry(t *testing.T) {
	tracker := NewLockoutTracker(5, 15*time.Minute)

	current := time.Now()
	tracker.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("alice")
	}
	assert.True(t, tracker.IsLocked("alice"))

	// Still locked one minute before expiry
	current = current.Add(14 * time.Minute)
	assert.True(t, tracker.IsLocked("alice"))

	// Unlocked once the window passes
	current = current.Add(2 * time.Minute)
	assert.False(t, tracker.IsLocked("alice"))
}

func TestLockoutSlidingWindow(t *testing.T) {
	tracker := NewLockoutTracker(5, 15*time.Minute)

	current := time.Now()
	tracker.now = func() time.Time { return current }

	// Four failures, then a long pause; the old failures age out
	for i := 0; i < 4; i++ {
		tracker.RecordFailure("alice")
	}
	current = current.Add(16 * time.Minute)

	assert.False(t, tracker.RecordFailure("alice"))
	assert.False(t, tracker.IsLocked("alice"))
}

func TestLockoutSuccessResets(t *testing.T) {
	tracker := NewLockoutTracker(5, 15*time.Minute)

	for i := 0; i < 4; i++ {
		tracker.RecordFailure("alice")
	}
	tracker.RecordSuccess("alice")

	// The window restarts from zero
	assert.False(t, tracker.RecordFailure("alice"))
	assert.False(t, tracker.IsLocked("alice"))
}

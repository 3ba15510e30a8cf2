package decision

import "sync"

// DefaultFailureThreshold is the number of consecutive network failures
// that pauses both triggers.
const DefaultFailureThreshold = 5

// FailureTracker counts consecutive NetworkErrors. Any success resets the
// count; other error classes leave it untouched.
type FailureTracker struct {
	mu        sync.Mutex
	threshold int
	count     int
	tripped   bool
}

// NewFailureTracker creates a tracker; threshold <= 0 uses the default.
func NewFailureTracker(threshold int) *FailureTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &FailureTracker{threshold: threshold}
}

// Record accounts for one decision outcome and reports whether this call
// tripped the tracker. A tripped tracker stays tripped until Reset.
func (t *FailureTracker) Record(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err == nil:
		t.count = 0
		return false
	case !IsNetwork(err):
		return false
	}
	t.count++
	if t.count >= t.threshold && !t.tripped {
		t.tripped = true
		return true
	}
	return false
}

// Tripped reports whether the threshold has been reached.
func (t *FailureTracker) Tripped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tripped
}

// Count returns the current run of consecutive network failures.
func (t *FailureTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Reset clears the count and the tripped state.
func (t *FailureTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = 0
	t.tripped = false
}

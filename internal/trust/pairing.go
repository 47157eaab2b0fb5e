package trust

import (
	"sync"
	"time"
)

// PairingWindow is a process-local, time-bounded trust override. Opening a
// new window replaces the previous one.
type PairingWindow struct {
	mu        sync.Mutex
	expiresAt time.Time
}

// Open starts (or replaces) the window so that it ends d after now.
func (w *PairingWindow) Open(now time.Time, d time.Duration) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expiresAt = now.Add(d)
	return w.expiresAt
}

// Close ends the window immediately.
func (w *PairingWindow) Close() {
	w.mu.Lock()
	w.expiresAt = time.Time{}
	w.mu.Unlock()
}

// Active reports whether the window is open at now.
func (w *PairingWindow) Active(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Before(w.expiresAt)
}

// ExpiresAt returns the end of the current window, or the zero time.
func (w *PairingWindow) ExpiresAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expiresAt
}

// Remaining returns how long the window stays open after now.
func (w *PairingWindow) Remaining(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !now.Before(w.expiresAt) {
		return 0
	}
	return w.expiresAt.Sub(now)
}

package session

import "sync"

// Limiter caps concurrent sessions per user. Excess connections are
// rejected outright rather than queued; a queued voice session would
// go stale before it ever ran.
type Limiter struct {
	mu     sync.Mutex
	max    int
	active map[string]int
}

// NewLimiter creates a limiter. max <= 0 disables the cap.
func NewLimiter(max int) *Limiter {
	return &Limiter{max: max, active: make(map[string]int)}
}

// Acquire reserves a slot for the user. Returns false when the user
// is already at the cap.
func (l *Limiter) Acquire(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.active[userID] >= l.max {
		return false
	}
	l.active[userID]++
	return true
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[userID] <= 1 {
		delete(l.active, userID)
		return
	}
	l.active[userID]--
}

// Active reports the user's current session count.
func (l *Limiter) Active(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[userID]
}

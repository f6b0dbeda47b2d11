package executor

import (
	"sync"
	"time"
)

// attemptLog remembers which opportunity IDs have already entered execution,
// so the same opportunity is never submitted twice. Entries expire after a
// TTL comfortably longer than any opportunity's lifetime.
type attemptLog struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
}

func newAttemptLog(ttl time.Duration) *attemptLog {
	return &attemptLog{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// seenBefore records the opportunity ID and reports whether it had already
// been recorded within the TTL window.
func (a *attemptLog) seenBefore(oppID string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.seen[oppID]; ok && now.Sub(last) < a.ttl {
		return true
	}
	a.seen[oppID] = now
	return false
}

// cleanup drops expired entries; called opportunistically from Execute so no
// background goroutine is needed.
func (a *attemptLog) cleanup(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, ts := range a.seen {
		if now.Sub(ts) >= a.ttl {
			delete(a.seen, id)
		}
	}
}

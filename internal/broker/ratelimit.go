package broker

import (
	"sync"
	"time"
)

// pruneEvery bounds how often the limiter sweeps idle keys out of the map.
const pruneEvery = 256

// RateLimiter is a sliding-window counter per key with lazy expiry: stale
// entries are pruned on access rather than by a background sweeper, and
// every pruneEvery-th call sweeps keys whose window has emptied.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
	calls  int
	now    func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an attempt for the key and reports whether it is within the
// window budget.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%pruneEvery == 0 {
		l.prune()
	}

	cutoff := l.now().Add(-l.window)
	kept := l.hits[key][:0]
	for _, at := range l.hits[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.max {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, l.now())
	return true
}

// prune deletes keys with no hits left in the window. Caller holds the lock.
func (l *RateLimiter) prune() {
	cutoff := l.now().Add(-l.window)
	for key, hits := range l.hits {
		live := false
		for _, at := range hits {
			if at.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
		}
	}
}

package rules

import (
	"sync"
	"time"
)

// memoryLimiter is the in-memory sliding-window fallback used when the
// durable trigger count is unavailable. It is process-global state shared
// across concurrent rule evaluations.
type memoryLimiter struct {
	mu    sync.Mutex
	fired map[string][]time.Time
}

func newMemoryLimiter() *memoryLimiter {
	return &memoryLimiter{fired: map[string][]time.Time{}}
}

// allow reports whether the rule may fire now given max firings per window.
func (l *memoryLimiter) allow(ruleName string, max int, window time.Duration, now time.Time) bool {
	if max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(ruleName, window, now)) < max
}

// record notes a successful firing.
func (l *memoryLimiter) record(ruleName string, window time.Duration, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired[ruleName] = append(l.prune(ruleName, window, now), now)
}

func (l *memoryLimiter) prune(ruleName string, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	kept := l.fired[ruleName][:0]
	for _, t := range l.fired[ruleName] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.fired[ruleName] = kept
	return kept
}

// Package ratelimit implements the per-client sliding-window admission gate.
//
// Each client accumulates a rolling window of admitted request timestamps.
// A request is admitted only while the retained count is strictly below the
// configured maximum; denial reports how long the caller must wait for the
// oldest timestamp to age out. Clients that go silent for a full window are
// evicted so the limiter does not grow without bound.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a concurrency-safe sliding-window rate limiter keyed by client.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	clients     map[string][]time.Time
}

// New constructs a limiter admitting at most maxRequests per window per client.
func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		clients:     make(map[string][]time.Time),
	}
}

// Admit checks whether the client may submit another request now. Admission
// records the timestamp; denial has no side effects and reports the wait
// until the oldest retained request leaves the window.
func (l *Limiter) Admit(clientID string) Decision {
	return l.AdmitAt(clientID, time.Now())
}

// AdmitAt is Admit with an explicit clock, used by tests.
func (l *Limiter) AdmitAt(clientID string, now time.Time) Decision {
	if clientID == "" {
		clientID = "default"
	}
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := trimBefore(l.clients[clientID], cutoff)

	if len(history) >= l.maxRequests {
		l.clients[clientID] = history
		retryAfter := history[0].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	l.clients[clientID] = append(history, now)
	return Decision{Allowed: true}
}

// EvictIdle drops clients whose windows have fully drained. Call it
// periodically; it is also safe to never call it for short-lived processes.
func (l *Limiter) EvictIdle(now time.Time) int {
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for clientID, history := range l.clients {
		if trimmed := trimBefore(history, cutoff); len(trimmed) == 0 {
			delete(l.clients, clientID)
			evicted++
		}
	}
	return evicted
}

// ClientCount reports how many clients currently hold window state.
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func trimBefore(history []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(history) && !history[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return history
	}
	trimmed := make([]time.Time, len(history)-idx)
	copy(trimmed, history[idx:])
	return trimmed
}

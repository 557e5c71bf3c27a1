// Package ratelimit limits concurrent connections per user and the rate of
// messages or requests per key with a sliding window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/ironfuel/livechat/internal/constants"
)

// ConnectionLimiter limits the number of concurrent connections per user
type ConnectionLimiter struct {
	connections map[string]int // userID -> connection count
	maxPerUser  int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	if maxPerUser <= 0 {
		maxPerUser = constants.DefaultMaxConnections
	}
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Allow reserves a connection slot for the user if one is free
func (cl *ConnectionLimiter) Allow(userID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[userID]
	if count >= cl.maxPerUser {
		return false
	}

	cl.connections[userID] = count + 1
	return true
}

// Release frees a connection slot for the user
func (cl *ConnectionLimiter) Release(userID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count, ok := cl.connections[userID]; ok {
		if count <= 1 {
			delete(cl.connections, userID)
		} else {
			cl.connections[userID] = count - 1
		}
	}
}

// GetCount returns the current connection count for a user
func (cl *ConnectionLimiter) GetCount(userID string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[userID]
}

// MessageLimiter limits events per key using a sliding window
type MessageLimiter struct {
	events map[string][]time.Time // key -> timestamps
	window time.Duration
	limit  int
	mu     sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	startOnce       sync.Once
	cleanupWg       sync.WaitGroup
}

// NewMessageLimiter creates a limiter allowing limit events per window
func NewMessageLimiter(window time.Duration, limit int) *MessageLimiter {
	if window <= 0 {
		window = constants.DefaultRateWindow
	}
	if limit <= 0 {
		limit = constants.DefaultRateLimit
	}
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		cleanupInterval: constants.DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
}

// Allow records an event for key and reports whether it fits in the window
func (ml *MessageLimiter) Allow(key string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-ml.window)

	events := ml.events[key]
	// Cap map growth: reject new keys when at capacity
	if events == nil && len(ml.events) >= constants.MaxUsersTracked {
		return false
	}

	recent := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= ml.limit {
		ml.events[key] = recent
		return false
	}

	ml.events[key] = append(recent, now)
	return true
}

// GetRetryAfter returns the time in milliseconds until the next event is allowed
func (ml *MessageLimiter) GetRetryAfter(key string) int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var inWindow []time.Time
	for _, t := range ml.events[key] {
		if t.After(cutoff) {
			inWindow = append(inWindow, t)
		}
	}
	if len(inWindow) < ml.limit {
		return 0
	}

	// Events are appended in order; the oldest in the window expires first.
	retryAfter := inWindow[0].Add(ml.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}
	return int(retryAfter.Milliseconds())
}

// Reset clears the history for key
func (ml *MessageLimiter) Reset(key string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.events, key)
}

// Cleanup removes expired events to prevent memory leaks
func (ml *MessageLimiter) Cleanup() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := time.Now().Add(-ml.window)
	removed := 0

	for key, events := range ml.events {
		recent := events[:0]
		for _, t := range events {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		removed += len(events) - len(recent)

		if len(recent) == 0 {
			delete(ml.events, key)
		} else {
			ml.events[key] = recent
		}
	}
	return removed
}

// TrackedKeys returns the number of keys with recorded events
func (ml *MessageLimiter) TrackedKeys() int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return len(ml.events)
}

// StartCleanup starts a background goroutine that periodically cleans up
// expired events. Calling it more than once has no effect.
func (ml *MessageLimiter) StartCleanup() {
	ml.startOnce.Do(func() {
		ml.cleanupWg.Add(1)
		go func() {
			defer ml.cleanupWg.Done()
			ticker := time.NewTicker(ml.cleanupInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					ml.Cleanup()
				case <-ml.stopCleanup:
					return
				}
			}
		}()
	})
}

// StopCleanup stops the cleanup goroutine and waits for it to finish.
// Safe to call multiple times.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() {
		close(ml.stopCleanup)
	})
	ml.cleanupWg.Wait()
}

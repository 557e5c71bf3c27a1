package router

import (
	"sync"
	"time"

	"github.com/ironfuel/livechat/internal/constants"
)

// customerLocks serializes submissions per customer and remembers the last
// timestamp issued for each, so timestamps within a session strictly increase.
type customerLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu       sync.Mutex
	refs     int
	lastTS   time.Time
	lastUsed time.Time
}

func newCustomerLocks() *customerLocks {
	return &customerLocks{entries: make(map[string]*lockEntry)}
}

// acquire locks the entry for customerID. The caller must call release.
func (l *customerLocks) acquire(customerID string) *lockEntry {
	l.mu.Lock()
	e, ok := l.entries[customerID]
	if !ok {
		e = &lockEntry{}
		l.entries[customerID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return e
}

func (l *customerLocks) release(e *lockEntry) {
	e.mu.Unlock()

	l.mu.Lock()
	e.refs--
	e.lastUsed = time.Now()
	l.mu.Unlock()
}

// nextTimestamp returns max(now, last+1ms) at millisecond precision. e must be held.
func (e *lockEntry) nextTimestamp(now time.Time) time.Time {
	ts := now.UTC().Truncate(constants.TimestampResolution)
	if !e.lastTS.IsZero() && !ts.After(e.lastTS) {
		ts = e.lastTS.Add(constants.TimestampResolution)
	}
	return ts
}

// prune drops idle entries whose last timestamp is older than ttl.
func (l *customerLocks) prune(ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, e := range l.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) && e.lastTS.Before(cutoff) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

func (l *customerLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

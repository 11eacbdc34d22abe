package fetchlog

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 10000

type memoryLog struct {
	clock      Clock
	maxEntries int

	mu      sync.RWMutex
	entries []Entry
}

// NewMemory keeps at most maxEntries entries in process, dropping the oldest
// first. A non-positive maxEntries uses the default bound.
func NewMemory(maxEntries int, clock Clock) Log {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &memoryLog{clock: clock, maxEntries: maxEntries}
}

func (l *memoryLog) Append(_ context.Context, entry Entry) error {
	entry = prepare(entry, l.clock.now())
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if overflow := len(l.entries) - l.maxEntries; overflow > 0 {
		l.entries = append(l.entries[:0:0], l.entries[overflow:]...)
	}
	return nil
}

func (l *memoryLog) Summarize(_ context.Context, userID string, since time.Time) (Summary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	summary := newSummary()
	for _, entry := range l.entries {
		if entry.UserID != userID || entry.Timestamp.Before(since) {
			continue
		}
		summary.add(entry.Platform, entry.Status, 1, entry.DurationMs)
	}
	summary.finish()
	return summary, nil
}

func (l *memoryLog) Recent(_ context.Context, userID string, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if l.entries[i].UserID == userID {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

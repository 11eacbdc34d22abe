package cache

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	prefix string
	clock  Clock

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns an in-process Store. Expired rows stay in the map until
// PurgeExpired runs so Stats can report them.
func NewMemory(clock Clock) Store {
	return &memoryStore{prefix: DefaultPrefix, clock: clock, entries: make(map[string]Entry)}
}

func (c *memoryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	now := c.clock.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key.WithPrefix(c.prefix)]
	if !ok || !now.Before(entry.ExpiresAt) {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryStore) Put(_ context.Context, key Key, payload []byte, ttl time.Duration, fingerprint string) error {
	now := c.clock.now()
	entry := Entry{
		Key:         key,
		Payload:     payload,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.WithPrefix(c.prefix)] = cloneEntry(entry)
	return nil
}

func (c *memoryStore) Invalidate(_ context.Context, key Key) error {
	now := c.clock.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key.WithPrefix(c.prefix)
	entry, ok := c.entries[k]
	if !ok {
		return nil
	}
	if entry.ExpiresAt.After(now) {
		entry.ExpiresAt = now
		c.entries[k] = entry
	}
	return nil
}

func (c *memoryStore) InvalidateScope(_ context.Context, userID, platform string) (int, error) {
	now := c.clock.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for k, entry := range c.entries {
		if entry.Key.UserID != userID || entry.Key.Platform != platform {
			continue
		}
		if entry.ExpiresAt.After(now) {
			entry.ExpiresAt = now
			c.entries[k] = entry
			count++
		}
	}
	return count, nil
}

func (c *memoryStore) PurgeExpired(_ context.Context) (int, error) {
	now := c.clock.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	purged := 0
	for k, entry := range c.entries {
		if entry.ExpiresAt.Before(now) {
			delete(c.entries, k)
			purged++
		}
	}
	return purged, nil
}

func (c *memoryStore) Stats(_ context.Context, userID string) (Stats, error) {
	now := c.clock.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := Stats{PerPlatform: map[string]PlatformStats{}}
	for _, entry := range c.entries {
		if entry.Key.UserID != userID {
			continue
		}
		stats.add(entry.Key.Platform, now.Before(entry.ExpiresAt))
	}
	return stats, nil
}

func (c *memoryStore) Close(_ context.Context) error {
	return nil
}

func cloneEntry(in Entry) Entry {
	out := in
	if in.Payload != nil {
		out.Payload = append([]byte(nil), in.Payload...)
	}
	return out
}

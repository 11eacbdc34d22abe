package cache

import (
	"context"
	"time"
)

// Entry is a stored metrics payload plus the bookkeeping needed to decide
// whether it can still be served.
type Entry struct {
	Key         Key       `json:"key"`
	Payload     []byte    `json:"payload"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Valid reports whether the entry may be served at now for the supplied
// fingerprint. A fingerprint mismatch invalidates the entry regardless of the
// remaining TTL. An empty fingerprint skips the identity check.
func (e Entry) Valid(now time.Time, fingerprint string) bool {
	if !now.Before(e.ExpiresAt) {
		return false
	}
	if fingerprint != "" && e.Fingerprint != fingerprint {
		return false
	}
	return true
}

// Age returns how long ago the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	if e.CreatedAt.IsZero() || now.Before(e.CreatedAt) {
		return 0
	}
	return now.Sub(e.CreatedAt)
}

// Stats summarises the rows a user owns in the store.
type Stats struct {
	Total       int64                    `json:"total"`
	Valid       int64                    `json:"valid"`
	Expired     int64                    `json:"expired"`
	PerPlatform map[string]PlatformStats `json:"perPlatform"`
}

// PlatformStats is the per-platform slice of Stats.
type PlatformStats struct {
	Total   int64 `json:"total"`
	Valid   int64 `json:"valid"`
	Expired int64 `json:"expired"`
}

func (s *Stats) add(platform string, valid bool) {
	if s.PerPlatform == nil {
		s.PerPlatform = make(map[string]PlatformStats)
	}
	ps := s.PerPlatform[platform]
	s.Total++
	ps.Total++
	if valid {
		s.Valid++
		ps.Valid++
	} else {
		s.Expired++
		ps.Expired++
	}
	s.PerPlatform[platform] = ps
}

// Store is the expiring key-value contract shared by every backend. Put is
// last-write-wins; Invalidate only moves ExpiresAt to now so the row still
// counts towards Stats until PurgeExpired removes it.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Put(ctx context.Context, key Key, payload []byte, ttl time.Duration, fingerprint string) error
	Invalidate(ctx context.Context, key Key) error
	InvalidateScope(ctx context.Context, userID, platform string) (int, error)
	PurgeExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context, userID string) (Stats, error)
	Close(ctx context.Context) error
}

// Clock supplies the current time; backends default to time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

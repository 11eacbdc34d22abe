// Package fetchlog records every attempt to obtain metrics and aggregates the
// history for cache statistics. Entries are append-only.
package fetchlog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of one metrics attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusCached  Status = "cached"
)

// Entry is a single attempt. Entries are never mutated once appended.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Platform       string    `json:"platform"`
	FetchType      string    `json:"fetchType"`
	Status         Status    `json:"status"`
	DurationMs     int64     `json:"durationMs"`
	RecordsFetched int       `json:"recordsFetched"`
	CacheHit       bool      `json:"cacheHit"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PlatformSummary counts attempts for one platform.
type PlatformSummary struct {
	Attempts int64 `json:"attempts"`
	Cached   int64 `json:"cached"`
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
}

// Summary aggregates a user's attempts. HitRate is cached/attempts and
// AvgDurationMs only covers attempts that reached upstream.
type Summary struct {
	Attempts      int64                      `json:"attempts"`
	Cached        int64                      `json:"cached"`
	Success       int64                      `json:"success"`
	Failed        int64                      `json:"failed"`
	HitRate       float64                    `json:"hitRate"`
	AvgDurationMs float64                    `json:"avgDurationMs"`
	PerPlatform   map[string]PlatformSummary `json:"perPlatform"`

	upstreamDurationMs int64
}

// Log is the persistence contract for fetch history.
type Log interface {
	Append(ctx context.Context, entry Entry) error
	Summarize(ctx context.Context, userID string, since time.Time) (Summary, error)
	Recent(ctx context.Context, userID string, limit int) ([]Entry, error)
}

// Clock supplies the current time; backends default to time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

func prepare(entry Entry, now time.Time) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if entry.Status == StatusCached {
		entry.CacheHit = true
	}
	return entry
}

func newSummary() Summary {
	return Summary{PerPlatform: make(map[string]PlatformSummary)}
}

func (s *Summary) add(platform string, status Status, count, durationMs int64) {
	ps := s.PerPlatform[platform]
	s.Attempts += count
	ps.Attempts += count
	switch status {
	case StatusCached:
		s.Cached += count
		ps.Cached += count
	case StatusSuccess:
		s.Success += count
		ps.Success += count
		s.upstreamDurationMs += durationMs
	case StatusFailed:
		s.Failed += count
		ps.Failed += count
		s.upstreamDurationMs += durationMs
	}
	s.PerPlatform[platform] = ps
}

func (s *Summary) finish() {
	if s.Attempts > 0 {
		s.HitRate = float64(s.Cached) / float64(s.Attempts)
	}
	if upstream := s.Success + s.Failed; upstream > 0 {
		s.AvgDurationMs = float64(s.upstreamDurationMs) / float64(upstream)
	}
}

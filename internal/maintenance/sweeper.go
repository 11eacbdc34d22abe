// Package maintenance runs background upkeep for the cache.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Purger deletes logically expired cache entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Sweeper purges expired cache entries on a fixed interval. It implements
// suture.Service.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a Sweeper that runs every interval.
func NewSweeper(purger Purger, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if purger == nil {
		return nil, errors.New("maintenance: purger required")
	}
	if interval <= 0 {
		return nil, errors.New("maintenance: interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		purger:   purger,
		interval: interval,
		logger:   logger.With(slog.String("agent", "sweeper")),
	}, nil
}

// Serve sweeps once immediately and then on every tick until ctx is done.
// Purge failures are logged and retried on the next tick.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	purged, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("cache sweep failed", slog.Any("error", err))
		}
		return
	}
	if purged > 0 {
		s.logger.Debug("cache sweep completed", slog.Int("purged", purged))
	}
}

func (s *Sweeper) String() string { return "cache-sweeper" }

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/l0p7/socialpulse/internal/storage/sqlite"
)

type sqliteStore struct {
	db     *sql.DB
	prefix string
	clock  Clock
}

// NewSQLite persists entries in the cache_entries table of db. The caller owns
// db; Close is a no-op so the fetch log can share the handle.
func NewSQLite(db *sql.DB, clock Clock) (Store, error) {
	if db == nil {
		return nil, errors.New("cache: sqlite db required")
	}
	return &sqliteStore{db: db, prefix: DefaultPrefix, clock: clock}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, platform, scope, fingerprint, payload, created_at, expires_at
		   FROM cache_entries
		  WHERE cache_key = ?`,
		key.WithPrefix(s.prefix),
	)
	var (
		entry     Entry
		createdAt int64
		expiresAt int64
	)
	err := row.Scan(&entry.Key.UserID, &entry.Key.Platform, &entry.Key.Scope, &entry.Fingerprint, &entry.Payload, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite get: %w", err)
	}
	entry.CreatedAt = sqlite.FromMillis(createdAt)
	entry.ExpiresAt = sqlite.FromMillis(expiresAt)
	if !s.clock.now().Before(entry.ExpiresAt) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key Key, payload []byte, ttl time.Duration, fingerprint string) error {
	now := s.clock.now()
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, user_id, platform, scope, fingerprint, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		   fingerprint = excluded.fingerprint,
		   payload = excluded.payload,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at`,
		key.WithPrefix(s.prefix), key.UserID, key.Platform, key.Scope, fingerprint, payload,
		sqlite.ToMillis(now), sqlite.ToMillis(now.Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("cache: sqlite put: %w", err)
	}
	return nil
}

func (s *sqliteStore) Invalidate(ctx context.Context, key Key) error {
	now := sqlite.ToMillis(s.clock.now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET expires_at = ? WHERE cache_key = ? AND expires_at > ?`,
		now, key.WithPrefix(s.prefix), now,
	)
	if err != nil {
		return fmt.Errorf("cache: sqlite invalidate: %w", err)
	}
	return nil
}

func (s *sqliteStore) InvalidateScope(ctx context.Context, userID, platform string) (int, error) {
	now := sqlite.ToMillis(s.clock.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET expires_at = ? WHERE user_id = ? AND platform = ? AND expires_at > ?`,
		now, userID, platform, now,
	)
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite invalidate scope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite invalidate scope rows: %w", err)
	}
	return int(n), nil
}

func (s *sqliteStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`,
		sqlite.ToMillis(s.clock.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite purge rows: %w", err)
	}
	return int(n), nil
}

func (s *sqliteStore) Stats(ctx context.Context, userID string) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, expires_at > ? AS valid, COUNT(*)
		   FROM cache_entries
		  WHERE user_id = ?
		  GROUP BY platform, valid`,
		sqlite.ToMillis(s.clock.now()), userID,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: sqlite stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{PerPlatform: map[string]PlatformStats{}}
	for rows.Next() {
		var (
			platform string
			valid    bool
			count    int64
		)
		if err := rows.Scan(&platform, &valid, &count); err != nil {
			return Stats{}, fmt.Errorf("cache: sqlite stats scan: %w", err)
		}
		ps := stats.PerPlatform[platform]
		ps.Total += count
		stats.Total += count
		if valid {
			ps.Valid += count
			stats.Valid += count
		} else {
			ps.Expired += count
			stats.Expired += count
		}
		stats.PerPlatform[platform] = ps
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("cache: sqlite stats rows: %w", err)
	}
	return stats, nil
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}

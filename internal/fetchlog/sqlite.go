package fetchlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/l0p7/socialpulse/internal/storage/sqlite"
)

type sqliteLog struct {
	db    *sql.DB
	clock Clock
}

// NewSQLite appends entries to the fetch_log table of db. The caller owns db.
func NewSQLite(db *sql.DB, clock Clock) (Log, error) {
	if db == nil {
		return nil, errors.New("fetchlog: sqlite db required")
	}
	return &sqliteLog{db: db, clock: clock}, nil
}

func (l *sqliteLog) Append(ctx context.Context, entry Entry) error {
	entry = prepare(entry, l.clock.now())
	var errText sql.NullString
	if entry.Error != "" {
		errText = sql.NullString{String: entry.Error, Valid: true}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO fetch_log (id, user_id, platform, fetch_type, status, duration_ms, records_fetched, cache_hit, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Platform, entry.FetchType, string(entry.Status),
		entry.DurationMs, entry.RecordsFetched, boolToInt(entry.CacheHit), errText,
		sqlite.ToMillis(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("fetchlog: sqlite append: %w", err)
	}
	return nil
}

func (l *sqliteLog) Summarize(ctx context.Context, userID string, since time.Time) (Summary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT platform, status, COUNT(*), COALESCE(SUM(duration_ms), 0)
		   FROM fetch_log
		  WHERE user_id = ? AND created_at >= ?
		  GROUP BY platform, status`,
		userID, sqlite.ToMillis(since),
	)
	if err != nil {
		return Summary{}, fmt.Errorf("fetchlog: sqlite summarize: %w", err)
	}
	defer rows.Close()

	summary := newSummary()
	for rows.Next() {
		var (
			platform, status string
			count, duration  int64
		)
		if err := rows.Scan(&platform, &status, &count, &duration); err != nil {
			return Summary{}, fmt.Errorf("fetchlog: sqlite summarize scan: %w", err)
		}
		summary.add(platform, Status(status), count, duration)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("fetchlog: sqlite summarize rows: %w", err)
	}
	summary.finish()
	return summary, nil
}

func (l *sqliteLog) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, platform, fetch_type, status, duration_ms, records_fetched, cache_hit, error, created_at
		   FROM fetch_log
		  WHERE user_id = ?
		  ORDER BY created_at DESC, rowid DESC
		  LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetchlog: sqlite recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry     Entry
			status    string
			cacheHit  int64
			errText   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Platform, &entry.FetchType, &status,
			&entry.DurationMs, &entry.RecordsFetched, &cacheHit, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("fetchlog: sqlite recent scan: %w", err)
		}
		entry.Status = Status(status)
		entry.CacheHit = cacheHit != 0
		entry.Error = errText.String
		entry.Timestamp = sqlite.FromMillis(createdAt)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetchlog: sqlite recent rows: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

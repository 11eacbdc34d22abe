package migrations

import "embed"

// FS contains embedded SQLite migrations for cache and fetch log storage.
//
//go:embed *.sql
var FS embed.FS

package migrations

import "embed"

// FS contains embedded SQLite migrations for the sqlite backend.
//
//go:embed *.sql
var FS embed.FS

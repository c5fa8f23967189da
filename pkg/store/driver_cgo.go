//go:build cgo_sqlite

package store

// Build with -tags "cgo_sqlite sqlite_fts5" so the amalgamation includes FTS5.

import (
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

func dsn(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}

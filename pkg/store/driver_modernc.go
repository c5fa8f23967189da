//go:build !cgo_sqlite

package store

import (
	_ "modernc.org/sqlite" // SQLite driver
)

const driverName = "sqlite"

// dsn enables WAL, a busy timeout and BEGIN IMMEDIATE for every
// transaction, so concurrent writers from other processes queue on the
// database lock instead of failing mid-transaction.
func dsn(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

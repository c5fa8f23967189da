// Package store persists memories, sessions and proposals in SQLite with
// an FTS5 index over memory content.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/dan-solli/lore/pkg/archive"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Store is a handle on one database file. Several handles, in one process
// or many, may share a file; writes serialize on the SQLite lock.
type Store struct {
	db      *sql.DB
	path    string
	archive *archive.Archive
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes Open.
type Option func(*options)

type options struct {
	archiveDir string
	logger     *slog.Logger
	now        func() time.Time
}

// WithArchiveDir overrides the archive location (default: "archive" next
// to the database file).
func WithArchiveDir(dir string) Option {
	return func(o *options) { o.archiveDir = dir }
}

// WithLogger sets the logger used for corrupt-row warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now for access tracking.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations. Any failure is reported as ErrStoreUnavailable.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.archiveDir == "" {
		o.archiveDir = filepath.Join(filepath.Dir(path), "archive")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: failed to create database directory: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}
	// One connection per handle keeps BEGIN IMMEDIATE meaningful and avoids
	// SQLITE_BUSY between a handle's own connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStoreUnavailable, err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", ErrStoreUnavailable, err)
	}

	arch, err := archive.New(o.archiveDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &Store{
		db:      db,
		path:    path,
		archive: arch,
		logger:  o.logger,
		now:     o.now,
	}, nil
}

// migrate applies the embedded SQL migrations plus the Go migrations that
// add columns only when missing.
func migrate(ctx context.Context, db *sql.DB) error {
	migrationsFS, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrationsFS,
		goose.WithGoMigrations(
			goose.NewGoMigration(3, &goose.GoFunc{RunTx: addMemoryExtensionColumns}, nil),
		),
	)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// addMemoryExtensionColumns adds the optional attributes introduced after
// the first release. Each column is nullable or defaulted, so rows written
// by older builds stay readable and older builds ignore the new columns.
func addMemoryExtensionColumns(ctx context.Context, tx *sql.Tx) error {
	columns := []struct{ name, ddl string }{
		{"priority", "ALTER TABLE memories ADD COLUMN priority INTEGER NOT NULL DEFAULT 0"},
		{"anchor_path", "ALTER TABLE memories ADD COLUMN anchor_path TEXT DEFAULT NULL"},
		{"anchor_score", "ALTER TABLE memories ADD COLUMN anchor_score REAL DEFAULT NULL"},
		{"modes", "ALTER TABLE memories ADD COLUMN modes TEXT DEFAULT NULL"},
	}
	for _, c := range columns {
		exists, err := columnExists(ctx, tx, "memories", c.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("failed to add %s column: %w", c.name, err)
		}
	}
	return nil
}

// columnExists checks if a column exists in a table.
func columnExists(ctx context.Context, q querier, tableName, columnName string) (bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return false, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == columnName {
			return true, nil
		}
	}
	return false, rows.Err()
}

// querier is the subset of *sql.DB and *sql.Tx the row helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced operations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// ArchiveArea returns the archive directory attached to the store.
func (s *Store) ArchiveArea() *archive.Archive { return s.archive }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// Update runs fn inside one write transaction. The transaction starts with
// BEGIN IMMEDIATE, so fn's reads and writes are isolated from every other
// writer on the file. fn's error rolls everything back.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, s: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr("commit transaction", err)
	}
	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Memories         int64 `json:"memories"`
	LiveSessions     int64 `json:"live_sessions"`
	Sessions         int64 `json:"sessions"`
	PendingProposals int64 `json:"pending_proposals"`
}

// Stats counts stored items.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM memories),
			(SELECT COUNT(*) FROM sessions WHERE status IN ('active', 'idle')),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM proposals WHERE status = 'pending')
	`).Scan(&st.Memories, &st.LiveSessions, &st.Sessions, &st.PendingProposals)
	if err != nil {
		return Stats{}, wrapDBErr("count stored items", err)
	}
	return st, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/lore/pkg/archive"
	"github.com/dan-solli/lore/pkg/scope"
)

// Category classifies what kind of knowledge a memory holds.
type Category string

const (
	CategoryPreference Category = "preference"
	CategoryRule       Category = "rule"
	CategoryCorrection Category = "correction"
	CategoryDecision   Category = "decision"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryPreference, CategoryRule, CategoryCorrection, CategoryDecision:
		return true
	}
	return false
}

// Anchor ties a memory to a file, with a relevance score for that file.
type Anchor struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// MemoryRecord is one unit of persisted knowledge.
type MemoryRecord struct {
	ID             string      `json:"id"`
	Content        string      `json:"content"`
	Category       Category    `json:"category"`
	Scope          scope.Scope `json:"scope"`
	Confidence     float64     `json:"confidence"`
	Priority       int         `json:"priority,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	LastAccessedAt *time.Time  `json:"last_accessed_at,omitempty"`
	AccessCount    int64       `json:"access_count"`

	Anchor *Anchor        `json:"anchor,omitempty"`
	Modes  map[string]int `json:"modes,omitempty"` // validity tag -> priority
}

// LastUsed is the last access time, or the creation time for records that
// were never read back.
func (m *MemoryRecord) LastUsed() time.Time {
	if m.LastAccessedAt != nil {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}

// Validate checks the record invariants that writes enforce.
func (m *MemoryRecord) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrInvalidRecord)
	}
	if !m.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRecord, m.Category)
	}
	if math.IsNaN(m.Confidence) || m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0,1], got %v", ErrInvalidRecord, m.Confidence)
	}
	if err := m.Scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if m.AccessCount < 0 {
		return fmt.Errorf("%w: access count must be non-negative", ErrInvalidRecord)
	}
	return nil
}

const memoryColumns = `id, content, category, scope, confidence, priority, created_at, updated_at,
	last_accessed_at, access_count, anchor_path, anchor_score, modes`

// prefixed returns memoryColumns qualified with a table alias.
func prefixed(alias string) string {
	cols := strings.Split(memoryColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMemory decodes one row. Decoding failures wrap ErrCorrupt.
func scanMemory(row rowScanner, extra ...any) (*MemoryRecord, error) {
	var (
		m           MemoryRecord
		category    string
		rawScope    string
		createdAt   string
		updatedAt   string
		lastAccess  sql.NullString
		anchorPath  sql.NullString
		anchorScore sql.NullFloat64
		modes       sql.NullString
	)
	dest := []any{&m.ID, &m.Content, &category, &rawScope, &m.Confidence, &m.Priority,
		&createdAt, &updatedAt, &lastAccess, &m.AccessCount, &anchorPath, &anchorScore, &modes}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	var err error
	if m.Scope, err = scope.Parse(rawScope); err != nil {
		return nil, corrupt("memory", m.ID, err)
	}
	m.Category = Category(category)
	if !m.Category.Valid() {
		return nil, corrupt("memory", m.ID, fmt.Errorf("unknown category %q", category))
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, corrupt("memory", m.ID, err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, corrupt("memory", m.ID, err)
	}
	if lastAccess.Valid && lastAccess.String != "" {
		t, err := parseTime(lastAccess.String)
		if err != nil {
			return nil, corrupt("memory", m.ID, err)
		}
		m.LastAccessedAt = &t
	}
	if anchorPath.Valid && anchorPath.String != "" {
		m.Anchor = &Anchor{Path: anchorPath.String, Score: anchorScore.Float64}
	}
	if modes.Valid && modes.String != "" {
		if err := json.Unmarshal([]byte(modes.String), &m.Modes); err != nil {
			return nil, corrupt("memory", m.ID, err)
		}
	}
	return &m, nil
}

func memoryArgs(m *MemoryRecord) []any {
	var lastAccess, anchorPath, modes any
	var anchorScore any
	if m.LastAccessedAt != nil {
		lastAccess = formatTime(*m.LastAccessedAt)
	}
	if m.Anchor != nil && m.Anchor.Path != "" {
		anchorPath = m.Anchor.Path
		anchorScore = m.Anchor.Score
	}
	if len(m.Modes) > 0 {
		b, _ := json.Marshal(m.Modes)
		modes = string(b)
	}
	return []any{m.ID, m.Content, string(m.Category), m.Scope.String(), m.Confidence, m.Priority,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt), lastAccess, m.AccessCount,
		anchorPath, anchorScore, modes}
}

// prepareWrite fills defaults and validates.
func prepareWrite(m *MemoryRecord, now time.Time) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	return m.Validate()
}

func getMemory(ctx context.Context, q querier, id string) (*MemoryRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		return nil, wrapDBErr("get memory", err)
	}
	return m, nil
}

// putMemory inserts or replaces the content of a record. An update keeps
// the original creation time and never lowers the access counters.
func putMemory(ctx context.Context, q querier, m *MemoryRecord, now time.Time) error {
	if err := prepareWrite(m, now); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			category = excluded.category,
			scope = excluded.scope,
			confidence = excluded.confidence,
			priority = excluded.priority,
			updated_at = excluded.updated_at,
			last_accessed_at = NULLIF(MAX(COALESCE(memories.last_accessed_at, ''), COALESCE(excluded.last_accessed_at, '')), ''),
			access_count = MAX(memories.access_count, excluded.access_count),
			anchor_path = excluded.anchor_path,
			anchor_score = excluded.anchor_score,
			modes = excluded.modes
	`, memoryArgs(m)...)
	if err != nil {
		return wrapDBErr("put memory", err)
	}

	// Reflect what the row now holds.
	stored, err := getMemory(ctx, q, m.ID)
	if err != nil {
		return err
	}
	*m = *stored
	return nil
}

// createMemory inserts a record unless its id is already taken.
func createMemory(ctx context.Context, q querier, m *MemoryRecord, now time.Time) (bool, error) {
	if err := prepareWrite(m, now); err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, memoryArgs(m)...)
	if err != nil {
		return false, wrapDBErr("create memory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBErr("create memory", err)
	}
	return n > 0, nil
}

func deleteMemory(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return wrapDBErr("delete memory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBErr("delete memory", err)
	}
	if n == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

// archiveMemory files the record in the archive area and then removes the
// row. The archive file is written before the delete, so a failed commit
// leaves the row in place and a retry finds the file already written.
func (s *Store) archiveMemory(ctx context.Context, q querier, id, reason string) (*MemoryRecord, error) {
	m, err := getMemory(ctx, q, id)
	if err != nil {
		return nil, err
	}
	err = s.archive.Write(ctx, &archive.Entry{
		Meta: archive.Meta{
			ID:         m.ID,
			Kind:       archive.KindMemory,
			Reason:     reason,
			ArchivedAt: s.now().UTC(),
			Scope:      m.Scope.String(),
			Category:   string(m.Category),
			Confidence: m.Confidence,
			Priority:   m.Priority,
			CreatedAt:  m.CreatedAt,
			UpdatedAt:  m.UpdatedAt,
			Accessed:   m.AccessCount,
			Modes:      m.Modes,
		},
		Content: m.Content,
	})
	if err != nil && !errors.Is(err, archive.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to archive memory %s: %w", id, err)
	}
	if err := deleteMemory(ctx, q, id); err != nil {
		return nil, err
	}
	return m, nil
}

// Put inserts or updates a memory. The structured row and the text index
// are written in the same transaction.
func (s *Store) Put(ctx context.Context, m *MemoryRecord) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Put(ctx, m)
	})
}

// Get returns a memory by id without touching its access counters.
func (s *Store) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	return getMemory(ctx, s.db, id)
}

// Delete removes a memory permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Delete(ctx, id)
	})
}

// Archive moves a memory to the archive area.
func (s *Store) Archive(ctx context.Context, id, reason string) error {
	return s.Update(ctx, func(tx *Tx) error {
		_, err := tx.Archive(ctx, id, reason)
		return err
	})
}

// ListOptions filters maintenance listings.
type ListOptions struct {
	Scope         scope.Filter
	Category      Category
	MinConfidence float64
	OrderBy       string // "confidence" (default), "created_at", "updated_at", "access_count", "last_accessed_at"
	Limit         int    // 0 means no limit
	Offset        int
}

var listOrder = map[string]string{
	"":                 "confidence DESC, created_at DESC",
	"confidence":       "confidence DESC, created_at DESC",
	"created_at":       "created_at DESC",
	"updated_at":       "updated_at DESC",
	"access_count":     "access_count DESC, created_at DESC",
	"last_accessed_at": "COALESCE(last_accessed_at, created_at) DESC",
}

// List returns memories matching opts. It is read-only.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*MemoryRecord, error) {
	order, ok := listOrder[opts.OrderBy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown order %q", ErrInvalidRecord, opts.OrderBy)
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE 1=1`
	var args []any
	if clause, cargs := opts.Scope.SQL("scope"); clause != "" {
		query += " AND " + clause
		args = append(args, cargs...)
	}
	if opts.Category != "" {
		query += " AND category = ?"
		args = append(args, string(opts.Category))
	}
	if opts.MinConfidence > 0 {
		query += " AND confidence >= ?"
		args = append(args, opts.MinConfidence)
	}
	query += " ORDER BY " + order

	// Glob filters are applied after the read, so paging happens in Go.
	pushdown := opts.Scope.Mode() != scope.FilterGlob
	if pushdown && opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	recs, err := s.queryMemories(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("list memories", err)
	}

	if !pushdown {
		filtered := recs[:0]
		for _, m := range recs {
			if opts.Scope.Match(m.Scope.String()) {
				filtered = append(filtered, m)
			}
		}
		recs = page(filtered, opts.Offset, opts.Limit)
	}
	return recs, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ListByScopes returns every memory whose scope is exactly one of scopes.
// It is read-only; callers that present the records must Touch them.
func (s *Store) ListByScopes(ctx context.Context, scopes []scope.Scope) ([]*MemoryRecord, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(scopes))
	args := make([]any, len(scopes))
	for i, sc := range scopes {
		placeholders[i] = "?"
		args[i] = sc.String()
	}
	recs, err := s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE scope IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, wrapDBErr("list memories by scope", err)
	}
	return recs, nil
}

// queryMemories runs a memory query and skips rows that fail to decode.
func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]*MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows)
		if errors.Is(err, ErrCorrupt) {
			s.warn("skipping corrupt memory", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Touch records one access for each id: access_count+1 and
// last_accessed_at=now. Unknown ids are ignored.
func (s *Store) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Update(ctx, func(tx *Tx) error {
		return touch(ctx, tx.tx, ids, s.now())
	})
}

func touch(ctx context.Context, q querier, ids []string, now time.Time) error {
	ts := formatTime(now)
	for _, id := range ids {
		_, err := q.ExecContext(ctx, `
			UPDATE memories
			SET access_count = access_count + 1, last_accessed_at = ?
			WHERE id = ?
		`, ts, id)
		if err != nil {
			return wrapDBErr(fmt.Sprintf("update access for memory %s", id), err)
		}
	}
	return nil
}

// ArchiveStale archives memories whose last use (access, or creation when
// never accessed) is before cutoff. It returns the archived ids.
func (s *Store) ArchiveStale(ctx context.Context, cutoff time.Time, reason string) ([]string, error) {
	var archived []string
	err := s.Update(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx,
			`SELECT id FROM memories WHERE COALESCE(last_accessed_at, created_at) < ? ORDER BY created_at`,
			formatTime(cutoff))
		if err != nil {
			return wrapDBErr("find stale memories", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return wrapDBErr("find stale memories", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrapDBErr("find stale memories", err)
		}

		for _, id := range ids {
			if _, err := tx.Archive(ctx, id, reason); err != nil {
				if errors.Is(err, ErrCorrupt) {
					s.warn("skipping corrupt memory during archival", "id", id, "error", err)
					continue
				}
				return err
			}
			archived = append(archived, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

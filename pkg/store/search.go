package store

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/dan-solli/lore/pkg/scope"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
	// globScanLimit bounds the rows read when a glob filter must be
	// applied after the query.
	globScanLimit = 1000
)

// SearchOptions narrows a full-text search.
type SearchOptions struct {
	Query         string
	Scope         scope.Filter
	Category      Category
	MinConfidence float64
	Limit         int // default 20, max 200
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Memory *MemoryRecord `json:"memory"`
	// Rank is the raw bm25() value: lower means more relevant.
	Rank    float64 `json:"rank"`
	Snippet string  `json:"snippet,omitempty"`
}

// sanitizeFTS turns free text into an FTS5 expression: every word is
// quoted so operators and punctuation in the input are matched literally,
// and words are OR-ed so partial matches still rank.
func sanitizeFTS(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "-")
		if w == "" {
			continue
		}
		quoted = append(quoted, `"`+w+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// Search returns memories ranked by BM25 relevance to the query. Every
// returned memory is touched, and the returned records already reflect the
// new access count. An empty query lists by confidence instead.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	var results []SearchResult
	ftsQuery := sanitizeFTS(opts.Query)
	if ftsQuery == "" {
		recs, err := s.List(ctx, ListOptions{
			Scope:         opts.Scope,
			Category:      opts.Category,
			MinConfidence: opts.MinConfidence,
			Limit:         limit,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range recs {
			results = append(results, SearchResult{Memory: m})
		}
	} else {
		var err error
		results, err = s.searchFTS(ctx, ftsQuery, opts, limit)
		if err != nil {
			return nil, err
		}
	}

	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	if err := s.Touch(ctx, ids); err != nil {
		return nil, err
	}
	now := s.now()
	for _, r := range results {
		r.Memory.AccessCount++
		t := now
		r.Memory.LastAccessedAt = &t
	}
	return results, nil
}

func (s *Store) searchFTS(ctx context.Context, ftsQuery string, opts SearchOptions, limit int) ([]SearchResult, error) {
	query := `
		SELECT ` + prefixed("m") + `, bm25(memories_fts) AS rank,
			snippet(memories_fts, 0, '[', ']', '...', 12)
		FROM memories_fts
		JOIN memories m ON m.seq = memories_fts.rowid
		WHERE memories_fts MATCH ?`
	args := []any{ftsQuery}

	if clause, cargs := opts.Scope.SQL("m.scope"); clause != "" {
		query += " AND " + clause
		args = append(args, cargs...)
	}
	if opts.Category != "" {
		query += " AND m.category = ?"
		args = append(args, string(opts.Category))
	}
	if opts.MinConfidence > 0 {
		query += " AND m.confidence >= ?"
		args = append(args, opts.MinConfidence)
	}

	postFilter := opts.Scope.Mode() == scope.FilterGlob
	query += " ORDER BY rank LIMIT ?"
	if postFilter {
		args = append(args, globScanLimit)
	} else {
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("search memories", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m, err := scanMemory(rows, &r.Rank, &r.Snippet)
		if errors.Is(err, ErrCorrupt) {
			s.warn("skipping corrupt memory", "error", err)
			continue
		}
		if err != nil {
			return nil, wrapDBErr("search memories", err)
		}
		if postFilter && !opts.Scope.Match(m.Scope.String()) {
			continue
		}
		r.Memory = m
		results = append(results, r)
		if len(results) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("search memories", err)
	}
	return results, nil
}

// LexicalRanks scores memories in the given scopes against a query
// without touching them. Values are -bm25, so higher means more relevant.
// Memories that do not match are absent from the map.
func (s *Store) LexicalRanks(ctx context.Context, query string, scopes []scope.Scope) (map[string]float64, error) {
	ftsQuery := sanitizeFTS(query)
	if ftsQuery == "" || len(scopes) == 0 {
		return map[string]float64{}, nil
	}

	placeholders := make([]string, len(scopes))
	args := []any{ftsQuery}
	for i, sc := range scopes {
		placeholders[i] = "?"
		args = append(args, sc.String())
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts)
		FROM memories_fts
		JOIN memories m ON m.seq = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.scope IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return nil, wrapDBErr("rank memories", err)
	}
	defer rows.Close()

	ranks := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, wrapDBErr("rank memories", err)
		}
		ranks[id] = -rank
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("rank memories", err)
	}
	return ranks, nil
}

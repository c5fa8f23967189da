// Package tokens estimates how much of a prompt budget a piece of text uses.
package tokens

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto"
	"github.com/pkoukk/tiktoken-go"
)

// Counter reports the token cost of a text.
type Counter interface {
	Count(text string) int
}

// Heuristic approximates tokens as one per four characters, rounded up.
type Heuristic struct{}

// Count implements Counter.
func (Heuristic) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding (cl100k_base when empty). Loading
// may need network access for the vocabulary, so callers should be ready
// to fall back to Heuristic.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements Counter.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Cached memoizes another Counter. Counts are derived from the text alone,
// so entries never go stale.
type Cached struct {
	inner Counter
	cache *ristretto.Cache
}

// NewCached wraps inner with a bounded cache of roughly maxEntries texts.
func NewCached(inner Counter, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Count implements Counter.
func (c *Cached) Count(text string) int {
	if v, ok := c.cache.Get(text); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	n := c.inner.Count(text)
	c.cache.Set(text, n, 1)
	return n
}

// Close releases the cache goroutines.
func (c *Cached) Close() {
	c.cache.Close()
}

// New builds the counter named by kind ("heuristic" or "tiktoken"),
// falling back to Heuristic when the encoding cannot be loaded. The result
// is wrapped in a cache when cacheEntries is positive.
func New(kind, encoding string, cacheEntries int64, logger *slog.Logger) Counter {
	var counter Counter = Heuristic{}
	if kind == "tiktoken" {
		tk, err := NewTiktoken(encoding)
		if err != nil {
			if logger != nil {
				logger.Warn("token encoding unavailable, using heuristic", "encoding", encoding, "error", err)
			}
		} else {
			counter = tk
		}
	}
	if cacheEntries > 0 {
		cached, err := NewCached(counter, cacheEntries)
		if err == nil {
			return cached
		}
		if logger != nil {
			logger.Warn("token cache unavailable", "error", err)
		}
	}
	return counter
}

// Words splits text into lowercase words. Apostrophes inside a word are
// dropped so "don't" and "dont" compare equal.
func Words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(strings.ReplaceAll(f, "'", ""), "-")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

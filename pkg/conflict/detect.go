// Package conflict finds memories that disagree with or duplicate each
// other and applies resolutions to them.
package conflict

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
	"github.com/dan-solli/lore/pkg/tokens"
)

// Type classifies how two memories conflict.
type Type string

const (
	TypeContradiction Type = "contradiction"
	TypeRedundancy    Type = "redundancy"
	TypeObsolescence  Type = "obsolescence"
)

// Severity ranks how much a conflict can mislead retrieval.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Conflict is a detected pair. A is the older memory. Conflicts are not
// persisted; they are recomputed on every Detect.
type Conflict struct {
	ID             string              `json:"id"`
	A              *store.MemoryRecord `json:"a"`
	B              *store.MemoryRecord `json:"b"`
	Type           Type                `json:"type"`
	Severity       Severity            `json:"severity"`
	Similarity     float64             `json:"similarity"`
	Recommended    Decision            `json:"recommended"`
	AutoResolvable bool                `json:"auto_resolvable"`
	Winner         string              `json:"winner,omitempty"`
	Reason         string              `json:"reason"`
}

// Config holds the detection thresholds and the auto-resolution gaps.
type Config struct {
	RedundancyThreshold  float64       `mapstructure:"redundancy_threshold"`
	ObsolescenceOverlap  float64       `mapstructure:"obsolescence_overlap"`
	SupersessionOverlap  float64       `mapstructure:"supersession_overlap"`
	ContradictionOverlap float64       `mapstructure:"contradiction_overlap"`
	AgeGap               time.Duration `mapstructure:"age_gap"`
	ConfidenceGap        float64       `mapstructure:"confidence_gap"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		RedundancyThreshold:  0.8,
		ObsolescenceOverlap:  0.6,
		SupersessionOverlap:  0.5,
		ContradictionOverlap: 0.5,
		AgeGap:               30 * 24 * time.Hour,
		ConfidenceGap:        0.2,
	}
}

// Engine detects and resolves conflicts in a store.
type Engine struct {
	st     *store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine over st.
func New(st *store.Store, cfg Config) *Engine {
	return &Engine{st: st, cfg: cfg}
}

// WithLogger sets the logger and returns the engine for chaining.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.logger
}

// Detect compares every pair of memories in filter whose scopes are
// comparable and returns the conflicts found, most severe first. A memory
// can appear in several conflicts.
func (e *Engine) Detect(ctx context.Context, filter scope.Filter) ([]Conflict, error) {
	recs, err := e.st.List(ctx, store.ListOptions{Scope: filter, OrderBy: "created_at"})
	if err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
	}

	// Group by the project (or exact scope) so only comparable pairs meet.
	groups := make(map[string][]*store.MemoryRecord)
	for _, m := range recs {
		groups[groupKey(m.Scope)] = append(groups[groupKey(m.Scope)], m)
	}

	var out []Conflict
	for _, group := range groups {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if !comparable(group[i].Scope, group[j].Scope) {
					continue
				}
				if c, ok := e.Classify(group[i], group[j]); ok {
					out = append(out, c)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity.rank() > out[j].Severity.rank()
		}
		return out[i].ID < out[j].ID
	})

	e.log().Debug("conflict detection finished",
		"filter", filter.Pattern(),
		"memories", len(recs),
		"conflicts", len(out))
	return out, nil
}

func groupKey(s scope.Scope) string {
	if p, ok := s.Parent(); ok {
		return p.String()
	}
	return s.String()
}

// comparable reports whether two scopes can hold conflicting guidance:
// the same scope, or a project and one of its tasks.
func comparable(a, b scope.Scope) bool {
	return a.Contains(b) || b.Contains(a)
}

// Classify decides whether two memories conflict. The pair is reordered so
// that A is the older one.
func (e *Engine) Classify(x, y *store.MemoryRecord) (Conflict, bool) {
	a, b := order(x, y)
	fa, fb := analyze(a.Content), analyze(b.Content)

	c := Conflict{
		ID:         a.ID + "+" + b.ID,
		A:          a,
		B:          b,
		Similarity: jaccard(fa.words, fb.words),
	}

	switch {
	case fb.supersedes && jaccard(fa.topic, fb.topic) >= e.cfg.SupersessionOverlap:
		c.Type = TypeObsolescence
		c.Severity = SeverityMedium
		c.Reason = "newer memory states that it replaces older guidance"
	case fa.negated != fb.negated && jaccard(fa.topic, fb.topic) >= e.cfg.ObsolescenceOverlap:
		c.Type = TypeObsolescence
		c.Severity = SeverityMedium
		c.Reason = "newer memory negates the older one"
	default:
		if pair, ok := exclusive(fa.topic, fb.topic, e.cfg.ContradictionOverlap); ok {
			c.Type = TypeContradiction
			c.Severity = SeverityHigh
			c.Reason = fmt.Sprintf("opposing choices %q and %q on the same topic", pair[0], pair[1])
		} else if fa.negated == fb.negated && c.Similarity >= e.cfg.RedundancyThreshold {
			c.Type = TypeRedundancy
			c.Severity = SeverityLow
			c.Reason = "near-duplicate content"
		} else {
			return Conflict{}, false
		}
	}

	e.recommend(&c)
	return c, true
}

// recommend applies the auto-resolution rules. Redundancy and obsolescence
// always go to the newer memory. A contradiction is settled by age when
// the gap exceeds AgeGap, else by confidence when that gap exceeds
// ConfidenceGap; otherwise it needs an outside decision.
func (e *Engine) recommend(c *Conflict) {
	c.Recommended = KeepB()

	switch c.Type {
	case TypeRedundancy, TypeObsolescence:
		c.AutoResolvable = true
	case TypeContradiction:
		age := c.B.CreatedAt.Sub(c.A.CreatedAt)
		diff := c.B.Confidence - c.A.Confidence
		switch {
		case age > e.cfg.AgeGap:
			c.AutoResolvable = true
		case diff > e.cfg.ConfidenceGap:
			c.AutoResolvable = true
		case -diff > e.cfg.ConfidenceGap:
			c.AutoResolvable = true
			c.Recommended = KeepA()
		case c.A.Confidence > c.B.Confidence:
			c.Recommended = KeepA()
		}
	}

	if c.AutoResolvable {
		if c.Recommended.Kind == DecisionKeepA {
			c.Winner = c.A.ID
		} else {
			c.Winner = c.B.ID
		}
	}
}

// order returns the pair oldest first, breaking ties by id.
func order(x, y *store.MemoryRecord) (*store.MemoryRecord, *store.MemoryRecord) {
	if y.CreatedAt.Before(x.CreatedAt) || (y.CreatedAt.Equal(x.CreatedAt) && y.ID < x.ID) {
		return y, x
	}
	return x, y
}

// negations flip the polarity of a statement.
var negations = map[string]bool{
	"not": true, "no": true, "never": true, "dont": true, "doesnt": true,
	"shouldnt": true, "cant": true, "cannot": true, "avoid": true,
	"stop": true, "without": true, "isnt": true, "wont": true,
}

// supersessionMarkers signal that a statement replaces earlier guidance.
var supersessionMarkers = []string{
	"instead of", "no longer", "rather than", "replaced by", "replaces",
	"anymore", "deprecated", "switched to", "switch to", "from now on",
}

// fillers are ignored when comparing topics.
var fillers = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true, "for": true,
	"in": true, "on": true, "and": true, "or": true, "is": true, "are": true,
	"be": true, "it": true, "with": true, "always": true, "should": true,
	"please": true, "we": true, "i": true, "you": true, "by": true, "as": true,
}

// exclusives are choices where picking one rules out the other.
var exclusives = [][2]string{
	{"tabs", "spaces"},
	{"tab", "space"},
	{"single", "double"},
	{"camelcase", "snakecase"},
	{"camelcase", "snake_case"},
	{"sync", "async"},
	{"synchronous", "asynchronous"},
	{"mutable", "immutable"},
	{"enable", "disable"},
	{"enabled", "disabled"},
	{"true", "false"},
	{"before", "after"},
	{"allow", "deny"},
	{"rebase", "merge"},
	{"pointer", "value"},
	{"npm", "yarn"},
	{"2", "4"},
}

type features struct {
	words      map[string]bool
	topic      map[string]bool
	negated    bool
	supersedes bool
}

func analyze(content string) features {
	f := features{words: map[string]bool{}, topic: map[string]bool{}}
	lower := strings.ToLower(content)
	for _, marker := range supersessionMarkers {
		if strings.Contains(lower, marker) {
			f.supersedes = true
			break
		}
	}

	negs := 0
	for _, w := range tokens.Words(content) {
		f.words[w] = true
		if negations[w] {
			negs++
			continue
		}
		if !fillers[w] {
			f.topic[w] = true
		}
	}
	if f.supersedes {
		for _, marker := range supersessionMarkers {
			for _, w := range strings.Fields(marker) {
				delete(f.topic, w)
			}
		}
		// "no longer" is a marker, not a negation.
		if strings.Contains(lower, "no longer") && negs > 0 {
			negs--
		}
	}
	f.negated = negs%2 == 1
	return f
}

// exclusive looks for a mutually exclusive pair split across the two word
// sets while the remaining words overlap by at least minOverlap.
func exclusive(a, b map[string]bool, minOverlap float64) ([2]string, bool) {
	for _, pair := range exclusives {
		for _, p := range [][2]string{pair, {pair[1], pair[0]}} {
			if !a[p[0]] || a[p[1]] || !b[p[1]] || b[p[0]] {
				continue
			}
			ra, rb := without(a, p[0]), without(b, p[1])
			if len(ra) == 0 && len(rb) == 0 {
				return p, true
			}
			if jaccard(ra, rb) >= minOverlap {
				return p, true
			}
		}
	}
	return [2]string{}, false
}

func without(set map[string]bool, word string) map[string]bool {
	out := make(map[string]bool, len(set))
	for w := range set {
		if w != word {
			out[w] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

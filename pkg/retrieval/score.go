package retrieval

import (
	"strings"
	"time"

	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
	"github.com/dan-solli/lore/pkg/tokens"
)

// Weights are the coefficients of the relevance score.
type Weights struct {
	Lexical    float64 `mapstructure:"lexical" json:"lexical"`
	Scope      float64 `mapstructure:"scope" json:"scope"`
	Recency    float64 `mapstructure:"recency" json:"recency"`
	Confidence float64 `mapstructure:"confidence" json:"confidence"`
	Task       float64 `mapstructure:"task" json:"task"`
}

// DefaultWeights returns the stock coefficients.
func DefaultWeights() Weights {
	return Weights{
		Lexical:    0.20,
		Scope:      0.35,
		Recency:    0.20,
		Confidence: 0.30,
		Task:       0.15,
	}
}

// Breakdown holds the individual signals behind a score.
type Breakdown struct {
	Scope      float64 `json:"scope"`
	Recency    float64 `json:"recency"`
	Confidence float64 `json:"confidence"`
	Task       float64 `json:"task"`
	Lexical    float64 `json:"lexical,omitempty"`
}

// Total combines the signals. The lexical term only counts when a query
// was given.
func (b Breakdown) Total(w Weights, withQuery bool) float64 {
	total := w.Scope*b.Scope + w.Recency*b.Recency + w.Confidence*b.Confidence + w.Task*b.Task
	if withQuery {
		total += w.Lexical * b.Lexical
	}
	return total
}

// ScopeAffinity rates how specific a memory's scope is for the context.
// Task beats project beats language beats universal.
func ScopeAffinity(s scope.Scope, c Context) float64 {
	switch s.Kind() {
	case scope.KindTask:
		if s.ProjectName() == c.Project && s.TaskName() == c.Task {
			return 1.0
		}
		return 0
	case scope.KindProject:
		if s.ProjectName() == c.Project {
			return 0.9
		}
		return 0
	case scope.KindLanguage:
		if strings.EqualFold(s.LanguageName(), c.Language) {
			return 0.85
		}
		return 0.2
	default:
		return 0.6
	}
}

// Recency is a step function over days since last use: fresh knowledge
// scores 1.0 and anything untouched for half a year scores 0.2.
func Recency(lastUsed, now time.Time) float64 {
	age := now.Sub(lastUsed)
	day := 24 * time.Hour
	switch {
	case age < 7*day:
		return 1.0
	case age < 30*day:
		return 0.8
	case age < 90*day:
		return 0.6
	case age < 180*day:
		return 0.4
	default:
		return 0.2
	}
}

// taskKeywords maps declared task types to the words that signal a memory
// is about that kind of work.
var taskKeywords = map[string][]string{
	"testing":     {"test", "assert", "mock", "fixture", "coverage", "table-driven", "unit", "integration", "benchmark"},
	"debugging":   {"debug", "bug", "error", "log", "trace", "panic", "stack", "breakpoint", "reproduce", "fix"},
	"refactoring": {"refactor", "rename", "extract", "simplify", "cleanup", "duplicate", "interface", "structure", "split"},
	"feature":     {"implement", "add", "feature", "api", "endpoint", "design", "handler", "new"},
	"review":      {"review", "style", "naming", "readability", "comment", "lint", "convention", "format"},
	"docs":        {"doc", "documentation", "readme", "comment", "example", "godoc", "changelog"},
	"performance": {"performance", "fast", "slow", "allocation", "benchmark", "cache", "latency", "profile", "memory"},
	"security":    {"security", "secret", "token", "auth", "sanitize", "injection", "permission", "credential", "escape"},
}

var taskAliases = map[string]string{
	"test":     "testing",
	"tests":    "testing",
	"debug":    "debugging",
	"bugfix":   "debugging",
	"fix":      "debugging",
	"refactor": "refactoring",
	"doc":      "docs",
	"perf":     "performance",
}

// keywordsFor returns the keyword set of a task type. Unknown types use
// their own words.
func keywordsFor(taskType string) []string {
	t := strings.ToLower(strings.TrimSpace(taskType))
	if alias, ok := taskAliases[t]; ok {
		t = alias
	}
	if kw, ok := taskKeywords[t]; ok {
		return kw
	}
	return tokens.Words(taskType)
}

// TaskAffinity is min(1, matches/2), where matches counts the task
// keywords that appear in the content. A keyword of four or more letters
// also matches words it prefixes ("test" matches "tests").
func TaskAffinity(content, taskType string) float64 {
	if strings.TrimSpace(taskType) == "" {
		return 0
	}
	keywords := keywordsFor(taskType)
	if len(keywords) == 0 {
		return 0
	}
	words := tokens.Words(content)

	matches := 0
	for _, kw := range keywords {
		for _, w := range words {
			if w == kw || (len(kw) >= 4 && strings.HasPrefix(w, kw)) {
				matches++
				break
			}
		}
	}
	affinity := float64(matches) / 2
	if affinity > 1 {
		affinity = 1
	}
	return affinity
}

// Score computes the breakdown of one memory. lexical is the normalized
// text relevance in [0,1], or 0 when no query was given.
func Score(m *store.MemoryRecord, c Context, now time.Time, lexical float64) Breakdown {
	return Breakdown{
		Scope:      ScopeAffinity(m.Scope, c),
		Recency:    Recency(m.LastUsed(), now),
		Confidence: m.Confidence,
		Task:       TaskAffinity(m.Content, c.taskType()),
		Lexical:    lexical,
	}
}

// Package retrieval selects the memories worth injecting at session start
// and fits them into a token budget.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
	"github.com/dan-solli/lore/pkg/tokens"
)

// ErrRetrieval marks every failure returned by the Retriever.
var ErrRetrieval = errors.New("retrieval failed")

// Error is the typed retrieval failure. It matches both ErrRetrieval and
// the underlying store error under errors.Is.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retrieval: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrRetrieval, e.Err}
}

// Context carries the session signals that decide which memories apply.
type Context struct {
	ProjectPath string `json:"project_path,omitempty"`
	Project     string `json:"project,omitempty"`
	Language    string `json:"language,omitempty"`
	Task        string `json:"task,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	Query       string `json:"query,omitempty"`
}

func (c Context) taskType() string {
	if c.TaskType != "" {
		return c.TaskType
	}
	return c.Task
}

// Scopes resolves the exact scopes visible from the context: universal,
// then the language, project and task scopes for the signals present.
// Sub-scopes are never included, so a task memory stays inside its task.
func (c Context) Scopes() []scope.Scope {
	out := []scope.Scope{scope.Universal()}
	if c.Language != "" {
		if l := scope.Language(c.Language); l.Validate() == nil {
			out = append(out, l)
		}
	}
	if c.Project != "" {
		p := scope.Project(c.Project)
		if p.Validate() == nil {
			out = append(out, p)
			if c.Task != "" {
				if t := scope.Task(c.Project, c.Task); t.Validate() == nil {
					out = append(out, t)
				}
			}
		}
	}
	return out
}

// Shares split the budget across tiers. Whatever a tier leaves unused,
// plus the reserve, is spent on the best remaining memories of any tier.
type Shares struct {
	Universal float64 `mapstructure:"universal" json:"universal"`
	Language  float64 `mapstructure:"language" json:"language"`
	Project   float64 `mapstructure:"project" json:"project"`
	Reserve   float64 `mapstructure:"reserve" json:"reserve"`
}

// DefaultShares returns the stock tier split.
func DefaultShares() Shares {
	return Shares{Universal: 0.25, Language: 0.25, Project: 0.35, Reserve: 0.15}
}

func (s Shares) of(t scope.Tier) float64 {
	switch t {
	case scope.TierUniversal:
		return s.Universal
	case scope.TierLanguage:
		return s.Language
	case scope.TierProject:
		return s.Project
	}
	return 0
}

// Config tunes scoring and allocation.
type Config struct {
	Weights  Weights
	Shares   Shares
	MinScore float64
	Now      func() time.Time
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Weights:  DefaultWeights(),
		Shares:   DefaultShares(),
		MinScore: 0.3,
		Now:      time.Now,
	}
}

// Source is the read side of the store the retriever needs.
type Source interface {
	ListByScopes(ctx context.Context, scopes []scope.Scope) ([]*store.MemoryRecord, error)
	LexicalRanks(ctx context.Context, query string, scopes []scope.Scope) (map[string]float64, error)
	Touch(ctx context.Context, ids []string) error
}

// Scored is a memory with its score and token cost.
type Scored struct {
	Memory    *store.MemoryRecord `json:"memory"`
	Score     float64             `json:"score"`
	Tokens    int                 `json:"tokens"`
	Tier      scope.Tier          `json:"tier"`
	Breakdown Breakdown           `json:"breakdown"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Memories   []Scored `json:"memories"`
	TokensUsed int      `json:"tokens_used"`
	Budget     int      `json:"budget"`
	// Candidates counts memories in the visible scopes; BelowThreshold and
	// OverBudget count those dropped by the score floor and the budget.
	Candidates     int `json:"candidates"`
	BelowThreshold int `json:"below_threshold"`
	OverBudget     int `json:"over_budget"`
}

// Contents lists the memory texts in result order.
func (r *Result) Contents() []string {
	out := make([]string, len(r.Memories))
	for i, s := range r.Memories {
		out[i] = s.Memory.Content
	}
	return out
}

// Retriever ranks and budgets memories.
type Retriever struct {
	src     Source
	counter tokens.Counter
	cfg     Config
	logger  *slog.Logger
}

// New creates a Retriever. A nil counter uses the heuristic estimator.
func New(src Source, counter tokens.Counter, cfg Config) *Retriever {
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Retriever{src: src, counter: counter, cfg: cfg}
}

// WithLogger sets the logger and returns the retriever for chaining.
func (r *Retriever) WithLogger(logger *slog.Logger) *Retriever {
	r.logger = logger
	return r
}

// Retrieve returns the best memories for the context whose combined token
// cost is at most budget, ordered by score, and records an access for each.
func (r *Retriever) Retrieve(ctx context.Context, c Context, budget int) (*Result, error) {
	res, err := r.Select(ctx, c, budget)
	if err != nil {
		return nil, err
	}
	if err := r.touch(ctx, res.Memories); err != nil {
		return nil, err
	}
	return res, nil
}

// RetrieveText renders the selection as a Markdown block that itself fits
// the budget, and records an access for each memory shown.
func (r *Retriever) RetrieveText(ctx context.Context, c Context, budget int) (string, *Result, error) {
	res, err := r.Select(ctx, c, budget)
	if err != nil {
		return "", nil, err
	}
	text, shown := Render(res.Memories, r.counter, budget)
	res.Memories = shown
	res.TokensUsed = 0
	for _, s := range shown {
		res.TokensUsed += s.Tokens
	}
	if err := r.touch(ctx, shown); err != nil {
		return "", nil, err
	}
	return text, res, nil
}

func (r *Retriever) touch(ctx context.Context, selected []Scored) error {
	if len(selected) == 0 {
		return nil
	}
	ids := make([]string, len(selected))
	for i, s := range selected {
		ids[i] = s.Memory.ID
	}
	if err := r.src.Touch(ctx, ids); err != nil {
		return &Error{Op: "record access", Err: err}
	}
	now := r.cfg.Now()
	for _, s := range selected {
		s.Memory.AccessCount++
		t := now
		s.Memory.LastAccessedAt = &t
	}
	return nil
}

// Select ranks and budgets without recording access. Only the candidate
// reads hit the store; scoring runs on the in-memory copies.
func (r *Retriever) Select(ctx context.Context, c Context, budget int) (*Result, error) {
	res := &Result{Budget: budget}
	if budget <= 0 {
		return res, nil
	}

	scopes := c.Scopes()
	candidates, err := r.src.ListByScopes(ctx, scopes)
	if err != nil {
		return nil, &Error{Op: "load candidates", Err: err}
	}
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		return res, nil
	}

	withQuery := strings.TrimSpace(c.Query) != ""
	lexical := map[string]float64{}
	if withQuery {
		ranks, err := r.src.LexicalRanks(ctx, c.Query, scopes)
		if err != nil {
			return nil, &Error{Op: "rank candidates", Err: err}
		}
		lexical = normalize(ranks)
	}

	now := r.cfg.Now()
	scored := make([]Scored, 0, len(candidates))
	for _, m := range candidates {
		b := Score(m, c, now, lexical[m.ID])
		total := b.Total(r.cfg.Weights, withQuery)
		if total < r.cfg.MinScore {
			res.BelowThreshold++
			continue
		}
		scored = append(scored, Scored{
			Memory:    m,
			Score:     total,
			Tokens:    r.counter.Count(m.Content),
			Tier:      m.Scope.Tier(),
			Breakdown: b,
		})
	}
	sortByScore(scored)

	res.Memories = allocate(scored, budget, r.cfg.Shares)
	for _, s := range res.Memories {
		res.TokensUsed += s.Tokens
	}
	res.OverBudget = len(scored) - len(res.Memories)

	if r.logger != nil {
		r.logger.Debug("retrieval selected memories",
			"scopes", len(scopes),
			"candidates", res.Candidates,
			"selected", len(res.Memories),
			"below_threshold", res.BelowThreshold,
			"over_budget", res.OverBudget,
			"tokens", res.TokensUsed,
			"budget", budget)
	}
	return res, nil
}

// allocate fills each tier's share greedily by score, skipping memories
// that do not fit, then spends what is left on the best remaining
// memories. The total never exceeds budget.
func allocate(scored []Scored, budget int, shares Shares) []Scored {
	taken := make([]bool, len(scored))
	used := 0

	for _, tier := range []scope.Tier{scope.TierProject, scope.TierLanguage, scope.TierUniversal} {
		sub := int(float64(budget) * shares.of(tier))
		tierUsed := 0
		for i, s := range scored {
			if s.Tier != tier || taken[i] {
				continue
			}
			if tierUsed+s.Tokens > sub || used+s.Tokens > budget {
				continue
			}
			taken[i] = true
			tierUsed += s.Tokens
			used += s.Tokens
		}
	}

	for i, s := range scored {
		if taken[i] || used+s.Tokens > budget {
			continue
		}
		taken[i] = true
		used += s.Tokens
	}

	out := make([]Scored, 0, len(scored))
	for i, s := range scored {
		if taken[i] {
			out = append(out, s)
		}
	}
	return out
}

// normalize scales positive relevance values into [0,1] by the maximum.
func normalize(ranks map[string]float64) map[string]float64 {
	top := 0.0
	for _, v := range ranks {
		if v > top {
			top = v
		}
	}
	out := make(map[string]float64, len(ranks))
	if top <= 0 {
		return out
	}
	for id, v := range ranks {
		if v > 0 {
			out[id] = v / top
		}
	}
	return out
}

// sortByScore orders by score, then confidence, then newest, then id, so
// equal scores still produce a stable order.
func sortByScore(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.Confidence != b.Memory.Confidence {
			return a.Memory.Confidence > b.Memory.Confidence
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
}

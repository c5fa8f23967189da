// Package lore wires the store, retriever, conflict engine and session
// manager into one handle, and records metrics for every operation.
package lore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/lore/pkg/config"
	"github.com/dan-solli/lore/pkg/conflict"
	"github.com/dan-solli/lore/pkg/detect"
	"github.com/dan-solli/lore/pkg/metrics"
	"github.com/dan-solli/lore/pkg/retrieval"
	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/session"
	"github.com/dan-solli/lore/pkg/store"
	"github.com/dan-solli/lore/pkg/tokens"
	"github.com/dan-solli/lore/pkg/trace"
)

// Engine is the entry point for callers of the knowledge store.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	counter   tokens.Counter
	retriever *retrieval.Retriever
	conflicts *conflict.Engine
	sessions  *session.Manager
	metrics   metrics.Collector
	tracer    trace.Exporter
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes Open.
type Option func(*Engine)

// WithLogger sets the logger shared by every component. Nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics collector. The default records nothing.
func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer sets the operation trace exporter, overriding trace.path.
func WithTracer(t trace.Exporter) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Open opens the store named by cfg and builds the components on top of
// it. A nil cfg uses the defaults.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNoopCollector()
	}
	logger := e.log()

	path := cfg.DBPath
	if path == "" && cfg.DataDir != "" {
		path = filepath.Join(cfg.DataDir, "lore.db")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no database path configured", store.ErrStoreUnavailable)
	}
	if e.tracer == nil {
		t, err := trace.NewFileExporter(cfg.Trace.Path,
			trace.WithMaxSize(int64(cfg.Trace.MaxSizeMB)<<20),
			trace.WithMaxFiles(cfg.Trace.MaxFiles))
		if err != nil {
			return nil, err
		}
		e.tracer = t
	}

	st, err := store.Open(ctx, path,
		store.WithArchiveDir(cfg.ArchiveDir),
		store.WithLogger(logger),
		store.WithClock(e.now))
	if err != nil {
		e.tracer.Close()
		return nil, err
	}
	e.store = st

	e.counter = tokens.New(cfg.Tokens.Counter, cfg.Tokens.Encoding, cfg.Tokens.CacheEntries, logger)

	rc := cfg.RetrievalSettings()
	rc.Now = e.now
	e.retriever = retrieval.New(st, e.counter, rc).WithLogger(logger)
	e.conflicts = conflict.New(st, cfg.Conflict).WithLogger(logger)
	e.sessions = session.New(st, cfg.Session.Config).WithLogger(logger)

	logger.Info("lore opened", "db", path, "counter", cfg.Tokens.Counter)
	return e, nil
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.logger
}

func (e *Engine) observe(ctx context.Context, op string, start time.Time, err error) {
	e.observeWith(ctx, op, start, err, nil, nil)
}

// observeWith records the outcome of one operation in the metrics and the
// trace file.
func (e *Engine) observeWith(ctx context.Context, op string, start time.Time, err error, counters map[string]int64, ids map[string][]string) {
	elapsed := time.Since(start)
	rec := &trace.Record{
		Timestamp:  start,
		ID:         uuid.New().String(),
		Operation:  op,
		DurationMs: elapsed.Milliseconds(),
		Status:     "success",
		Counters:   counters,
		IDs:        ids,
	}
	if err != nil {
		rec.Status = "error"
		rec.ErrorClass = ClassifyError(err)
		e.metrics.RecordError(ctx, op, rec.ErrorClass)
	}
	e.metrics.RecordOperation(ctx, op, rec.Status, elapsed)
	if terr := e.tracer.Export(ctx, rec); terr != nil {
		e.log().Debug("trace export failed", "operation", op, "error", terr)
	}
}

func retrievalTrace(res *retrieval.Result, budget int) (map[string]int64, map[string][]string) {
	if res == nil {
		return map[string]int64{"budget": int64(budget)}, nil
	}
	ids := make([]string, len(res.Memories))
	for i, s := range res.Memories {
		ids[i] = s.Memory.ID
	}
	return map[string]int64{
		"budget":          int64(budget),
		"tokens":          int64(res.TokensUsed),
		"selected":        int64(len(res.Memories)),
		"candidates":      int64(res.Candidates),
		"below_threshold": int64(res.BelowThreshold),
		"over_budget":     int64(res.OverBudget),
	}, map[string][]string{"memories": ids}
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Store exposes the underlying store.
func (e *Engine) Store() *store.Store { return e.store }

// Sessions returns the session lifecycle manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Conflicts returns the conflict engine.
func (e *Engine) Conflicts() *conflict.Engine { return e.conflicts }

// Budget resolves a requested budget: non-positive means the configured
// default.
func (e *Engine) Budget(requested int) int {
	if requested > 0 {
		return requested
	}
	return e.cfg.Retrieval.Budget
}

// Context builds a retrieval context for a project directory. When
// detection fails the directory name still serves as the project.
func (e *Engine) Context(projectPath, task, query string) retrieval.Context {
	c := retrieval.Context{ProjectPath: projectPath, Task: task, Query: query}
	if projectPath == "" {
		return c
	}
	info, err := detect.Detect(projectPath)
	if err != nil {
		e.log().Warn("project detection failed", "path", projectPath, "error", err)
		c.Project = detect.ProjectName(projectPath)
		return c
	}
	c.ProjectPath = info.ProjectPath
	c.Project = info.Project
	c.Language = info.Language
	return c
}

// Retrieve returns the best memories for c within budget tokens.
func (e *Engine) Retrieve(ctx context.Context, c retrieval.Context, budget int) (res *retrieval.Result, err error) {
	defer func(start time.Time) {
		counters, ids := retrievalTrace(res, budget)
		e.observeWith(ctx, "retrieve", start, err, counters, ids)
	}(time.Now())

	res, err = e.retriever.Retrieve(ctx, c, budget)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordRetrieval(ctx, len(res.Memories), res.TokensUsed, budget)
	e.log().Debug("retrieved",
		"selected", len(res.Memories),
		"tokens", res.TokensUsed,
		"budget", budget,
		"candidates", res.Candidates)
	return res, nil
}

// RetrieveText renders the injection block for c. It never fails: on a
// store error the block is empty and the failure is logged, so a broken
// store cannot block a session from starting.
func (e *Engine) RetrieveText(ctx context.Context, c retrieval.Context, budget int) string {
	start := time.Now()
	text, res, err := e.retriever.RetrieveText(ctx, c, budget)
	counters, ids := retrievalTrace(res, budget)
	e.observeWith(ctx, "retrieve_text", start, err, counters, ids)
	if err != nil {
		e.log().Warn("retrieval failed, continuing without memories", "error", err)
		return ""
	}
	e.metrics.RecordRetrieval(ctx, len(res.Memories), res.TokensUsed, budget)
	return text
}

// Search runs a full-text query.
func (e *Engine) Search(ctx context.Context, opts store.SearchOptions) (results []store.SearchResult, err error) {
	defer func(start time.Time) { e.observe(ctx, "search", start, err) }(time.Now())
	return e.store.Search(ctx, opts)
}

// Accept writes an approved memory. The record is updated in place with
// the stored id and timestamps.
func (e *Engine) Accept(ctx context.Context, m *store.MemoryRecord) (err error) {
	defer func(start time.Time) { e.observe(ctx, "accept", start, err) }(time.Now())

	if err = e.store.Put(ctx, m); err != nil {
		return err
	}
	e.log().Info("memory accepted", "id", m.ID, "scope", m.Scope.String(), "category", m.Category)
	return nil
}

// Get returns a memory by id.
func (e *Engine) Get(ctx context.Context, id string) (m *store.MemoryRecord, err error) {
	defer func(start time.Time) { e.observe(ctx, "get", start, err) }(time.Now())
	return e.store.Get(ctx, id)
}

// List returns memories matching opts.
func (e *Engine) List(ctx context.Context, opts store.ListOptions) (ms []*store.MemoryRecord, err error) {
	defer func(start time.Time) { e.observe(ctx, "list", start, err) }(time.Now())
	return e.store.List(ctx, opts)
}

// Delete removes a memory permanently.
func (e *Engine) Delete(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { e.observe(ctx, "delete", start, err) }(time.Now())

	if err = e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.log().Info("memory deleted", "id", id)
	return nil
}

// DetectConflicts lists the conflicts among memories matching filter.
func (e *Engine) DetectConflicts(ctx context.Context, filter scope.Filter) (cs []conflict.Conflict, err error) {
	defer func(start time.Time) { e.observe(ctx, "detect_conflicts", start, err) }(time.Now())

	cs, err = e.conflicts.Detect(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, c := range cs {
		e.metrics.RecordConflict(ctx, string(c.Type), "detected")
	}
	return cs, nil
}

// Resolve applies a decision to one conflict.
func (e *Engine) Resolve(ctx context.Context, conflictID string, d conflict.Decision) (out *conflict.Outcome, err error) {
	defer func(start time.Time) {
		e.observeWith(ctx, "resolve", start, err, nil, outcomeIDs(out))
	}(time.Now())

	out, err = e.conflicts.Resolve(ctx, conflictID, d)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordConflict(ctx, "manual", string(d.Kind))
	return out, nil
}

// AutoResolve detects conflicts among memories matching filter and
// applies every automatic resolution. The rest come back as pending.
func (e *Engine) AutoResolve(ctx context.Context, filter scope.Filter) (report *conflict.Report, err error) {
	defer func(start time.Time) {
		var counters map[string]int64
		if report != nil {
			counters = map[string]int64{
				"resolved": int64(len(report.Resolved)),
				"pending":  int64(len(report.Pending)),
				"skipped":  int64(report.Skipped),
			}
		}
		e.observeWith(ctx, "auto_resolve", start, err, counters, nil)
	}(time.Now())

	cs, err := e.conflicts.Detect(ctx, filter)
	if err != nil {
		return nil, err
	}
	types := make(map[string]conflict.Type, len(cs))
	for _, c := range cs {
		types[c.ID] = c.Type
	}

	report, err = e.conflicts.AutoResolve(ctx, cs)
	if report != nil {
		for _, out := range report.Resolved {
			e.metrics.RecordConflict(ctx, string(types[out.ConflictID]), "auto_"+string(out.Decision.Kind))
		}
		for _, c := range report.Pending {
			e.metrics.RecordConflict(ctx, string(c.Type), "pending")
		}
	}
	if err != nil {
		return report, err
	}
	e.log().Info("auto-resolve finished",
		"detected", len(cs),
		"resolved", len(report.Resolved),
		"pending", len(report.Pending),
		"skipped", report.Skipped)
	return report, nil
}

func outcomeIDs(out *conflict.Outcome) map[string][]string {
	if out == nil {
		return nil
	}
	ids := map[string][]string{"conflict": {out.ConflictID}}
	if len(out.Kept) > 0 {
		ids["kept"] = out.Kept
	}
	if len(out.Archived) > 0 {
		ids["archived"] = out.Archived
	}
	if len(out.Deleted) > 0 {
		ids["deleted"] = out.Deleted
	}
	if out.Merged != nil {
		ids["merged"] = []string{out.Merged.ID}
	}
	return ids
}

// ArchiveStale archives memories not used for the given number of days.
// Non-positive days uses the configured maintenance window.
func (e *Engine) ArchiveStale(ctx context.Context, days int) (ids []string, err error) {
	defer func(start time.Time) { e.observe(ctx, "archive_stale", start, err) }(time.Now())

	if days <= 0 {
		days = e.cfg.Maintenance.StaleAfterDays
	}
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	ids, err = e.store.ArchiveStale(ctx, cutoff, fmt.Sprintf("unused for %d days", days))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.log().Info("archived stale memories", "count", len(ids), "days", days)
	}
	return ids, nil
}

// Stats counts stored items and publishes them as storage gauges.
func (e *Engine) Stats(ctx context.Context) (st store.Stats, err error) {
	defer func(start time.Time) { e.observe(ctx, "stats", start, err) }(time.Now())

	st, err = e.store.Stats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	e.metrics.SetStorageCount(ctx, "memories", st.Memories)
	e.metrics.SetStorageCount(ctx, "live_sessions", st.LiveSessions)
	e.metrics.SetStorageCount(ctx, "sessions", st.Sessions)
	e.metrics.SetStorageCount(ctx, "pending_proposals", st.PendingProposals)
	return st, nil
}

// Close releases the token cache, the trace file and the database.
func (e *Engine) Close() error {
	if c, ok := e.counter.(*tokens.Cached); ok {
		c.Close()
	}
	if err := e.tracer.Close(); err != nil {
		e.log().Warn("failed to close trace file", "error", err)
	}
	return e.store.Close()
}

package lore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/lore/pkg/config"
	"github.com/dan-solli/lore/pkg/conflict"
	"github.com/dan-solli/lore/pkg/retrieval"
	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
	"github.com/dan-solli/lore/pkg/trace"
)

// captureHandler is a slog.Handler that keeps records for assertions.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) find(level slog.Level, msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		if r.Level == level && r.Message == msg {
			return true
		}
	}
	return false
}

// recordingCollector keeps every metrics call.
type recordingCollector struct {
	mu         sync.Mutex
	operations map[string]int // "op/status"
	errors     map[string]int // "op/class"
	retrievals int
	conflicts  map[string]int // "type/outcome"
	storage    map[string]int64
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		operations: map[string]int{},
		errors:     map[string]int{},
		conflicts:  map[string]int{},
		storage:    map[string]int64{},
	}
}

func (r *recordingCollector) RecordOperation(_ context.Context, op, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[op+"/"+status]++
}

func (r *recordingCollector) RecordError(_ context.Context, op, class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[op+"/"+class]++
}

func (r *recordingCollector) RecordRetrieval(context.Context, int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrievals++
}

func (r *recordingCollector) RecordConflict(_ context.Context, typ, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[typ+"/"+outcome]++
}

func (r *recordingCollector) SetStorageCount(_ context.Context, typ string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage[typ] = n
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.DataDir, "lore.db")
	return cfg
}

func openEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(context.Background(), testConfig(t), opts...)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func accept(t *testing.T, e *Engine, content string, sc scope.Scope, confidence float64, age time.Duration) *store.MemoryRecord {
	t.Helper()
	m := &store.MemoryRecord{
		Content:    content,
		Category:   store.CategoryPreference,
		Scope:      sc,
		Confidence: confidence,
		CreatedAt:  time.Now().Add(-age),
	}
	if err := e.Accept(context.Background(), m); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	return m
}

func TestWithLogger_NilSafe(t *testing.T) {
	e := openEngine(t, WithLogger(nil))
	ctx := context.Background()

	accept(t, e, "use tabs", scope.Language("go"), 0.9, 0)
	text := e.RetrieveText(ctx, retrieval.Context{Language: "go"}, 100)
	assert.Contains(t, text, "- use tabs")
}

func TestEngine_AcceptRetrieveRecordsMetrics(t *testing.T) {
	rec := newRecordingCollector()
	e := openEngine(t, WithMetrics(rec))
	ctx := context.Background()

	accept(t, e, "use tabs", scope.Language("go"), 0.9, 0)
	accept(t, e, "write tests", scope.Universal(), 0.8, 0)
	accept(t, e, "deploy with make release", scope.Project("bar"), 0.9, 0)

	res, err := e.Retrieve(ctx, retrieval.Context{Language: "go", Project: "foo"}, 1000)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"use tabs", "write tests"}, res.Contents())
	for _, s := range res.Memories {
		assert.EqualValues(t, 1, s.Memory.AccessCount)
	}

	assert.Equal(t, 3, rec.operations["accept/success"])
	assert.Equal(t, 1, rec.operations["retrieve/success"])
	assert.Equal(t, 1, rec.retrievals)
}

func TestEngine_RetrieveTextDegradesOnStoreFailure(t *testing.T) {
	capture := &captureHandler{}
	rec := newRecordingCollector()
	e, err := Open(context.Background(), testConfig(t), WithLogger(slog.New(capture)), WithMetrics(rec))
	require.NoError(t, err)

	accept(t, e, "use tabs", scope.Language("go"), 0.9, 0)
	require.NoError(t, e.Store().Close())

	text := e.RetrieveText(context.Background(), retrieval.Context{Language: "go"}, 100)
	assert.Empty(t, text)
	assert.True(t, capture.find(slog.LevelWarn, "retrieval failed, continuing without memories"))
	assert.Equal(t, 1, rec.operations["retrieve_text/error"])
	assert.Equal(t, 1, rec.errors["retrieve_text/unavailable"])
}

func TestEngine_GetDelete(t *testing.T) {
	rec := newRecordingCollector()
	e := openEngine(t, WithMetrics(rec))
	ctx := context.Background()

	m := accept(t, e, "prefer table-driven tests", scope.Language("go"), 0.7, 0)
	got, err := e.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)

	require.NoError(t, e.Delete(ctx, m.ID))
	_, err = e.Get(ctx, m.ID)
	require.ErrorIs(t, err, store.ErrMemoryNotFound)
	assert.Equal(t, 1, rec.errors["get/not_found"])

	err = e.Delete(ctx, m.ID)
	require.ErrorIs(t, err, store.ErrMemoryNotFound)
}

func TestEngine_AcceptRejectsInvalid(t *testing.T) {
	rec := newRecordingCollector()
	e := openEngine(t, WithMetrics(rec))

	err := e.Accept(context.Background(), &store.MemoryRecord{
		Content:    " ",
		Category:   store.CategoryRule,
		Scope:      scope.Universal(),
		Confidence: 0.5,
	})
	require.ErrorIs(t, err, store.ErrInvalidRecord)
	assert.Equal(t, 1, rec.errors["accept/validation"])
}

func TestEngine_Search(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()

	accept(t, e, "run gofmt before committing", scope.Language("go"), 0.8, 0)
	accept(t, e, "squash commits before merging", scope.Project("foo"), 0.8, 0)

	results, err := e.Search(ctx, store.SearchOptions{Query: "gofmt"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "run gofmt before committing", results[0].Memory.Content)
}

func TestEngine_ConflictsDetectAndAutoResolve(t *testing.T) {
	rec := newRecordingCollector()
	e := openEngine(t, WithMetrics(rec))
	ctx := context.Background()

	old := accept(t, e, "use tabs", scope.Language("go"), 0.9, 60*24*time.Hour)
	newer := accept(t, e, "use spaces", scope.Language("go"), 0.9, 24*time.Hour)

	cs, err := e.DetectConflicts(ctx, scope.MustFilter(""))
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, conflict.TypeContradiction, cs[0].Type)
	assert.Equal(t, 1, rec.conflicts["contradiction/detected"])

	report, err := e.AutoResolve(ctx, scope.MustFilter(""))
	require.NoError(t, err)
	require.Len(t, report.Resolved, 1)
	assert.Equal(t, []string{old.ID}, report.Resolved[0].Archived)
	assert.Equal(t, 1, rec.conflicts["contradiction/auto_keep_b"])

	_, err = e.Get(ctx, newer.ID)
	require.NoError(t, err)
	_, err = e.Get(ctx, old.ID)
	require.ErrorIs(t, err, store.ErrMemoryNotFound)
}

func TestEngine_ResolveManually(t *testing.T) {
	rec := newRecordingCollector()
	e := openEngine(t, WithMetrics(rec))
	ctx := context.Background()

	accept(t, e, "use single quotes", scope.Language("python"), 0.8, 2*24*time.Hour)
	accept(t, e, "use double quotes", scope.Language("python"), 0.8, 24*time.Hour)

	cs, err := e.DetectConflicts(ctx, scope.MustFilter("language:python"))
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.False(t, cs[0].AutoResolvable)

	out, err := e.Resolve(ctx, cs[0].ID, conflict.Merge("use double quotes except in docstrings"))
	require.NoError(t, err)
	require.NotNil(t, out.Merged)
	assert.Equal(t, 1, rec.conflicts["manual/merge"])

	_, err = e.Resolve(ctx, cs[0].ID, conflict.KeepA())
	require.ErrorIs(t, err, conflict.ErrConflictStale)
	assert.Equal(t, 1, rec.errors["resolve/conflict"])
}

func TestEngine_ArchiveStale(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e := openEngine(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	stale := &store.MemoryRecord{
		Content:    "use the legacy build script",
		Category:   store.CategoryRule,
		Scope:      scope.Project("foo"),
		Confidence: 0.6,
		CreatedAt:  now.Add(-400 * 24 * time.Hour),
	}
	require.NoError(t, e.Accept(ctx, stale))
	fresh := accept(t, e, "use make", scope.Project("foo"), 0.6, 0)

	ids, err := e.ArchiveStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	_, err = e.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestEngine_StatsPublishesGauges(t *testing.T) {
	rec := newRecordingCollector()
	e := openEngine(t, WithMetrics(rec))
	ctx := context.Background()

	accept(t, e, "use tabs", scope.Language("go"), 0.9, 0)
	accept(t, e, "write tests", scope.Universal(), 0.9, 0)
	_, err := e.StartSession(ctx, scope.ForProject("foo"), "/src/foo")
	require.NoError(t, err)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Memories)
	assert.EqualValues(t, 1, st.LiveSessions)
	assert.EqualValues(t, 2, rec.storage["memories"])
	assert.EqualValues(t, 1, rec.storage["live_sessions"])
}

func TestEngine_SessionFlushPromotes(t *testing.T) {
	rec := newRecordingCollector()
	e := openEngine(t, WithMetrics(rec))
	ctx := context.Background()
	sc := scope.ForProject("foo")

	_, err := e.StartSession(ctx, sc, "/src/foo")
	require.NoError(t, err)

	_, err = e.StartSession(ctx, sc, "/src/foo")
	require.Error(t, err)
	assert.Equal(t, 1, rec.errors["session_start/conflict"])

	require.NoError(t, e.RecordActivity(ctx, sc, store.ActivityEvent{Kind: store.ActivityTurn}))
	p := &store.Proposal{
		Content:    "run the integration suite with -tags integration",
		Category:   store.CategoryCorrection,
		Scope:      scope.Project("foo"),
		Confidence: 0.9,
	}
	require.NoError(t, e.Propose(ctx, sc, p))

	f, err := e.EndSession(ctx, sc)
	require.NoError(t, err)
	require.Len(t, f.Promoted, 1)

	m, err := e.Get(ctx, f.Promoted[0])
	require.NoError(t, err)
	assert.Equal(t, p.Content, m.Content)

	text := e.RetrieveText(ctx, retrieval.Context{Project: "foo"}, 200)
	assert.True(t, strings.Contains(text, p.Content))
}

func TestEngine_ContextDetectsProject(t *testing.T) {
	e := openEngine(t)
	root := filepath.Join(t.TempDir(), "foo")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Cargo.toml"), []byte("[package]\n"), 0o644))

	c := e.Context(root, "debug", "panic")
	assert.Equal(t, "foo", c.Project)
	assert.Equal(t, "rust", c.Language)
	assert.Equal(t, "debug", c.Task)
	assert.Equal(t, "panic", c.Query)

	missing := e.Context(filepath.Join(root, "gone"), "", "")
	assert.Equal(t, "gone", missing.Project)
	assert.Empty(t, missing.Language)
}

func TestEngine_Budget(t *testing.T) {
	e := openEngine(t)
	assert.Equal(t, 2000, e.Budget(0))
	assert.Equal(t, 300, e.Budget(300))
}

// memoryExporter keeps exported trace records.
type memoryExporter struct {
	mu      sync.Mutex
	records []*trace.Record
}

func (m *memoryExporter) Export(_ context.Context, r *trace.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryExporter) Close() error { return nil }

func TestEngine_TracesOperations(t *testing.T) {
	exp := &memoryExporter{}
	e := openEngine(t, WithTracer(exp))
	ctx := context.Background()

	m := accept(t, e, "use tabs", scope.Language("go"), 0.9, 0)
	_, err := e.Retrieve(ctx, retrieval.Context{Language: "go"}, 100)
	require.NoError(t, err)
	_, err = e.Get(ctx, "missing")
	require.Error(t, err)

	require.Len(t, exp.records, 3)
	retrieve := exp.records[1]
	assert.Equal(t, "retrieve", retrieve.Operation)
	assert.Equal(t, "success", retrieve.Status)
	assert.EqualValues(t, 1, retrieve.Counters["selected"])
	assert.EqualValues(t, 100, retrieve.Counters["budget"])
	assert.Equal(t, []string{m.ID}, retrieve.IDs["memories"])

	failed := exp.records[2]
	assert.Equal(t, "error", failed.Status)
	assert.Equal(t, ErrTypeNotFound, failed.ErrorClass)
}

func TestOpen_WritesTraceFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trace.Path = filepath.Join(cfg.DataDir, "trace.jsonl")
	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	_, err = e.Stats(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	data, err := os.ReadFile(cfg.Trace.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"operation":"stats"`)
}

func TestOpen_NilConfigNeedsNoPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	e, err := Open(context.Background(), nil)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, filepath.Join(os.Getenv("XDG_DATA_HOME"), "lore", "lore.db"), e.Store().Path())
}

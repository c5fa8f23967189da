package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/lore/pkg/archive"
	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openStore(t *testing.T, path string, clk *fakeClock) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), path, store.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeClock) {
	t.Helper()
	clk := newClock()
	st := openStore(t, filepath.Join(t.TempDir(), "lore.db"), clk)
	return New(st, DefaultConfig()), st, clk
}

func proposal(content string, confidence float64) *store.Proposal {
	return &store.Proposal{
		Content:    content,
		Category:   store.CategoryCorrection,
		Scope:      scope.Project("foo"),
		Confidence: confidence,
	}
}

func TestStart_RecoversStaleSessionBeforeStarting(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	path := filepath.Join(t.TempDir(), "lore.db")
	foo := scope.ForProject("foo")

	// The first process starts a session, proposes, and dies.
	first := New(openStore(t, path, clk), DefaultConfig())
	started, err := first.Start(ctx, foo, "/src/foo")
	require.NoError(t, err)
	old := started.Session

	confident := proposal("run make generate after editing protos", 0.9)
	unsure := proposal("maybe prefer short names", 0.5)
	require.NoError(t, first.Propose(ctx, foo, confident))
	require.NoError(t, first.Propose(ctx, foo, unsure))

	clk.Advance(10 * time.Minute)

	// A second process starts in the same scope.
	st := openStore(t, path, clk)
	second := New(st, DefaultConfig())
	started, err = second.Start(ctx, foo, "/src/foo")
	require.NoError(t, err)
	require.Len(t, started.Recovered, 1)

	rec := started.Recovered[0]
	assert.Equal(t, old.ID, rec.SessionID)
	assert.Equal(t, []string{confident.ID}, rec.Promoted)
	assert.Equal(t, []string{unsure.ID}, rec.Archived)

	prev, err := st.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionEnded, prev.Status)
	require.NotNil(t, prev.EndedAt)

	mem, err := st.Get(ctx, confident.ID)
	require.NoError(t, err)
	assert.Equal(t, confident.Content, mem.Content)
	assert.Equal(t, "project:foo", mem.Scope.String())

	assert.True(t, st.ArchiveArea().Exists(archive.KindProposal, unsure.ID))
	assert.True(t, st.ArchiveArea().Exists(archive.KindSession, old.ID))

	assert.NotEqual(t, old.ID, started.Session.ID)
	assert.Equal(t, store.SessionActive, started.Session.Status)
	live, err := st.ListSessions(ctx, 0, store.SessionActive, store.SessionIdle)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, started.Session.ID, live[0].ID)
}

func TestStart_RejectsFreshSession(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, scope.ForProject("foo"), "")
	require.NoError(t, err)

	clk.Advance(4 * time.Minute)
	_, err = m.Start(ctx, scope.ForProject("foo"), "")
	assert.ErrorIs(t, err, ErrSessionActive)

	// Other scopes are independent.
	_, err = m.Start(ctx, scope.Global, "")
	require.NoError(t, err)
	_, err = m.Start(ctx, scope.ForProject("bar"), "")
	require.NoError(t, err)

	_, err = m.Start(ctx, scope.SessionScope("language:go"), "")
	assert.ErrorIs(t, err, scope.ErrInvalidScope)
}

func TestStart_ConcurrentHandlesGetOneSession(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	path := filepath.Join(t.TempDir(), "lore.db")
	managers := []*Manager{
		New(openStore(t, path, clk), DefaultConfig()),
		New(openStore(t, path, clk), DefaultConfig()),
		New(openStore(t, path, clk), DefaultConfig()),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(managers))
	for i, m := range managers {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			_, errs[i] = m.Start(ctx, scope.ForProject("foo"), "")
		}(i, m)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrSessionActive)
	}
	assert.Equal(t, 1, ok)
}

func TestStart_RecoversDuplicateLiveRows(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()

	// Simulate data written before the live-session index existed.
	_, err := st.DB().ExecContext(ctx, `DROP INDEX idx_sessions_live_scope`)
	require.NoError(t, err)
	now := clk.Now()
	for _, id := range []string{"legacy-1", "legacy-2"} {
		require.NoError(t, st.Update(ctx, func(tx *store.Tx) error {
			return tx.InsertSession(ctx, &store.SessionRecord{
				ID: id, Scope: scope.Global, Status: store.SessionActive,
				CreatedAt: now, LastActivity: now,
			})
		}))
		clk.Advance(time.Second)
	}
	clk.Advance(6 * time.Minute)

	started, err := m.Start(ctx, scope.Global, "")
	require.NoError(t, err)
	assert.Len(t, started.Recovered, 2)

	live, err := st.ListSessions(ctx, 0, store.SessionActive, store.SessionIdle)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, started.Session.ID, live[0].ID)
}

func TestRecover_Idempotent(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()
	foo := scope.ForProject("foo")

	started, err := m.Start(ctx, foo, "")
	require.NoError(t, err)
	id := started.Session.ID
	require.NoError(t, m.Propose(ctx, foo, proposal("pin the linter version", 0.85)))
	require.NoError(t, m.Propose(ctx, foo, proposal("maybe squash commits", 0.4)))

	_, err = m.Recover(ctx, id)
	assert.ErrorIs(t, err, ErrSessionActive, "fresh sessions are not recovered")

	clk.Advance(10 * time.Minute)
	first, err := m.Recover(ctx, id)
	require.NoError(t, err)
	assert.Len(t, first.Promoted, 1)
	assert.Len(t, first.Archived, 1)

	snapshot := func() (store.Stats, *store.SessionRecord, []*store.Proposal, []*archive.Entry) {
		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		sess, err := st.GetSession(ctx, id)
		require.NoError(t, err)
		props, err := st.ListProposals(ctx, id, "")
		require.NoError(t, err)
		entries, err := st.ArchiveArea().List(ctx, archive.KindProposal)
		require.NoError(t, err)
		return stats, sess, props, entries
	}
	stats1, sess1, props1, arch1 := snapshot()

	clk.Advance(time.Hour)
	second, err := m.Recover(ctx, id)
	require.NoError(t, err)
	assert.True(t, second.Already)

	stats2, sess2, props2, arch2 := snapshot()
	assert.Equal(t, stats1, stats2)
	assert.Equal(t, sess1, sess2)
	assert.Equal(t, props1, props2)
	assert.Equal(t, arch1, arch2)

	_, err = m.Recover(ctx, "no-such-session")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDiscard_ArchivesEverything(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()
	foo := scope.ForProject("foo")

	started, err := m.Start(ctx, foo, "")
	require.NoError(t, err)
	p := proposal("pin the linter version", 0.95)
	require.NoError(t, m.Propose(ctx, foo, p))

	clk.Advance(10 * time.Minute)
	f, err := m.Discard(ctx, started.Session.ID)
	require.NoError(t, err)
	assert.Empty(t, f.Promoted)
	assert.Equal(t, []string{p.ID}, f.Archived)

	_, err = st.Get(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnd_IdempotentAndKeepsUnsureProposals(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	foo := scope.ForProject("foo")

	f, err := m.End(ctx, foo)
	require.NoError(t, err)
	assert.Nil(t, f, "ending an absent session is a no-op")

	started, err := m.Start(ctx, foo, "/src/foo")
	require.NoError(t, err)
	sure := proposal("run go generate before building", 0.8)
	unsure := proposal("maybe use table tests", 0.6)
	require.NoError(t, m.Propose(ctx, foo, sure))
	require.NoError(t, m.Propose(ctx, foo, unsure))
	require.NoError(t, m.Activity(ctx, foo, store.ActivityEvent{Kind: store.ActivityTool, Detail: "go test"}))

	f, err = m.End(ctx, foo)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []string{sure.ID}, f.Promoted)
	assert.Equal(t, []string{unsure.ID}, f.Pending)

	pending, err := m.Proposals(ctx, started.Session.ID, store.ProposalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, unsure.ID, pending[0].ID)

	entry, err := st.ArchiveArea().Read(ctx, archive.KindSession, started.Session.ID)
	require.NoError(t, err)
	assert.Contains(t, entry.Content, "tool go test")
	assert.Equal(t, "ended", entry.Meta.Status)

	f, err = m.End(ctx, foo)
	require.NoError(t, err)
	assert.Nil(t, f)

	_, err = m.Current(ctx, foo)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = m.Start(ctx, foo, "")
	require.NoError(t, err, "the slot is free after End")
}

func TestActivity(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	foo := scope.ForProject("foo")

	err := m.Activity(ctx, foo, store.ActivityEvent{Kind: store.ActivityTurn})
	assert.ErrorIs(t, err, ErrNoActiveSession)
	err = m.Propose(ctx, foo, proposal("x", 0.9))
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = m.Start(ctx, foo, "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		require.NoError(t, m.Activity(ctx, foo, store.ActivityEvent{Kind: store.ActivityTurn}))
	}
	require.NoError(t, m.Activity(ctx, foo, store.ActivityEvent{Kind: store.ActivityFile, Detail: "main.go"}))

	cur, err := m.Current(ctx, foo)
	require.NoError(t, err)
	assert.Equal(t, 3, cur.TurnCount)
	assert.True(t, cur.LastActivity.Equal(clk.Now()))

	err = m.Propose(ctx, foo, &store.Proposal{Content: "", Category: store.CategoryRule})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestCheckIdle(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()
	foo := scope.ForProject("foo")

	started, err := m.Start(ctx, foo, "")
	require.NoError(t, err)
	id := started.Session.ID
	require.NoError(t, m.Propose(ctx, foo, proposal("vendor nothing", 0.9)))

	clk.Advance(5 * time.Minute)
	report, err := m.CheckIdle(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Idled)
	assert.Empty(t, report.Ended)

	clk.Advance(6 * time.Minute)
	report, err = m.CheckIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Idled)

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, sess.Status)

	// Activity wakes an idle session.
	require.NoError(t, m.Activity(ctx, foo, store.ActivityEvent{Kind: store.ActivityTurn}))
	sess, err = st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, sess.Status)

	clk.Advance(31 * time.Minute)
	report, err = m.CheckIdle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Ended, 1)
	assert.Equal(t, id, report.Ended[0].SessionID)
	assert.Len(t, report.Ended[0].Promoted, 1)

	sess, err = st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SessionEnded, sess.Status)
}

func TestWatch_EndsTimedOutSessions(t *testing.T) {
	m, st, clk := newTestManager(t)
	foo := scope.ForProject("foo")

	started, err := m.Start(context.Background(), foo, "")
	require.NoError(t, err)
	clk.Advance(45 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		sess, err := st.GetSession(context.Background(), started.Session.ID)
		return err == nil && sess.Status == store.SessionEnded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

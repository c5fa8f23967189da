package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_ReadBack(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &Entry{
		Meta: Meta{
			ID:         "m1",
			Kind:       KindMemory,
			Reason:     "superseded",
			Scope:      "project:hydra",
			Category:   "rule",
			Confidence: 0.75,
			CreatedAt:  created,
			Modes:      map[string]int{"debug": 2},
		},
		Content: "always run the linter",
	}
	require.NoError(t, a.Write(ctx, e))

	got, err := a.Read(ctx, KindMemory, "m1")
	require.NoError(t, err)
	assert.Equal(t, "always run the linter", got.Content)
	assert.Equal(t, "superseded", got.Meta.Reason)
	assert.Equal(t, "project:hydra", got.Meta.Scope)
	assert.Equal(t, 0.75, got.Meta.Confidence)
	assert.True(t, created.Equal(got.Meta.CreatedAt))
	assert.Equal(t, 2, got.Meta.Modes["debug"])
	assert.False(t, got.Meta.ArchivedAt.IsZero())
}

func TestWrite_IsWriteOnce(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first := &Entry{Meta: Meta{ID: "s1", Kind: KindSession, Status: "crashed"}, Content: "first"}
	second := &Entry{Meta: Meta{ID: "s1", Kind: KindSession, Status: "ended"}, Content: "second"}

	require.NoError(t, a.Write(ctx, first))
	assert.ErrorIs(t, a.Write(ctx, second), ErrAlreadyExists)

	got, err := a.Read(ctx, KindSession, "s1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)
	assert.Equal(t, "crashed", got.Meta.Status)

	matches, err := filepath.Glob(filepath.Join(a.Dir(), string(KindSession), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must be cleaned up")
}

func TestRead_NotFound(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = a.Read(context.Background(), KindMemory, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, a.Exists(KindMemory, "missing"))
}

func TestWrite_RejectsTraversal(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	err = a.Write(context.Background(), &Entry{Meta: Meta{ID: "../escape", Kind: KindMemory}})
	assert.Error(t, err)

	err = a.Write(context.Background(), &Entry{Meta: Meta{ID: "x", Kind: "bogus"}})
	assert.Error(t, err)
}

func TestList_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, &Entry{Meta: Meta{ID: "p1", Kind: KindProposal}, Content: "ok"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(KindProposal), "bad.md"), []byte("no front matter"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(KindProposal), "notes.txt"), []byte("ignored"), 0o600))

	entries, err := a.List(ctx, KindProposal)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p1", entries[0].Meta.ID)
}

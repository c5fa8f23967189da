package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristic_Count(t *testing.T) {
	h := Heuristic{}
	assert.Equal(t, 0, h.Count(""))
	assert.Equal(t, 1, h.Count("a"))
	assert.Equal(t, 1, h.Count("abcd"))
	assert.Equal(t, 2, h.Count("abcde"))
	// Runes, not bytes.
	assert.Equal(t, 1, h.Count("日本語"))
}

type countingCounter struct {
	calls int
}

func (c *countingCounter) Count(text string) int {
	c.calls++
	return len(text)
}

func TestCached_DelegatesAndMemoizes(t *testing.T) {
	inner := &countingCounter{}
	c, err := NewCached(inner, 100)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 5, c.Count("hello"))
	c.cache.Wait()
	assert.Equal(t, 5, c.Count("hello"))
	assert.LessOrEqual(t, inner.calls, 2)
	assert.GreaterOrEqual(t, inner.calls, 1)
}

func TestNew_FallsBackToHeuristic(t *testing.T) {
	c := New("heuristic", "", 0, nil)
	_, ok := c.(Heuristic)
	assert.True(t, ok)

	c = New("tiktoken", "no-such-encoding", 0, nil)
	_, ok = c.(Heuristic)
	assert.True(t, ok, "unknown encodings fall back to the heuristic")
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"use", "tabs"}, Words("Use TABS!"))
	assert.Equal(t, []string{"dont", "use", "panic"}, Words("Don't use panic()."))
	assert.Equal(t, []string{"table-driven", "tests"}, Words("table-driven tests"))
	assert.Empty(t, Words("  ...  "))
}

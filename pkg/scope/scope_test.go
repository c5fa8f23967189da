package scope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RoundTrip(t *testing.T) {
	cases := []struct {
		raw  string
		kind Kind
		tier Tier
	}{
		{"universal", KindUniversal, TierUniversal},
		{"language:go", KindLanguage, TierLanguage},
		{"project:hydra", KindProject, TierProject},
		{"project:hydra:task:review", KindTask, TierProject},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			s, err := Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, s.Kind())
			assert.Equal(t, tc.tier, s.Tier())
			assert.Equal(t, tc.raw, s.String())
		})
	}
}

func TestParse_LowercasesLanguage(t *testing.T) {
	s, err := Parse("language:Go")
	require.NoError(t, err)
	assert.Equal(t, "language:go", s.String())
}

func TestParse_Rejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"global",
		"language:",
		"project:",
		"project:a:b",
		"project:a:task:",
		"team:x",
		"project:a b",
	} {
		_, err := Parse(raw)
		if !errors.Is(err, ErrInvalidScope) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidScope", raw, err)
		}
	}
}

func TestScope_ContainsAndParent(t *testing.T) {
	proj := Project("hydra")
	task := Task("hydra", "review")

	assert.True(t, proj.Contains(task))
	assert.True(t, proj.Contains(proj))
	assert.False(t, task.Contains(proj))
	assert.False(t, Project("hydrant").Contains(task))

	parent, ok := task.Parent()
	require.True(t, ok)
	assert.Equal(t, proj, parent)

	_, ok = proj.Parent()
	assert.False(t, ok)
}

func TestFilter_PrefixDoesNotLeakAcrossNames(t *testing.T) {
	f := MustFilter("project:hydra*")
	assert.Equal(t, FilterPrefix, f.Mode())

	assert.True(t, f.Match("project:hydra"))
	assert.True(t, f.Match("project:hydra:task:review"))
	assert.False(t, f.Match("project:hydrant"))
	assert.False(t, f.Match("universal"))

	clause, args := f.SQL("scope")
	assert.Equal(t, `(scope = ? OR scope LIKE ? ESCAPE '\')`, clause)
	assert.Equal(t, []any{"project:hydra", "project:hydra:%"}, args)
}

func TestFilter_KindPrefix(t *testing.T) {
	f := MustFilter("language:*")
	assert.True(t, f.Match("language:go"))
	assert.False(t, f.Match("project:go"))
}

func TestFilter_Glob(t *testing.T) {
	f := MustFilter("project:*:task:review")
	assert.Equal(t, FilterGlob, f.Mode())
	assert.True(t, f.Match("project:hydra:task:review"))
	assert.False(t, f.Match("project:hydra:task:deploy"))

	clause, _ := f.SQL("scope")
	assert.Empty(t, clause)

	alt := MustFilter("language:{go,rust}")
	assert.True(t, alt.Match("language:rust"))
	assert.False(t, alt.Match("language:python"))
}

func TestFilter_ExactAndAll(t *testing.T) {
	exact := Exact(Project("hydra"))
	assert.True(t, exact.Match("project:hydra"))
	assert.False(t, exact.Match("project:hydra:task:x"))

	all := MustFilter("")
	assert.True(t, all.Match("anything"))
	clause, _ := all.SQL("scope")
	assert.Empty(t, clause)
}

func TestParseSession(t *testing.T) {
	s, err := ParseSession("project:foo")
	require.NoError(t, err)
	assert.Equal(t, Project("foo"), s.Memory())

	g, err := ParseSession("global")
	require.NoError(t, err)
	assert.Equal(t, Universal(), g.Memory())

	_, err = ParseSession("language:go")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

package scope

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// FilterMode describes how a Filter matches scope strings.
type FilterMode int

const (
	FilterAll FilterMode = iota
	FilterExact
	FilterPrefix
	FilterGlob
)

// Filter selects memories by scope string.
//
// An empty pattern matches everything. "project:hydra*" matches the project
// and every scope nested under it, but not "project:hydrant". Patterns with
// other glob metacharacters are compiled with ':' as the separator, so
// "project:*:task:review" matches the review task of any project. Anything
// else is an exact match.
type Filter struct {
	pattern string
	mode    FilterMode
	base    string
	g       glob.Glob
}

// NewFilter compiles a scope filter pattern.
func NewFilter(pattern string) (Filter, error) {
	pattern = strings.TrimSpace(pattern)
	f := Filter{pattern: pattern}

	switch {
	case pattern == "" || pattern == "*":
		f.mode = FilterAll
	case strings.HasSuffix(pattern, "*") && !strings.ContainsAny(strings.TrimSuffix(pattern, "*"), "*?[{"):
		f.mode = FilterPrefix
		f.base = strings.TrimSuffix(pattern, "*")
	case strings.ContainsAny(pattern, "*?[{"):
		g, err := glob.Compile(pattern, ':')
		if err != nil {
			return Filter{}, fmt.Errorf("%w: bad filter pattern %q: %v", ErrInvalidScope, pattern, err)
		}
		f.mode = FilterGlob
		f.g = g
	default:
		f.mode = FilterExact
		f.base = pattern
	}
	return f, nil
}

// MustFilter is NewFilter for literals known to be valid.
func MustFilter(pattern string) Filter {
	f, err := NewFilter(pattern)
	if err != nil {
		panic(err)
	}
	return f
}

// Exact returns a filter that matches one scope only.
func Exact(s Scope) Filter {
	return Filter{pattern: s.String(), mode: FilterExact, base: s.String()}
}

// Mode reports how the filter matches.
func (f Filter) Mode() FilterMode { return f.mode }

// Pattern returns the source pattern.
func (f Filter) Pattern() string { return f.pattern }

// Match reports whether the scope string satisfies the filter.
func (f Filter) Match(raw string) bool {
	switch f.mode {
	case FilterAll:
		return true
	case FilterExact:
		return raw == f.base
	case FilterPrefix:
		if raw == f.base {
			return true
		}
		// "language:" style bases already end in the separator.
		if strings.HasSuffix(f.base, ":") {
			return strings.HasPrefix(raw, f.base)
		}
		return strings.HasPrefix(raw, f.base+":")
	case FilterGlob:
		return f.g.Match(raw)
	}
	return false
}

// SQL returns a WHERE fragment for the named column that narrows rows the
// same way Match does. Glob filters cannot be pushed down and return an
// empty clause; callers must apply Match to the rows they read.
func (f Filter) SQL(column string) (string, []any) {
	switch f.mode {
	case FilterExact:
		return column + " = ?", []any{f.base}
	case FilterPrefix:
		prefix := f.base
		if !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		return "(" + column + " = ? OR " + column + ` LIKE ? ESCAPE '\')`, []any{f.base, escapeLike(prefix) + "%"}
	default:
		return "", nil
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

// SessionScope is the scope a session is opened in: global or a project.
type SessionScope string

// Global is the session scope used outside any project.
const Global SessionScope = "global"

// ForProject returns the session scope of a project.
func ForProject(name string) SessionScope {
	return SessionScope("project:" + strings.TrimSpace(name))
}

// ParseSession validates a session scope string.
func ParseSession(raw string) (SessionScope, error) {
	raw = strings.TrimSpace(raw)
	if raw == string(Global) {
		return Global, nil
	}
	name, ok := strings.CutPrefix(raw, "project:")
	if !ok {
		return "", fmt.Errorf("%w: session scope %q must be global or project:<name>", ErrInvalidScope, raw)
	}
	if err := validName("project", name); err != nil {
		return "", err
	}
	return SessionScope(raw), nil
}

// Memory returns the memory scope learning output from the session lands in.
func (s SessionScope) Memory() Scope {
	if name, ok := strings.CutPrefix(string(s), "project:"); ok {
		return Project(name)
	}
	return Universal()
}

func (s SessionScope) String() string { return string(s) }

// Package scope defines the hierarchical scopes memories are attached to.
package scope

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidScope is returned when a scope string does not follow the grammar.
var ErrInvalidScope = errors.New("invalid scope")

// Kind identifies the level of a scope in the hierarchy.
type Kind int

const (
	KindUniversal Kind = iota
	KindLanguage
	KindProject
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindUniversal:
		return "universal"
	case KindLanguage:
		return "language"
	case KindProject:
		return "project"
	case KindTask:
		return "task"
	default:
		return "unknown"
	}
}

// Tier is the retrieval budget bucket a scope belongs to.
// Task scopes share the project tier.
type Tier string

const (
	TierUniversal Tier = "universal"
	TierLanguage  Tier = "language"
	TierProject   Tier = "project"
)

// Scope is a tagged variant over the four scope kinds. The zero value is
// the universal scope. Use the constructors or Parse to build one.
type Scope struct {
	kind     Kind
	language string
	project  string
	task     string
}

// Universal returns the scope that applies everywhere.
func Universal() Scope { return Scope{kind: KindUniversal} }

// Language returns the scope for a programming language.
func Language(name string) Scope {
	return Scope{kind: KindLanguage, language: strings.ToLower(strings.TrimSpace(name))}
}

// Project returns the scope for a named project.
func Project(name string) Scope {
	return Scope{kind: KindProject, project: strings.TrimSpace(name)}
}

// Task returns the scope for a task inside a project.
func Task(project, task string) Scope {
	return Scope{kind: KindTask, project: strings.TrimSpace(project), task: strings.TrimSpace(task)}
}

// Kind reports the variant.
func (s Scope) Kind() Kind { return s.kind }

// LanguageName is set for language scopes only.
func (s Scope) LanguageName() string { return s.language }

// ProjectName is set for project and task scopes.
func (s Scope) ProjectName() string { return s.project }

// TaskName is set for task scopes only.
func (s Scope) TaskName() string { return s.task }

// Tier returns the retrieval bucket for the scope.
func (s Scope) Tier() Tier {
	switch s.kind {
	case KindLanguage:
		return TierLanguage
	case KindProject, KindTask:
		return TierProject
	default:
		return TierUniversal
	}
}

// Parent returns the enclosing project scope of a task scope. Other kinds
// have no parent and return false.
func (s Scope) Parent() (Scope, bool) {
	if s.kind == KindTask {
		return Project(s.project), true
	}
	return Scope{}, false
}

// Contains reports whether other equals s or is nested inside it.
func (s Scope) Contains(other Scope) bool {
	if s == other {
		return true
	}
	return s.kind == KindProject && other.kind == KindTask && other.project == s.project
}

// Specificity orders scopes from general (0) to specific (3).
func (s Scope) Specificity() int { return int(s.kind) }

// String renders the storage form of the scope.
func (s Scope) String() string {
	switch s.kind {
	case KindLanguage:
		return "language:" + s.language
	case KindProject:
		return "project:" + s.project
	case KindTask:
		return "project:" + s.project + ":task:" + s.task
	default:
		return "universal"
	}
}

// Validate checks the names carried by the scope.
func (s Scope) Validate() error {
	switch s.kind {
	case KindUniversal:
		return nil
	case KindLanguage:
		return validName("language", s.language)
	case KindProject:
		return validName("project", s.project)
	case KindTask:
		if err := validName("project", s.project); err != nil {
			return err
		}
		return validName("task", s.task)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidScope, s.kind)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Parse reads the storage form of a scope.
//
//	universal
//	language:<lang>
//	project:<name>
//	project:<name>:task:<task>
func Parse(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "universal" {
		return Universal(), nil
	}

	parts := strings.Split(raw, ":")
	var s Scope
	switch {
	case len(parts) == 2 && parts[0] == "language":
		s = Language(parts[1])
	case len(parts) == 2 && parts[0] == "project":
		s = Project(parts[1])
	case len(parts) == 4 && parts[0] == "project" && parts[2] == "task":
		s = Task(parts[1], parts[3])
	default:
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}

	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Scope {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func validName(field, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name cannot be empty", ErrInvalidScope, field)
	}
	for _, r := range name {
		if r == ':' || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %s name %q must not contain ':' or whitespace", ErrInvalidScope, field, name)
		}
	}
	return nil
}

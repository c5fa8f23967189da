// Package archive keeps retired memories, sessions and proposals as
// write-once Markdown files with YAML front matter.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("archive: entry not found")
	ErrAlreadyExists = errors.New("archive: entry already exists")
)

// Kind selects the sub-directory an entry is filed under.
type Kind string

const (
	KindMemory   Kind = "memories"
	KindSession  Kind = "sessions"
	KindProposal Kind = "proposals"
)

var kinds = []Kind{KindMemory, KindSession, KindProposal}

// Meta is the front matter of an archived entry. Fields that do not apply
// to the entry kind are left empty.
type Meta struct {
	ID         string    `yaml:"id"`
	Kind       Kind      `yaml:"kind"`
	Reason     string    `yaml:"reason,omitempty"`
	ArchivedAt time.Time `yaml:"archived_at"`

	Scope      string         `yaml:"scope,omitempty"`
	Category   string         `yaml:"category,omitempty"`
	Confidence float64        `yaml:"confidence,omitempty"`
	Priority   int            `yaml:"priority,omitempty"`
	CreatedAt  time.Time      `yaml:"created_at,omitempty"`
	UpdatedAt  time.Time      `yaml:"updated_at,omitempty"`
	Accessed   int64          `yaml:"access_count,omitempty"`
	Modes      map[string]int `yaml:"modes,omitempty"`

	SessionID   string    `yaml:"session_id,omitempty"`
	Status      string    `yaml:"status,omitempty"`
	ProjectPath string    `yaml:"project_path,omitempty"`
	TurnCount   int       `yaml:"turn_count,omitempty"`
	EndedAt     time.Time `yaml:"ended_at,omitempty"`
}

// Entry is one archived item. Content is the memory text, or the activity
// log for sessions.
type Entry struct {
	Meta    Meta
	Content string
}

// Archive is a directory tree of archived entries. Safe for concurrent use
// across goroutines and processes: writes are atomic renames and never
// replace an existing file.
type Archive struct {
	dir string
}

// New creates the archive tree under dir.
func New(dir string) (*Archive, error) {
	for _, k := range kinds {
		if err := os.MkdirAll(filepath.Join(dir, string(k)), 0o750); err != nil {
			return nil, fmt.Errorf("archive: init directory %s: %w", dir, err)
		}
	}
	return &Archive{dir: dir}, nil
}

// Dir returns the archive root.
func (a *Archive) Dir() string { return a.dir }

func (a *Archive) pathFor(kind Kind, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("archive: invalid id (empty)")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("archive: invalid id %q", id)
	}
	switch kind {
	case KindMemory, KindSession, KindProposal:
	default:
		return "", fmt.Errorf("archive: unknown kind %q", kind)
	}
	return filepath.Join(a.dir, string(kind), id+".md"), nil
}

// Write stores an entry once. A second write of the same id returns
// ErrAlreadyExists and leaves the first file untouched.
func (a *Archive) Write(_ context.Context, e *Entry) error {
	if e.Meta.ArchivedAt.IsZero() {
		e.Meta.ArchivedAt = time.Now().UTC()
	}
	path, err := a.pathFor(e.Meta.Kind, e.Meta.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return ErrAlreadyExists
	}

	b, err := Serialize(e)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), e.Meta.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("archive: close temp file: %w", err)
	}

	// Link fails if another writer got there first, so the earliest copy wins.
	if err := os.Link(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyExists
		}
		// Filesystems without hard links fall back to rename.
		if err := os.Rename(tmpName, path); err != nil {
			return fmt.Errorf("archive: atomic rename %s: %w", path, err)
		}
		return nil
	}
	_ = os.Remove(tmpName)
	return nil
}

// Read loads an entry by kind and id.
func (a *Archive) Read(_ context.Context, kind Kind, id string) (*Entry, error) {
	path, err := a.pathFor(kind, id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", path, err)
	}
	return Parse(b)
}

// Exists reports whether an entry has been written.
func (a *Archive) Exists(kind Kind, id string) bool {
	path, err := a.pathFor(kind, id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// List returns every readable entry of a kind, oldest archive first.
// Corrupt or unreadable files are skipped.
func (a *Archive) List(_ context.Context, kind Kind) ([]*Entry, error) {
	dir := filepath.Join(a.dir, string(kind))
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: list %s: %w", dir, err)
	}

	var out []*Entry
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".md" {
			continue
		}
		filePath := filepath.Join(dir, de.Name())
		b, err := os.ReadFile(filePath)
		if err != nil {
			slog.Debug("archive: skipping unreadable file", "path", filePath, "err", err)
			continue
		}
		e, err := Parse(b)
		if err != nil {
			slog.Debug("archive: skipping corrupt file", "path", filePath, "err", err)
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta.ArchivedAt.Before(out[j].Meta.ArchivedAt)
	})
	return out, nil
}

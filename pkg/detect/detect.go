// Package detect infers the project and language of a working directory.
package detect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
)

// Info is what could be inferred about a project directory.
type Info struct {
	ProjectPath string `json:"project_path"`
	Project     string `json:"project"`
	Language    string `json:"language,omitempty"`
}

type marker struct {
	pattern  string
	language string
}

// markers are checked in order against the project root. The first hit
// decides the language.
var markers = []marker{
	{"go.mod", "go"},
	{"Cargo.toml", "rust"},
	{"tsconfig.json", "typescript"},
	{"package.json", "javascript"},
	{"pyproject.toml", "python"},
	{"setup.py", "python"},
	{"requirements*.txt", "python"},
	{"Gemfile", "ruby"},
	{"pom.xml", "java"},
	{"build.gradle*", "java"},
	{"*.csproj", "csharp"},
	{"mix.exs", "elixir"},
	{"composer.json", "php"},
	{"Package.swift", "swift"},
}

// sources map file patterns to languages for roots without a marker.
var sources = []marker{
	{"**/*.go", "go"},
	{"**/*.rs", "rust"},
	{"**/*.{ts,tsx}", "typescript"},
	{"**/*.{js,jsx,mjs}", "javascript"},
	{"**/*.py", "python"},
	{"**/*.rb", "ruby"},
	{"**/*.{java,kt}", "java"},
	{"**/*.cs", "csharp"},
	{"**/*.{ex,exs}", "elixir"},
	{"**/*.php", "php"},
	{"**/*.swift", "swift"},
	{"**/*.{c,h}", "c"},
	{"**/*.{cc,cpp,hpp}", "cpp"},
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "target": true,
	".venv": true, "venv": true, "dist": true, "build": true, "__pycache__": true,
}

// maxScan bounds the number of files looked at when counting sources.
const maxScan = 5000

// Detect inspects projectPath. The project name is the directory's base
// name; the language comes from marker files, then from the most common
// source extension. An unknown language is not an error.
func Detect(projectPath string) (Info, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return Info{}, fmt.Errorf("failed to resolve project path: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat project path: %w", err)
	}
	if !st.IsDir() {
		return Info{}, fmt.Errorf("project path %s is not a directory", abs)
	}

	lang, err := Language(os.DirFS(abs))
	if err != nil {
		return Info{}, err
	}
	return Info{
		ProjectPath: abs,
		Project:     ProjectName(abs),
		Language:    lang,
	}, nil
}

// ProjectName derives a scope-safe project name from a path: the base
// name with whitespace and colons replaced by dashes.
func ProjectName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r == ':' || unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, base)
}

// Language detects the dominant language of the tree rooted at fsys.
func Language(fsys fs.FS) (string, error) {
	for _, m := range markers {
		hits, err := doublestar.Glob(fsys, m.pattern, doublestar.WithFilesOnly())
		if err != nil {
			return "", fmt.Errorf("failed to match %s: %w", m.pattern, err)
		}
		if len(hits) > 0 {
			return m.language, nil
		}
	}
	return dominant(fsys)
}

var errScanLimit = errors.New("scan limit reached")

func dominant(fsys fs.FS) (string, error) {
	counts := map[string]int{}
	scanned := 0
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are ignored.
			if d != nil && d.IsDir() && path != "." {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != "." && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return fs.SkipDir
			}
			return nil
		}
		scanned++
		if scanned > maxScan {
			return errScanLimit
		}
		for _, s := range sources {
			if doublestar.MatchUnvalidated(s.pattern, path) {
				counts[s.language]++
				break
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errScanLimit) {
		return "", fmt.Errorf("failed to scan sources: %w", err)
	}

	langs := make([]string, 0, len(counts))
	for l := range counts {
		langs = append(langs, l)
	}
	if len(langs) == 0 {
		return "", nil
	}
	sort.Slice(langs, func(i, j int) bool {
		if counts[langs[i]] != counts[langs[j]] {
			return counts[langs[i]] > counts[langs[j]]
		}
		return langs[i] < langs[j]
	})
	return langs[0], nil
}

package archive

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// Parse reads an archived file.
func Parse(raw []byte) (*Entry, error) {
	s := string(raw)
	if !strings.HasPrefix(s, frontMatterDelimiter) {
		return nil, fmt.Errorf("archive: missing front-matter delimiter")
	}
	rest := s[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx == -1 {
		return nil, fmt.Errorf("archive: unclosed front-matter block")
	}

	body := strings.TrimPrefix(rest[idx+len("\n"+frontMatterDelimiter):], "\n")
	body = strings.TrimPrefix(body, "\n")

	var meta Meta
	if err := yaml.Unmarshal([]byte(rest[:idx]), &meta); err != nil {
		return nil, fmt.Errorf("archive: front-matter parse error: %w", err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("archive: front matter has no id")
	}
	return &Entry{Meta: meta, Content: body}, nil
}

// Serialize renders an entry to its on-disk form.
func Serialize(e *Entry) ([]byte, error) {
	yamlBytes, err := yaml.Marshal(&e.Meta)
	if err != nil {
		return nil, fmt.Errorf("archive: serialize error: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(frontMatterDelimiter + "\n")
	sb.Write(yamlBytes)
	sb.WriteString(frontMatterDelimiter + "\n\n")
	sb.WriteString(e.Content)
	return []byte(sb.String()), nil
}

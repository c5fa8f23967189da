package retrieval

import (
	"strings"

	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/tokens"
)

var tierHeadings = []struct {
	tier    scope.Tier
	heading string
}{
	{scope.TierProject, "### Project"},
	{scope.TierLanguage, "### Language"},
	{scope.TierUniversal, "### General"},
}

const renderTitle = "## Remembered guidance"

// Render formats memories as a Markdown block grouped by tier. If the
// block, headings included, would exceed budget, the lowest-scoring
// memories are dropped until it fits. It returns the text and the memories
// it shows; an empty selection renders as "".
func Render(selected []Scored, counter tokens.Counter, budget int) (string, []Scored) {
	shown := append([]Scored(nil), selected...)
	sortByScore(shown)

	for len(shown) > 0 {
		text := format(shown)
		if counter.Count(text) <= budget {
			return text, shown
		}
		shown = shown[:len(shown)-1]
	}
	return "", nil
}

func format(shown []Scored) string {
	var sb strings.Builder
	sb.WriteString(renderTitle)
	sb.WriteString("\n")
	for _, th := range tierHeadings {
		first := true
		for _, s := range shown {
			if s.Tier != th.tier {
				continue
			}
			if first {
				sb.WriteString("\n")
				sb.WriteString(th.heading)
				sb.WriteString("\n")
				first = false
			}
			sb.WriteString("- ")
			sb.WriteString(strings.TrimSpace(s.Memory.Content))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

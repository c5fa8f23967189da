package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
)

var (
	// ErrConflictStale is returned when a conflict no longer matches the
	// store, typically because one side was already resolved.
	ErrConflictStale = errors.New("conflict is stale")

	// ErrInvalidDecision is returned for unknown decisions and for a merge
	// without content.
	ErrInvalidDecision = errors.New("invalid decision")
)

// DecisionKind names a resolution.
type DecisionKind string

const (
	DecisionKeepA      DecisionKind = "keep_a"
	DecisionKeepB      DecisionKind = "keep_b"
	DecisionKeepBoth   DecisionKind = "keep_both"
	DecisionMerge      DecisionKind = "merge"
	DecisionDeleteBoth DecisionKind = "delete_both"
)

// Decision is how a conflict is settled. Content is only used by merge.
type Decision struct {
	Kind    DecisionKind `json:"kind"`
	Content string       `json:"content,omitempty"`
}

func KeepA() Decision      { return Decision{Kind: DecisionKeepA} }
func KeepB() Decision      { return Decision{Kind: DecisionKeepB} }
func KeepBoth() Decision   { return Decision{Kind: DecisionKeepBoth} }
func DeleteBoth() Decision { return Decision{Kind: DecisionDeleteBoth} }

// Merge replaces both memories with one holding content.
func Merge(content string) Decision {
	return Decision{Kind: DecisionMerge, Content: content}
}

// ParseDecision builds a Decision from its wire name.
func ParseDecision(kind, content string) (Decision, error) {
	d := Decision{Kind: DecisionKind(strings.ToLower(strings.TrimSpace(kind))), Content: content}
	return d, d.Validate()
}

// Validate checks the kind and, for a merge, that content was supplied.
func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionKeepA, DecisionKeepB, DecisionKeepBoth, DecisionDeleteBoth:
		return nil
	case DecisionMerge:
		if strings.TrimSpace(d.Content) == "" {
			return fmt.Errorf("%w: merge needs content", ErrInvalidDecision)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidDecision, d.Kind)
}

func (d Decision) String() string { return string(d.Kind) }

// Outcome reports what a resolution changed.
type Outcome struct {
	ConflictID string              `json:"conflict_id"`
	Decision   Decision            `json:"decision"`
	Kept       []string            `json:"kept,omitempty"`
	Archived   []string            `json:"archived,omitempty"`
	Deleted    []string            `json:"deleted,omitempty"`
	Merged     *store.MemoryRecord `json:"merged,omitempty"`
}

// SplitID returns the two memory ids of a conflict id.
func SplitID(conflictID string) (string, string, error) {
	a, b, ok := strings.Cut(conflictID, "+")
	if !ok || a == "" || b == "" || strings.Contains(b, "+") {
		return "", "", fmt.Errorf("%w: malformed conflict id %q", ErrConflictStale, conflictID)
	}
	return a, b, nil
}

// Resolve applies d to the conflict in one store transaction. Losing
// memories are archived. A merge deletes both memories and inserts the
// replacement; if any step fails nothing changes.
func (e *Engine) Resolve(ctx context.Context, conflictID string, d Decision) (*Outcome, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	idA, idB, err := SplitID(conflictID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{ConflictID: conflictID, Decision: d}
	err = e.st.Update(ctx, func(tx *store.Tx) error {
		a, err := tx.Get(ctx, idA)
		if err != nil {
			return staleOr(err, idA)
		}
		b, err := tx.Get(ctx, idB)
		if err != nil {
			return staleOr(err, idB)
		}

		switch d.Kind {
		case DecisionKeepBoth:
			out.Kept = []string{a.ID, b.ID}
		case DecisionKeepA:
			if _, err := tx.Archive(ctx, b.ID, fmt.Sprintf("conflict %s resolved in favour of %s", conflictID, a.ID)); err != nil {
				return err
			}
			out.Kept, out.Archived = []string{a.ID}, []string{b.ID}
		case DecisionKeepB:
			if _, err := tx.Archive(ctx, a.ID, fmt.Sprintf("conflict %s resolved in favour of %s", conflictID, b.ID)); err != nil {
				return err
			}
			out.Kept, out.Archived = []string{b.ID}, []string{a.ID}
		case DecisionDeleteBoth:
			for _, id := range []string{a.ID, b.ID} {
				if _, err := tx.Archive(ctx, id, fmt.Sprintf("conflict %s: both discarded", conflictID)); err != nil {
					return err
				}
			}
			out.Archived = []string{a.ID, b.ID}
		case DecisionMerge:
			merged := mergeRecords(a, b, d.Content)
			if err := tx.Delete(ctx, a.ID); err != nil {
				return err
			}
			if err := tx.Delete(ctx, b.ID); err != nil {
				return err
			}
			if err := tx.Put(ctx, merged); err != nil {
				return fmt.Errorf("failed to insert merged memory: %w", err)
			}
			out.Deleted = []string{a.ID, b.ID}
			out.Merged = merged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log().Info("conflict resolved",
		"conflict", conflictID,
		"decision", d.Kind,
		"archived", len(out.Archived),
		"deleted", len(out.Deleted))
	return out, nil
}

func staleOr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: memory %s is gone", ErrConflictStale, id)
	}
	return err
}

// mergeRecords builds the replacement for a merge. It inherits the highest
// confidence and priority, the more specific scope, and every mode tag.
func mergeRecords(a, b *store.MemoryRecord, content string) *store.MemoryRecord {
	merged := &store.MemoryRecord{
		ID:          uuid.NewString(),
		Content:     strings.TrimSpace(content),
		Category:    b.Category,
		Scope:       moreSpecific(a.Scope, b.Scope),
		Confidence:  max(a.Confidence, b.Confidence),
		Priority:    max(a.Priority, b.Priority),
		AccessCount: max(a.AccessCount, b.AccessCount),
		Anchor:      b.Anchor,
	}
	if merged.Anchor == nil {
		merged.Anchor = a.Anchor
	}
	if len(a.Modes)+len(b.Modes) > 0 {
		merged.Modes = make(map[string]int, len(a.Modes)+len(b.Modes))
		for _, modes := range []map[string]int{a.Modes, b.Modes} {
			for mode, p := range modes {
				if cur, ok := merged.Modes[mode]; !ok || p > cur {
					merged.Modes[mode] = p
				}
			}
		}
	}
	return merged
}

func moreSpecific(a, b scope.Scope) scope.Scope {
	if a.Specificity() > b.Specificity() {
		return a
	}
	return b
}

// Report summarizes an AutoResolve run.
type Report struct {
	Resolved []Outcome  `json:"resolved"`
	Pending  []Conflict `json:"pending"`
	Skipped  int        `json:"skipped"`
}

// AutoResolve applies the recommended decision of every auto-resolvable
// conflict and returns the rest as pending. Conflicts made stale by an
// earlier resolution in the same run are skipped.
func (e *Engine) AutoResolve(ctx context.Context, conflicts []Conflict) (*Report, error) {
	report := &Report{}
	gone := make(map[string]bool)
	var pending []Conflict

	for _, c := range conflicts {
		if !c.AutoResolvable {
			pending = append(pending, c)
			continue
		}
		out, err := e.Resolve(ctx, c.ID, c.Recommended)
		if errors.Is(err, ErrConflictStale) {
			report.Skipped++
			e.log().Debug("skipping stale conflict", "conflict", c.ID)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("failed to resolve conflict %s: %w", c.ID, err)
		}
		for _, id := range out.Archived {
			gone[id] = true
		}
		report.Resolved = append(report.Resolved, *out)
	}

	for _, c := range pending {
		if gone[c.A.ID] || gone[c.B.ID] {
			report.Skipped++
			continue
		}
		report.Pending = append(report.Pending, c)
	}
	return report, nil
}

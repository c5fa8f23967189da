package lore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dan-solli/lore/pkg/conflict"
	"github.com/dan-solli/lore/pkg/retrieval"
	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/session"
	"github.com/dan-solli/lore/pkg/store"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, ErrTypeTimeout},
		{"wrapped deadline", fmt.Errorf("failed to list: %w", context.DeadlineExceeded), ErrTypeTimeout},
		{"timeout text", errors.New("operation timeout"), ErrTypeTimeout},
		{"unavailable", fmt.Errorf("failed to open: %w", store.ErrStoreUnavailable), ErrTypeUnavailable},
		{"retrieval over unavailable", &retrieval.Error{Op: "load candidates", Err: store.ErrStoreUnavailable}, ErrTypeUnavailable},
		{"corrupt", fmt.Errorf("memory x: %w", store.ErrCorrupt), ErrTypeCorrupt},
		{"invariant", store.ErrInvariantViolation, ErrTypeInvariant},
		{"memory not found", store.ErrMemoryNotFound, ErrTypeNotFound},
		{"session not found", store.ErrSessionNotFound, ErrTypeNotFound},
		{"no active session", session.ErrNoActiveSession, ErrTypeNotFound},
		{"session active", session.ErrSessionActive, ErrTypeConflict},
		{"stale conflict", conflict.ErrConflictStale, ErrTypeConflict},
		{"invalid record", store.ErrInvalidRecord, ErrTypeValidation},
		{"invalid scope", scope.ErrInvalidScope, ErrTypeValidation},
		{"invalid decision", conflict.ErrInvalidDecision, ErrTypeValidation},
		{"sqlite constraint", errors.New("UNIQUE constraint failed: sessions.scope"), ErrTypeDatabase},
		{"sql text", errors.New("sql: no rows in result set"), ErrTypeDatabase},
		{"must be", errors.New("budget must be positive"), ErrTypeValidation},
		{"other", errors.New("something odd"), ErrTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

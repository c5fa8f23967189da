package lore

import (
	"context"
	"errors"
	"strings"

	"github.com/dan-solli/lore/pkg/conflict"
	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/session"
	"github.com/dan-solli/lore/pkg/store"
)

// Error classes used as metric labels.
const (
	ErrTypeUnavailable = "unavailable"
	ErrTypeCorrupt     = "corrupt"
	ErrTypeNotFound    = "not_found"
	ErrTypeInvariant   = "invariant"
	ErrTypeConflict    = "conflict"
	ErrTypeValidation  = "validation"
	ErrTypeTimeout     = "timeout"
	ErrTypeDatabase    = "database"
	ErrTypeUnknown     = "unknown"
)

// ClassifyError maps an error to a low-cardinality class so failures can
// be grouped in metrics and logs. Typed errors win over message matching.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrTypeTimeout
	case errors.Is(err, store.ErrStoreUnavailable):
		return ErrTypeUnavailable
	case errors.Is(err, store.ErrCorrupt):
		return ErrTypeCorrupt
	case errors.Is(err, store.ErrInvariantViolation):
		return ErrTypeInvariant
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNoActiveSession):
		return ErrTypeNotFound
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, conflict.ErrConflictStale):
		return ErrTypeConflict
	case errors.Is(err, store.ErrInvalidRecord), errors.Is(err, scope.ErrInvalidScope),
		errors.Is(err, conflict.ErrInvalidDecision):
		return ErrTypeValidation
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return ErrTypeTimeout
	}
	if strings.Contains(msg, "sql") ||
		strings.Contains(msg, "database") ||
		strings.Contains(msg, "constraint") {
		return ErrTypeDatabase
	}
	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "required") ||
		strings.Contains(msg, "cannot be empty") ||
		strings.Contains(msg, "must be") {
		return ErrTypeValidation
	}
	return ErrTypeUnknown
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is the root of every not-found error in this package.
	ErrNotFound = errors.New("not found")

	ErrMemoryNotFound   = fmt.Errorf("memory %w", ErrNotFound)
	ErrSessionNotFound  = fmt.Errorf("session %w", ErrNotFound)
	ErrProposalNotFound = fmt.Errorf("proposal %w", ErrNotFound)

	// ErrCorrupt marks a row that could not be decoded. Readers skip such
	// rows with a warning instead of failing the whole operation.
	ErrCorrupt = errors.New("corrupt record")

	// ErrStoreUnavailable means the database could not be opened, locked or
	// written. It is never swallowed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvariantViolation reports state that the schema should have made
	// impossible, such as two live sessions in one scope.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidRecord is returned by writes that fail validation.
	ErrInvalidRecord = errors.New("invalid record")
)

// wrapDBErr adds context to a database error and tags lock contention,
// closed handles and I/O failures as ErrStoreUnavailable.
func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrCorrupt) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if isUnavailable(err) {
		return fmt.Errorf("failed to %s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"database is locked",
		"database is closed",
		"database table is locked",
		"unable to open",
		"disk i/o error",
		"readonly database",
		"disk is full",
		"sqlite_busy",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func corrupt(what, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrCorrupt, what, id, err)
}

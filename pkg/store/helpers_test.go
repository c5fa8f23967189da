package store

import (
	"context"
	"log/slog"
	"os"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

// countingHandler counts warnings so tests can assert skipped rows were reported.
type countingHandler struct {
	warnings *int
}

func newCountingLogger(n *int) *slog.Logger {
	return slog.New(&countingHandler{warnings: n})
}

func (h *countingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *countingHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelWarn {
		*h.warnings++
	}
	return nil
}

func (h *countingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *countingHandler) WithGroup(_ string) slog.Handler { return h }

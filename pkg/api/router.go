// Package api serves the lore engine over HTTP.
package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dan-solli/lore/pkg/lore"
)

// NewRouter creates the chi router with all routes and middleware. A nil
// metricsHandler leaves /metrics unrouted.
func NewRouter(engine *lore.Engine, metricsHandler http.Handler, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	memoryH := &MemoryHandler{engine: engine}
	conflictH := &ConflictHandler{engine: engine}
	sessionH := &SessionHandler{engine: engine}

	r.Get("/health", memoryH.Health)
	r.Get("/stats", memoryH.Stats)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Post("/retrieve", memoryH.Retrieve)

	r.Route("/memories", func(r chi.Router) {
		r.Get("/", memoryH.List)
		r.Post("/", memoryH.Accept)
		r.Get("/search", memoryH.Search)
		r.Post("/archive-stale", memoryH.ArchiveStale)
		r.Get("/{id}", memoryH.Get)
		r.Delete("/{id}", memoryH.Delete)
	})

	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/", conflictH.Detect)
		r.Post("/resolve", conflictH.Resolve)
		r.Post("/auto-resolve", conflictH.AutoResolve)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", sessionH.List)
		r.Post("/", sessionH.Start)
		r.Get("/current", sessionH.Current)
		r.Post("/activity", sessionH.Activity)
		r.Post("/proposals", sessionH.Propose)
		r.Post("/end", sessionH.End)
		r.Post("/idle-check", sessionH.CheckIdle)
		r.Post("/{id}/recover", sessionH.Recover)
		r.Post("/{id}/discard", sessionH.Discard)
		r.Get("/{id}/proposals", sessionH.Proposals)
	})

	return r
}

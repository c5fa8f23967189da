package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dan-solli/lore/pkg/lore"
	"github.com/dan-solli/lore/pkg/retrieval"
	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
)

type MemoryHandler struct {
	engine *lore.Engine
}

// Health handles GET /health
func (h *MemoryHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Store().DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats handles GET /stats
func (h *MemoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Stats(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type retrieveRequest struct {
	retrieval.Context
	Budget int `json:"budget,omitempty"`
	// Text asks for the rendered Markdown block instead of the records.
	Text bool `json:"text,omitempty"`
}

// Retrieve handles POST /retrieve
func (h *MemoryHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	c := req.Context
	if c.ProjectPath != "" && c.Project == "" {
		detected := h.engine.Context(c.ProjectPath, c.Task, c.Query)
		detected.TaskType = c.TaskType
		if c.Language != "" {
			detected.Language = c.Language
		}
		c = detected
	}
	budget := h.engine.Budget(req.Budget)

	if req.Text {
		writeJSON(w, http.StatusOK, map[string]any{
			"text":   h.engine.RetrieveText(r.Context(), c, budget),
			"budget": budget,
		})
		return
	}
	res, err := h.engine.Retrieve(r.Context(), c, budget)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// List handles GET /memories
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := scope.NewFilter(q.Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	minConf, _ := strconv.ParseFloat(q.Get("min_confidence"), 64)

	ms, err := h.engine.List(r.Context(), store.ListOptions{
		Scope:         filter,
		Category:      store.Category(q.Get("category")),
		MinConfidence: minConf,
		OrderBy:       q.Get("order_by"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ms == nil {
		ms = []*store.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, ms)
}

type acceptRequest struct {
	Content    string         `json:"content"`
	Category   store.Category `json:"category"`
	Scope      string         `json:"scope"`
	Confidence float64        `json:"confidence"`
	Priority   int            `json:"priority,omitempty"`
	Anchor     *store.Anchor  `json:"anchor,omitempty"`
	Modes      map[string]int `json:"modes,omitempty"`
}

// Accept handles POST /memories
func (h *MemoryHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sc, err := scope.Parse(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m := &store.MemoryRecord{
		Content:    req.Content,
		Category:   req.Category,
		Scope:      sc,
		Confidence: req.Confidence,
		Priority:   req.Priority,
		Anchor:     req.Anchor,
		Modes:      req.Modes,
	}
	if err := h.engine.Accept(r.Context(), m); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// Search handles GET /memories/search
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("q") == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	filter, err := scope.NewFilter(q.Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	results, err := h.engine.Search(r.Context(), store.SearchOptions{
		Query:    q.Get("q"),
		Scope:    filter,
		Category: store.Category(q.Get("category")),
		Limit:    limit,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// Get handles GET /memories/{id}
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Delete handles DELETE /memories/{id}
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ArchiveStale handles POST /memories/archive-stale
func (h *MemoryHandler) ArchiveStale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	ids, err := h.engine.ArchiveStale(r.Context(), req.Days)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": ids})
}

package api

import (
	"net/http"

	"github.com/dan-solli/lore/pkg/conflict"
	"github.com/dan-solli/lore/pkg/lore"
	"github.com/dan-solli/lore/pkg/scope"
)

type ConflictHandler struct {
	engine *lore.Engine
}

// Detect handles GET /conflicts
func (h *ConflictHandler) Detect(w http.ResponseWriter, r *http.Request) {
	filter, err := scope.NewFilter(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cs, err := h.engine.DetectConflicts(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if cs == nil {
		cs = []conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, cs)
}

type resolveRequest struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
	Content  string `json:"content,omitempty"`
}

// Resolve handles POST /conflicts/resolve
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	d, err := conflict.ParseDecision(req.Decision, req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.engine.Resolve(r.Context(), req.ID, d)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// AutoResolve handles POST /conflicts/auto-resolve
func (h *ConflictHandler) AutoResolve(w http.ResponseWriter, r *http.Request) {
	filter, err := scope.NewFilter(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := h.engine.AutoResolve(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

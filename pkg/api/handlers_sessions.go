package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dan-solli/lore/pkg/lore"
	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
)

type SessionHandler struct {
	engine *lore.Engine
}

func parseSessionScope(raw string) (scope.SessionScope, error) {
	if raw == "" {
		return scope.Global, nil
	}
	return scope.ParseSession(raw)
}

type startRequest struct {
	Scope       string `json:"scope"`
	ProjectPath string `json:"project_path,omitempty"`
}

// Start handles POST /sessions
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sc, err := parseSessionScope(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	started, err := h.engine.StartSession(r.Context(), sc, req.ProjectPath)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

// List handles GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	var statuses []store.SessionStatus
	for _, s := range q["status"] {
		statuses = append(statuses, store.SessionStatus(s))
	}
	sessions, err := h.engine.Sessions().List(r.Context(), limit, statuses...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Current handles GET /sessions/current
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	sc, err := parseSessionScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := h.engine.Sessions().Current(r.Context(), sc)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type activityRequest struct {
	Scope  string             `json:"scope"`
	Kind   store.ActivityKind `json:"kind"`
	Detail string             `json:"detail,omitempty"`
}

// Activity handles POST /sessions/activity
func (h *SessionHandler) Activity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sc, err := parseSessionScope(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = store.ActivityTurn
	}
	if err := h.engine.RecordActivity(r.Context(), sc, store.ActivityEvent{Kind: req.Kind, Detail: req.Detail}); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type proposeRequest struct {
	SessionScope string         `json:"session_scope"`
	Content      string         `json:"content"`
	Category     store.Category `json:"category"`
	Scope        string         `json:"scope"`
	Confidence   float64        `json:"confidence"`
}

// Propose handles POST /sessions/proposals
func (h *SessionHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sc, err := parseSessionScope(req.SessionScope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := sc.Memory()
	if req.Scope != "" {
		if target, err = scope.Parse(req.Scope); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	p := &store.Proposal{
		Content:    req.Content,
		Category:   req.Category,
		Scope:      target,
		Confidence: req.Confidence,
	}
	if err := h.engine.Propose(r.Context(), sc, p); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// End handles POST /sessions/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sc, err := parseSessionScope(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := h.engine.EndSession(r.Context(), sc)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if f == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// CheckIdle handles POST /sessions/idle-check
func (h *SessionHandler) CheckIdle(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Sessions().CheckIdle(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Recover handles POST /sessions/{id}/recover
func (h *SessionHandler) Recover(w http.ResponseWriter, r *http.Request) {
	f, err := h.engine.RecoverSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Discard handles POST /sessions/{id}/discard
func (h *SessionHandler) Discard(w http.ResponseWriter, r *http.Request) {
	f, err := h.engine.Sessions().Discard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Proposals handles GET /sessions/{id}/proposals
func (h *SessionHandler) Proposals(w http.ResponseWriter, r *http.Request) {
	status := store.ProposalStatus(r.URL.Query().Get("status"))
	ps, err := h.engine.Sessions().Proposals(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ps == nil {
		ps = []*store.Proposal{}
	}
	writeJSON(w, http.StatusOK, ps)
}

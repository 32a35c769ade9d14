package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dispatch-run/dispatch/internal/registry"
	"github.com/dispatch-run/dispatch/internal/store"
)

// createSessionRequest starts a new session of the given kind; Config is
// the kind-specific document stored as the session's metadata.
type createSessionRequest struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

type sessionResponse struct {
	RunID     string `json:"runId"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func toSessionResponse(s store.Session) sessionResponse {
	return sessionResponse{
		RunID:     s.ID,
		Kind:      s.Kind,
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed JSON body")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "kind is required")
		return
	}

	id, startErr := g.registry.Start(req.Kind, req.Config, principal)

	h, err := g.registry.Get(id)
	if err != nil {
		// Start failed before any session row could be created (e.g. the
		// store itself is unavailable); there is nothing to read back.
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, startErr.Error())
		return
	}
	if startErr != nil {
		// The session row exists in StatusError; report it with its id so
		// the caller can inspect why via getHistory.
		writeJSON(w, http.StatusBadRequest, toSessionResponse(h.Session))
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(h.Session))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}

	filter := store.ListFilter{
		Kind:   r.URL.Query().Get("kind"),
		Status: store.Status(r.URL.Query().Get("status")),
	}
	sessions, err := g.store.ListSessions(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}

	runID := chi.URLParam(r, "runId")
	if err := g.registry.Resume(runID); err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, ErrCodeConflict, "session is already running")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		default:
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		}
		return
	}

	h, err := g.registry.Get(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(h.Session))
}

func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}

	runID := chi.URLParam(r, "runId")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "closed via control plane"
	}

	if err := g.registry.Close(runID, reason); err != nil {
		if errors.Is(err, registry.ErrNotRunning) {
			writeError(w, http.StatusConflict, ErrCodeConflict, "session is not running")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (g *Gateway) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}

	runID := chi.URLParam(r, "runId")
	sinceSeq := int64(0)
	if v := r.URL.Query().Get("sinceSeq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sinceSeq must be an integer")
			return
		}
		sinceSeq = parsed
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	events, err := g.store.ReadEventsSince(runID, sinceSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	out := make([]eventBody, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventBody(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}
	rows, err := g.store.GetLayout(chi.URLParam(r, "clientId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (g *Gateway) handleSetLayout(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}

	var body struct {
		TileID    string `json:"tileId"`
		UpdatedAt int64  `json:"updatedAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed JSON body")
		return
	}

	clientID := chi.URLParam(r, "clientId")
	runID := chi.URLParam(r, "runId")
	if err := g.store.SetLayout(clientID, runID, body.TileID, body.UpdatedAt); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (g *Gateway) handleRemoveLayout(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}

	clientID := chi.URLParam(r, "clientId")
	runID := chi.URLParam(r, "runId")
	if err := g.store.RemoveLayout(clientID, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "layout row not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatch-run/dispatch/internal/adapter"
	"github.com/dispatch-run/dispatch/internal/registry"
	"github.com/dispatch-run/dispatch/internal/store"
)

type echoAdapter struct {
	emit adapter.Emit
}

func newEchoAdapter() adapter.Adapter { return &echoAdapter{} }

func (a *echoAdapter) Start(ctx context.Context, config json.RawMessage, emit adapter.Emit) error {
	a.emit = emit
	emit("system:status", "open", nil)
	return nil
}
func (a *echoAdapter) Write(data []byte) error     { a.emit("echo:text", "chunk", data); return nil }
func (a *echoAdapter) Resize(cols, rows int) error { return adapter.ErrUnsupported }
func (a *echoAdapter) Close(reason string) error {
	a.emit("system:status", "exit", []byte(`{"exitCode":0}`))
	return nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	adapters := adapter.NewRegistry()
	adapters.Register("echo", newEchoAdapter)
	reg := registry.New(st, adapters, 16)

	return New(reg, st, Config{Auth: func(r *http.Request) (string, bool) { return "user-1", true }})
}

func withRouteParam(r *http.Request, key, val string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, val)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleCreateSession(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(createSessionRequest{Kind: "echo", Config: json.RawMessage(`{}`)})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	gw.handleCreateSession(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "echo", resp.Kind)
	assert.Equal(t, string(store.StatusRunning), resp.Status)
}

func TestHandleCreateSessionUnknownKind(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(createSessionRequest{Kind: "nonexistent"})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	gw.handleCreateSession(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, string(store.StatusError), resp.Status)
}

func TestHandleCreateSessionMissingKind(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()

	gw.handleCreateSession(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListSessions(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(createSessionRequest{Kind: "echo"})
	createReq := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	createW := httptest.NewRecorder()
	gw.handleCreateSession(createW, createReq)
	require.Equal(t, http.StatusCreated, createW.Code)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	gw.handleListSessions(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var sessions []sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sessions))
	assert.Len(t, sessions, 1)
}

func TestHandleCloseSessionAndHistory(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(createSessionRequest{Kind: "echo"})
	createReq := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	createW := httptest.NewRecorder()
	gw.handleCreateSession(createW, createReq)
	var created sessionResponse
	require.NoError(t, json.NewDecoder(createW.Body).Decode(&created))

	closeReq := httptest.NewRequest(http.MethodDelete, "/sessions/"+created.RunID, nil)
	closeReq = withRouteParam(closeReq, "runId", created.RunID)
	closeW := httptest.NewRecorder()
	gw.handleCloseSession(closeW, closeReq)
	assert.Equal(t, http.StatusAccepted, closeW.Code)

	histReq := httptest.NewRequest(http.MethodGet, "/sessions/"+created.RunID+"/history", nil)
	histReq = withRouteParam(histReq, "runId", created.RunID)
	histW := httptest.NewRecorder()
	gw.handleGetHistory(histW, histReq)

	require.Equal(t, http.StatusOK, histW.Code)
	var events []eventBody
	require.NoError(t, json.NewDecoder(histW.Body).Decode(&events))
	assert.NotEmpty(t, events)
	assert.Equal(t, "system:status", events[0].Channel)
}

func TestHandleResumeSession(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(createSessionRequest{Kind: "echo"})
	createReq := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	createW := httptest.NewRecorder()
	gw.handleCreateSession(createW, createReq)
	var created sessionResponse
	require.NoError(t, json.NewDecoder(createW.Body).Decode(&created))

	// Resuming a running session conflicts.
	resumeReq := httptest.NewRequest(http.MethodPost, "/sessions/"+created.RunID+"/resume", nil)
	resumeReq = withRouteParam(resumeReq, "runId", created.RunID)
	resumeW := httptest.NewRecorder()
	gw.handleResumeSession(resumeW, resumeReq)
	assert.Equal(t, http.StatusConflict, resumeW.Code)

	closeReq := httptest.NewRequest(http.MethodDelete, "/sessions/"+created.RunID, nil)
	closeReq = withRouteParam(closeReq, "runId", created.RunID)
	closeW := httptest.NewRecorder()
	gw.handleCloseSession(closeW, closeReq)
	require.Equal(t, http.StatusAccepted, closeW.Code)

	require.Eventually(t, func() bool {
		resumeReq := httptest.NewRequest(http.MethodPost, "/sessions/"+created.RunID+"/resume", nil)
		resumeReq = withRouteParam(resumeReq, "runId", created.RunID)
		resumeW := httptest.NewRecorder()
		gw.handleResumeSession(resumeW, resumeReq)
		return resumeW.Code == http.StatusOK
	}, 2*time.Second, 50*time.Millisecond)

	histReq := httptest.NewRequest(http.MethodGet, "/sessions/"+created.RunID+"/history", nil)
	histReq = withRouteParam(histReq, "runId", created.RunID)
	histW := httptest.NewRecorder()
	gw.handleGetHistory(histW, histReq)

	var events []eventBody
	require.NoError(t, json.NewDecoder(histW.Body).Decode(&events))
	// The resumed run continues the same log: open, exit, then open again.
	require.GreaterOrEqual(t, len(events), 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestHandleResumeSessionNotFound(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions/missing/resume", nil)
	req = withRouteParam(req, "runId", "missing")
	w := httptest.NewRecorder()
	gw.handleResumeSession(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleLayoutRoundTrip(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(createSessionRequest{Kind: "echo"})
	createReq := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	createW := httptest.NewRecorder()
	gw.handleCreateSession(createW, createReq)
	var created sessionResponse
	require.NoError(t, json.NewDecoder(createW.Body).Decode(&created))

	setBody, _ := json.Marshal(map[string]any{"tileId": "tile-1", "updatedAt": int64(1)})
	setReq := httptest.NewRequest(http.MethodPut, "/layout/client-1/"+created.RunID, bytes.NewReader(setBody))
	setReq = withRouteParam(setReq, "clientId", "client-1")
	setReq = withRouteParam(setReq, "runId", created.RunID)
	setW := httptest.NewRecorder()
	gw.handleSetLayout(setW, setReq)
	require.Equal(t, http.StatusNoContent, setW.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/layout/client-1", nil)
	getReq = withRouteParam(getReq, "clientId", "client-1")
	getW := httptest.NewRecorder()
	gw.handleGetLayout(getW, getReq)

	require.Equal(t, http.StatusOK, getW.Code)
	var rows []store.LayoutRow
	require.NoError(t, json.NewDecoder(getW.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "tile-1", rows[0].TileID)

	removeReq := httptest.NewRequest(http.MethodDelete, "/layout/client-1/"+created.RunID, nil)
	removeReq = withRouteParam(removeReq, "clientId", "client-1")
	removeReq = withRouteParam(removeReq, "runId", created.RunID)
	removeW := httptest.NewRecorder()
	gw.handleRemoveLayout(removeW, removeReq)
	assert.Equal(t, http.StatusNoContent, removeW.Code)
}

func TestAuthenticateRejectsMissingPrincipal(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	reg := registry.New(st, adapter.NewRegistry(), 16)
	gw := New(reg, st, Config{})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	gw.handleListSessions(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	h := f.server.Routes(false)

	rr := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())

	f.call(t, ToolSessionList, nil)
	rr = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `bimcp_tool_calls_total{outcome="ok",tool="session.list"} 1`)

	// The metrics-only listener does not expose MCP.
	assert.Equal(t, http.StatusNotFound, get(t, h, "/mcp").Code)
}

func TestRoutes_LiveSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.call(t, ToolSessionCreate, map[string]any{"name": "alpha"})

	rr := get(t, f.server.Routes(true), "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	resp := decode(t, rr)
	assert.Equal(t, "success", resp.Status)
	sessions, ok := resp.Data.([]any)
	require.True(t, ok, "data should be a list, got %T", resp.Data)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alpha", sessions[0].(map[string]any)["name"])
}

func TestRoutes_HistoryWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	h := f.server.Routes(true)

	for _, path := range []string{"/api/v1/history", "/api/v1/history/alpha"} {
		rr := get(t, h, path)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
		assert.Equal(t, "error", decode(t, rr).Status, path)
	}
}

func TestRoutes_History(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveSession(ctx, store.SessionRecord{Name: "alpha", Status: "closed", CreatedAt: created}))
	require.NoError(t, st.SaveEvents(ctx, []events.Event{
		{Timestamp: created, Type: events.SessionCreated, Session: "alpha"},
		{Timestamp: created.Add(time.Second), Type: events.SessionDestroyed, Session: "alpha"},
	}))

	f := newFixture(t, st)
	h := f.server.Routes(true)

	rr := get(t, h, "/api/v1/history")
	require.Equal(t, http.StatusOK, rr.Code)
	recs := decode(t, rr).Data.([]any)
	require.Len(t, recs, 1)
	assert.Equal(t, "closed", recs[0].(map[string]any)["status"])

	rr = get(t, h, "/api/v1/history/alpha")
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode(t, rr).Data.(map[string]any)
	assert.Equal(t, "alpha", detail["session"].(map[string]any)["name"])
	evs := detail["events"].([]any)
	require.Len(t, evs, 2)
	assert.Equal(t, "session_destroyed", evs[1].(map[string]any)["event_type"])

	rr = get(t, h, "/api/v1/history/ghost")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, decode(t, rr).Error, "ghost")
}

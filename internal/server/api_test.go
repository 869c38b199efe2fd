package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sevir/kernelbridge/internal/registry"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	reg := registry.New(registry.Config{
		RuntimeDir:     t.TempDir(),
		ProbeArgs:      []string{"-c", "exit 1"},
		ConnectTimeout: 500 * time.Millisecond,
	}, nil)
	t.Cleanup(reg.Close)

	s := New(Config{
		Addr:     "127.0.0.1:0",
		Registry: reg,
		Version:  "test",
		Commit:   "abc",
	})
	return s, s.newGinEngine()
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestVersionEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"version":"test"`)
}

func TestListSessionsEmpty(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"sessions":[]`)
}

func TestSpawnRejectsBadBody(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("{not json"))
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSpawnDependencyMissingMapsTo422(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions",
		strings.NewReader(`{"executable_path":"/bin/sh"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUnknownSessionMapsTo404(t *testing.T) {
	_, h := newTestServer(t)

	for _, tc := range []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/sessions/nope", ""},
		{http.MethodGet, "/api/sessions/nope/info", ""},
		{http.MethodPost, "/api/sessions/nope/execute", `{"code":"1"}`},
		{http.MethodPost, "/api/sessions/nope/interrupt", ""},
		{http.MethodPost, "/api/sessions/nope/restart", ""},
		{http.MethodDelete, "/api/sessions/nope", ""},
	} {
		var req *http.Request
		if tc.body != "" {
			req = httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req = httptest.NewRequest(tc.method, tc.path, nil)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equalf(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestExecuteRequiresCode(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/nope/execute", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

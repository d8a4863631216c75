package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func testServer() *Server {
	return &Server{logger: arbor.NewLogger()}
}

func TestRecoveryMiddleware(t *testing.T) {
	s := testServer()
	handler := s.recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCorsMiddleware(t *testing.T) {
	s := testServer()
	nextCalled := false
	handler := s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, nextCalled)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsMiddleware_Preflight(t *testing.T) {
	s := testServer()
	nextCalled := false
	handler := s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest("OPTIONS", "/api/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, nextCalled, "preflight should short-circuit")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestLoggingMiddleware_PreservesStatus(t *testing.T) {
	s := testServer()
	handler := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/api/jobs?state=queued", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestConditionalMiddleware_WebSocketBypass(t *testing.T) {
	s := testServer()
	var sawWrapper bool
	handler := s.withConditionalMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The bypass hands the raw ResponseWriter through, so the logging
		// wrapper must not be present for /ws.
		_, sawWrapper = w.(*responseWriter)
	}))

	req := httptest.NewRequest("GET", "/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, sawWrapper)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/api/health", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, sawWrapper, "non-websocket paths go through the full chain")
}

func TestRouteByMethod(t *testing.T) {
	var called string
	routes := MethodRouter{
		"GET":  func(w http.ResponseWriter, r *http.Request) { called = "GET" },
		"POST": func(w http.ResponseWriter, r *http.Request) { called = "POST" },
	}

	req := httptest.NewRequest("POST", "/api/papers", nil)
	rec := httptest.NewRecorder()
	RouteByMethod(rec, req, routes)
	require.Equal(t, "POST", called)

	req = httptest.NewRequest("DELETE", "/api/papers", nil)
	rec = httptest.NewRecorder()
	RouteByMethod(rec, req, routes)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/messaging"
	"github.com/nfrund/scriptd/internal/script"
)

func TestHTTPErrorHandler_WithStackTrace(t *testing.T) {
	e := echo.New()

	// capture slog output
	var logBuffer bytes.Buffer
	handler := slog.NewTextHandler(&logBuffer, &slog.HandlerOptions{
		AddSource: true,
	})
	logger := slog.New(handler)
	originalLogger := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(originalLogger)

	setupErrorHandling(e)
	e.GET("/test-unhandled-error", func(c echo.Context) error {
		return errors.New("a deliberate unhandled error occurred")
	})

	req := httptest.NewRequest(http.MethodGet, "/test-unhandled-error", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code, "Expected a 500 Internal Server Error response")

	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())

	logOutput := logBuffer.String()
	assert.Contains(t, logOutput, "Internal Server Error (Unhandled)", "Log message should indicate an unhandled error")
	assert.Contains(t, logOutput, "error=\"a deliberate unhandled error occurred\"", "Log should contain the original error message")
	assert.Contains(t, logOutput, "stack_trace=", "Log must contain the stack_trace field")

	assert.Contains(t, logOutput, "runtime/debug/stack.go", "Stack trace should originate from the debug package")
	assert.Contains(t, logOutput, "internal/server/server_test.go", "Stack trace should point back to this test file")
}

type fakeScripts struct {
	all []lifecycle.Status
}

func (f *fakeScripts) Snapshot(context.Context) ([]lifecycle.Status, error) { return f.all, nil }

func (f *fakeScripts) Lookup(_ context.Context, id string) (lifecycle.Status, bool, error) {
	for _, st := range f.all {
		if st.ID == id {
			return st, true, nil
		}
	}
	return lifecycle.Status{}, false, nil
}

type fakeDeclarations map[string]map[string]string

func (f fakeDeclarations) Ambient() map[string]string { return f[""] }

func (f fakeDeclarations) Snapshot(id string) (map[string]string, bool) {
	files, ok := f[id]
	return files, ok
}

type fakeRequester struct {
	got   messaging.Envelope
	reply *messaging.Reply
	err   error
}

func (f *fakeRequester) Request(_ context.Context, env messaging.Envelope) (*messaging.Reply, error) {
	f.got = env
	return f.reply, f.err
}

type fakeErrors struct{}

func (fakeErrors) GetErrorSummary() *script.ErrorSummary {
	return &script.ErrorSummary{TotalErrors: 2, ErrorsByScript: map[string]int{"script.js.a": 2}}
}

func newTestServer(req *fakeRequester) *Server {
	return New(Dependencies{
		Scripts: &fakeScripts{all: []lifecycle.Status{
			{ID: "script.js.a", Name: "a", State: lifecycle.StateRunning},
			{ID: "script.js.b", Name: "b", State: lifecycle.StateFailed, Error: "boom"},
		}},
		Declarations: fakeDeclarations{
			"":                   {"global.d.tengo": "declare a: int\n"},
			"script.js.global.b": {},
		},
		Messages: req,
		Errors:   fakeErrors{},
	})
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.E.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	s := newTestServer(&fakeRequester{})

	tests := []struct {
		name     string
		target   string
		code     int
		contains string
	}{
		{"health", "/healthz", http.StatusOK, `"running":1`},
		{"list scripts", "/api/scripts", http.StatusOK, `"id":"script.js.b"`},
		{"one script", "/api/scripts/script.js.b", http.StatusOK, `"error":"boom"`},
		{"unknown script", "/api/scripts/script.js.zzz", http.StatusNotFound, "unknown script"},
		{"ambient declarations", "/api/declarations", http.StatusOK, "declare a: int"},
		{"declarations before a global", "/api/declarations?script=script.js.global.b", http.StatusOK, "{}"},
		{"declarations of unknown script", "/api/declarations?script=script.js.x", http.StatusNotFound, "no declarations"},
		{"errors", "/api/errors", http.StatusOK, `"total_errors":2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestPostMessage(t *testing.T) {
	req := &fakeRequester{reply: &messaging.Reply{Delivered: 1, Result: 42.0}}
	s := newTestServer(req)

	rec := serve(s, http.MethodPost, "/api/messages", `{"script":"calc","message":"double","data":21}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var reply messaging.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, 1, reply.Delivered)
	assert.Equal(t, 42.0, reply.Result)

	assert.Equal(t, messaging.CommandToScript, req.got.Command)
	p, err := req.got.ToScript()
	require.NoError(t, err)
	assert.Equal(t, "double", p.Message)
}

func TestPostMessage_Errors(t *testing.T) {
	t.Run("missing message name", func(t *testing.T) {
		rec := serve(newTestServer(&fakeRequester{}), http.MethodPost, "/api/messages", `{"script":"calc"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("engine does not answer", func(t *testing.T) {
		req := &fakeRequester{err: context.DeadlineExceeded}
		rec := serve(newTestServer(req), http.MethodPost, "/api/messages", `{"message":"ping"}`)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})
}

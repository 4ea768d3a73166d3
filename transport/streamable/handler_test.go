package streamable

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneagent/transportcore/engine"
	"github.com/oneagent/transportcore/protocol"
	"github.com/oneagent/transportcore/server"
)

func newTestHandler(t *testing.T) (*Handler, *server.SessionStore) {
	return newTestHandlerWithOptions(t, Options{
		HeartbeatInterval: time.Hour, // keep heartbeats out of test output
	})
}

func newTestHandlerWithOptions(t *testing.T, opts Options) (*Handler, *server.SessionStore) {
	t.Helper()

	eng := engine.NewLocal()
	require.NoError(t, eng.RegisterTool("echo", "Echo text", "utility", nil,
		func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			return map[string]string{"ok": "true"}, nil
		}))

	dispatcher := server.NewDispatcher(eng, server.Options{
		ServerInfo: protocol.ServerInfo{Name: "test-server", Version: "0.0.1"},
	})
	sessions := server.NewSessionStore(time.Minute, server.SystemClock(), nil)
	events := server.NewEventLog(100, server.SystemClock(), nil)
	origins := server.NewOriginValidator(server.OriginConfig{AllowLocalhost: true}, nil)

	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Hour
	}
	return NewHandler(dispatcher, sessions, events, origins, opts), sessions
}

func postJSON(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`

func TestInitializeThenToolsList(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSON(t, h, initializeBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, protocol.MCPVersion, rec.Header().Get(ProtocolVersionHeader))

	sessionID := rec.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)

	var resp protocol.JSONRPCMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2025-06-18", result.ProtocolVersion)

	rec = postJSON(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, map[string]string{
		SessionIDHeader: sessionID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)
}

func TestUnknownSessionIs404(t *testing.T) {
	h, sessions := newTestHandler(t)

	rec := postJSON(t, h, `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`, map[string]string{
		SessionIDHeader: "nonexistent",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, sessions.Len())
}

func TestBatchRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSON(t, h, `[`+initializeBody+`]`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		ID    json.RawMessage        `json:"id"`
		Error *protocol.JSONRPCError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "null", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidRequest, resp.Error.Code)
}

func TestInvalidJSONRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp protocol.JSONRPCMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ParseError, resp.Error.Code)
}

func TestNotificationReturns202(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestOriginDenied(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, initializeBody, map[string]string{"Origin": "https://evil.io"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteSessionLifecycle(t *testing.T) {
	h, sessions := newTestHandler(t)

	rec := postJSON(t, h, initializeBody, nil)
	sessionID := rec.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)
	require.Equal(t, 1, sessions.Len())

	// Missing header is a client error.
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Terminate.
	req = httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionIDHeader, sessionID)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, sessions.Len())

	// Terminated sessions are gone.
	req = httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionIDHeader, sessionID)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGETRequiresEventStreamAccept(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPUTNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPut, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// sseEvent is one parsed SSE event.
type sseEvent struct {
	ID   string
	Data string
}

func readSSEEvent(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()
	var evt sseEvent
	var data []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if evt.ID != "" || len(data) > 0 {
				evt.Data = strings.Join(data, "\n")
				return evt
			}
		case strings.HasPrefix(line, "id: "):
			evt.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		}
	}
}

func TestSSEStreamAndResume(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID := resp.Header.Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)

	reader := bufio.NewReader(resp.Body)

	// First event is the initialized notification with id 1.
	evt := readSSEEvent(t, reader)
	assert.Equal(t, "1", evt.ID)
	assert.Contains(t, evt.Data, protocol.NotificationInitialized)

	// Server pushes are delivered in order with monotone ids.
	h.Publish(sessionID, protocol.NewNotification("notifications/tools/list_changed", nil))
	h.Publish(sessionID, protocol.NewNotification("notifications/resources/list_changed", nil))

	evt = readSSEEvent(t, reader)
	assert.Equal(t, "2", evt.ID)
	evt = readSSEEvent(t, reader)
	assert.Equal(t, "3", evt.ID)

	resp.Body.Close()

	// Resume after id 2: only event 3 is replayed, on the same stream.
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, sessionID)
	req.Header.Set(LastEventIDHeader, "2")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	evt = readSSEEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "3", evt.ID)
	assert.Contains(t, evt.Data, "resources/list_changed")
}

func TestPublishWhileDisconnectedIsBuffered(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID := resp.Header.Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)

	evt := readSSEEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "1", evt.ID)

	// Drop the connection and wait for the server to notice.
	resp.Body.Close()
	require.Eventually(t, func() bool {
		return len(h.registry.bySession(sessionID)) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Pushes with no open stream still land in the event log.
	h.Publish(sessionID, protocol.NewNotification("notifications/tools/list_changed", nil))
	h.Publish(sessionID, protocol.NewNotification("notifications/resources/list_changed", nil))

	// Resuming after event 1 replays the gap.
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, sessionID)
	req.Header.Set(LastEventIDHeader, "1")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	evt = readSSEEvent(t, reader)
	assert.Equal(t, "2", evt.ID)
	assert.Contains(t, evt.Data, "tools/list_changed")
	evt = readSSEEvent(t, reader)
	assert.Equal(t, "3", evt.ID)
	assert.Contains(t, evt.Data, "resources/list_changed")
}

type streamGaugeStub struct {
	active atomic.Int64
}

func (g *streamGaugeStub) SetActiveStreams(n int) { g.active.Store(int64(n)) }

func TestStreamGaugeTracksOpenStreams(t *testing.T) {
	gauge := &streamGaugeStub{}
	h, _ := newTestHandlerWithOptions(t, Options{Metrics: gauge})
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	evt := readSSEEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "1", evt.ID)
	assert.Equal(t, int64(1), gauge.active.Load())

	resp.Body.Close()
	require.Eventually(t, func() bool {
		return gauge.active.Load() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

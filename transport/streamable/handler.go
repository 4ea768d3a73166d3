// Package streamable implements the MCP streamable HTTP transport:
// POST for request dispatch, GET for the SSE event stream with
// Last-Event-ID resumption, DELETE for session termination.
package streamable

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oneagent/transportcore/engine"
	"github.com/oneagent/transportcore/protocol"
	"github.com/oneagent/transportcore/server"
)

const (
	ProtocolVersionHeader = "X-MCP-Protocol-Version"
	SessionIDHeader       = "Mcp-Session-Id"
	LastEventIDHeader     = "Last-Event-ID"

	// DefaultHeartbeatInterval spaces SSE keep-alive comments.
	DefaultHeartbeatInterval = 15 * time.Second

	maxBodyBytes = 4 << 20
)

// StreamGauge reports the number of currently open SSE streams.
type StreamGauge interface {
	SetActiveStreams(n int)
}

// Options tunes the HTTP transport.
type Options struct {
	HeartbeatInterval time.Duration
	Clock             server.Clock
	Logger            *slog.Logger
	Metrics           StreamGauge
}

// Handler serves the /mcp endpoint. One Handler is shared by all
// sessions; per-stream state lives in the registry guarded by mu.
type Handler struct {
	dispatcher *server.Dispatcher
	sessions   *server.SessionStore
	events     *server.EventLog
	origins    *server.OriginValidator

	heartbeat time.Duration
	clock     server.Clock
	logger    *slog.Logger

	registry *streamRegistry

	// lastStream remembers the stream id new events bind to while a
	// session has no open GET stream, keeping them resumable.
	mu         sync.Mutex
	lastStream map[string]string
}

func NewHandler(dispatcher *server.Dispatcher, sessions *server.SessionStore, events *server.EventLog, origins *server.OriginValidator, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Clock == nil {
		opts.Clock = server.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		dispatcher: dispatcher,
		sessions:   sessions,
		events:     events,
		origins:    origins,
		heartbeat:  opts.HeartbeatInterval,
		clock:      opts.Clock,
		logger:     opts.Logger,
		registry:   newStreamRegistry(opts.Logger, opts.Metrics),
		lastStream: make(map[string]string),
	}
	h.watchEngine()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.origins.CheckHTTP(r.Header.Get("Origin")); err != nil {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	w.Header().Set(ProtocolVersionHeader, h.dispatcher.ProtocolVersion())

	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	case http.MethodDelete:
		h.handleDELETE(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest,
			protocol.NewError(nil, protocol.ParseError, "failed to read request body", nil))
		return
	}

	// Batch requests are not supported on this endpoint.
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		writeMessage(w, http.StatusBadRequest,
			protocol.NewError(nil, protocol.InvalidRequest, "batch requests are not supported", nil))
		return
	}

	var msg protocol.JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeMessage(w, http.StatusBadRequest,
			protocol.NewError(nil, protocol.ParseError, "parse error", nil))
		return
	}
	if err := protocol.ValidateEnvelope(&msg); err != nil {
		writeMessage(w, http.StatusBadRequest,
			protocol.NewError(msg.ID, protocol.InvalidRequest, err.Error(), nil))
		return
	}

	// An unknown session id is a hard 404 and never creates a session.
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID != "" {
		if _, err := h.sessions.Get(sessionID); err != nil {
			writeMessage(w, http.StatusNotFound,
				protocol.NewError(msg.ID, protocol.InvalidParams, "session not found", nil))
			return
		}
		if err := h.sessions.Touch(sessionID); err != nil {
			h.logger.Warn("session touch failed", slog.String("session", sessionID))
		}
	}

	// Cancellation is scoped to the session so one client's
	// notifications/cancelled cannot reach another client's request ids.
	scope := sessionID
	if scope == "" {
		scope = r.RemoteAddr
	}
	ctx := server.WithCancelScope(r.Context(), scope)

	if msg.IsNotification() {
		h.dispatcher.Handle(ctx, &msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := h.dispatcher.Handle(ctx, &msg)

	if msg.Method == protocol.MethodInitialize && resp != nil && resp.Error == nil {
		sess := &server.Session{
			ID:       server.NewSessionID(),
			ClientID: initializeClientName(msg.Params),
			Origin:   r.Header.Get("Origin"),
		}
		if err := h.sessions.Create(sess); err != nil {
			writeMessage(w, http.StatusInternalServerError,
				protocol.NewError(msg.ID, protocol.InternalError, "failed to create session", nil))
			return
		}
		w.Header().Set(SessionIDHeader, sess.ID)
	}

	writeMessage(w, http.StatusOK, resp)
}

func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}

	if _, err := h.sessions.Get(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	h.sessions.Delete(sessionID)
	h.events.DeleteSession(sessionID)
	h.registry.closeSession(sessionID)
	h.forgetSession(sessionID)
	w.WriteHeader(http.StatusOK)
}

// watchEngine forwards engine catalog changes to every live SSE stream.
func (h *Handler) watchEngine() {
	eng := h.dispatcher.Engine()
	notify := func(method string) func() {
		return func() { h.broadcast(protocol.NewNotification(method, nil)) }
	}
	eng.On(engine.ToolsChanged, notify(protocol.NotificationToolsListChanged))
	eng.On(engine.ResourcesChanged, notify(protocol.NotificationResourcesListChanged))
	eng.On(engine.PromptsChanged, notify(protocol.NotificationPromptsListChanged))
}

// Publish delivers a server-initiated message to every live stream of one
// session, recording it in the event log for resumption. With no stream
// open the message is still appended, so a later Last-Event-ID reconnect
// replays it.
func (h *Handler) Publish(sessionID string, msg *protocol.JSONRPCMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal outbound message", slog.String("error", err.Error()))
		return
	}
	h.publishData(sessionID, data)
}

func (h *Handler) publishData(sessionID string, data []byte) {
	live := h.registry.bySession(sessionID)
	if len(live) == 0 {
		h.events.Append(&server.Event{
			SessionID: sessionID,
			StreamID:  h.lastStreamID(sessionID),
			Type:      "message",
			Data:      data,
		})
		return
	}
	for _, st := range live {
		h.deliver(st, data)
	}
}

func (h *Handler) broadcast(msg *protocol.JSONRPCMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal outbound message", slog.String("error", err.Error()))
		return
	}
	for _, sess := range h.sessions.ListActive() {
		h.publishData(sess.ID, data)
	}
}

// lastStreamID returns the stream id events bind to while the session has
// no open stream, minting one for sessions that never opened a stream.
func (h *Handler) lastStreamID(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.lastStream[sessionID]
	if !ok {
		id = uuid.NewString()
		h.lastStream[sessionID] = id
	}
	return id
}

func (h *Handler) setLastStream(sessionID, streamID string) {
	h.mu.Lock()
	h.lastStream[sessionID] = streamID
	h.mu.Unlock()
}

func (h *Handler) forgetSession(sessionID string) {
	h.mu.Lock()
	delete(h.lastStream, sessionID)
	h.mu.Unlock()
}

// deliver appends the payload to the event log under the stream's ids and
// hands it to the stream writer. A full buffer disconnects the stream
// rather than blocking the publisher.
func (h *Handler) deliver(st *stream, data []byte) {
	evt := &server.Event{
		SessionID: st.sessionID,
		StreamID:  st.id,
		Type:      "message",
		Data:      data,
	}
	h.events.Append(evt)
	if !st.send(evt) {
		h.logger.Warn("disconnecting slow event stream",
			slog.String("session", st.sessionID),
			slog.String("stream", st.id),
		)
		h.registry.remove(st)
	}
}

func initializeClientName(params json.RawMessage) string {
	var p protocol.InitializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.ClientInfo.Name
}

func writeMessage(w http.ResponseWriter, status int, msg *protocol.JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if msg != nil {
		_ = json.NewEncoder(w).Encode(msg)
	}
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

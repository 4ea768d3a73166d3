package streamable

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oneagent/transportcore/protocol"
	"github.com/oneagent/transportcore/server"
)

const streamBufferSize = 100

// stream is one live SSE connection. Events flow through ch in append
// order; the HTTP handler goroutine is the only reader.
type stream struct {
	sessionID string
	id        string
	ch        chan *server.Event

	mu     sync.Mutex
	closed bool
}

// send queues an event without blocking. Reports false when the buffer is
// full or the stream is closed, which disconnects the consumer.
func (st *stream) send(evt *server.Event) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	select {
	case st.ch <- evt:
		return true
	default:
		return false
	}
}

func (st *stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		close(st.ch)
	}
}

// streamRegistry tracks live SSE streams by session and keeps the active
// stream gauge current.
type streamRegistry struct {
	mu      sync.Mutex
	streams map[string]map[*stream]struct{}
	total   int
	logger  *slog.Logger
	gauge   StreamGauge
}

func newStreamRegistry(logger *slog.Logger, gauge StreamGauge) *streamRegistry {
	return &streamRegistry{
		streams: make(map[string]map[*stream]struct{}),
		logger:  logger,
		gauge:   gauge,
	}
}

func (r *streamRegistry) report(n int) {
	if r.gauge != nil {
		r.gauge.SetActiveStreams(n)
	}
}

func (r *streamRegistry) add(st *stream) {
	r.mu.Lock()
	set, ok := r.streams[st.sessionID]
	if !ok {
		set = make(map[*stream]struct{})
		r.streams[st.sessionID] = set
	}
	set[st] = struct{}{}
	r.total++
	n := r.total
	r.mu.Unlock()
	r.report(n)
}

func (r *streamRegistry) remove(st *stream) {
	r.mu.Lock()
	if set, ok := r.streams[st.sessionID]; ok {
		if _, present := set[st]; present {
			delete(set, st)
			r.total--
		}
		if len(set) == 0 {
			delete(r.streams, st.sessionID)
		}
	}
	n := r.total
	r.mu.Unlock()
	r.report(n)
	st.close()
}

func (r *streamRegistry) bySession(sessionID string) []*stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*stream, 0, len(r.streams[sessionID]))
	for st := range r.streams[sessionID] {
		out = append(out, st)
	}
	return out
}

func (r *streamRegistry) closeSession(sessionID string) {
	r.mu.Lock()
	set := r.streams[sessionID]
	delete(r.streams, sessionID)
	r.total -= len(set)
	n := r.total
	r.mu.Unlock()
	r.report(n)
	for st := range set {
		st.close()
	}
}

// handleGET opens the SSE stream for a session, replaying missed events
// when the client resumes with Last-Event-ID.
func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	if !acceptsEventStream(r) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID != "" {
		if _, err := h.sessions.Get(sessionID); err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	} else {
		sess := &server.Session{ID: server.NewSessionID(), Origin: r.Header.Get("Origin")}
		if err := h.sessions.Create(sess); err != nil {
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		sessionID = sess.ID
	}

	// Resuming binds the connection to the stream the last event belongs
	// to; otherwise a fresh stream id is minted.
	var replay []*server.Event
	streamID := uuid.NewString()
	resumed := false
	if lastEventID := r.Header.Get(LastEventIDHeader); lastEventID != "" {
		if sid, ok := h.events.StreamOf(sessionID, lastEventID); ok {
			streamID = sid
			resumed = true
			replay = h.events.After(sessionID, sid, lastEventID)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionIDHeader, sessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	st := &stream{
		sessionID: sessionID,
		id:        streamID,
		ch:        make(chan *server.Event, streamBufferSize),
	}
	h.registry.add(st)
	h.setLastStream(sessionID, streamID)
	defer h.registry.remove(st)

	if resumed {
		for _, evt := range replay {
			writeEvent(w, flusher, evt)
		}
	} else {
		// A fresh stream opens with the initialized notification.
		if data, err := json.Marshal(protocol.NewNotification(protocol.NotificationInitialized, nil)); err == nil {
			h.deliver(st, data)
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-st.ch:
			if !ok {
				return
			}
			writeEvent(w, flusher, evt)
		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeEvent emits one SSE event: id line, optional event line, data
// lines, blank terminator.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, evt *server.Event) {
	fmt.Fprintf(w, "id: %s\n", evt.ID)
	if evt.Type != "" && evt.Type != "message" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	for _, line := range strings.Split(string(evt.Data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
	flusher.Flush()
}

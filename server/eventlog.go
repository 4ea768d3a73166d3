package server

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// DefaultMaxEventsPerSession caps the per-session ring buffer.
const DefaultMaxEventsPerSession = 1000

// Event is one SSE event on a stream within a session. Ids are monotone
// within a session, consistent with append order.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	StreamID  string          `json:"streamId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type sessionEvents struct {
	nextSeq uint64
	events  []*Event
}

// EventLog owns per-session bounded event history for SSE resumability.
// Oldest events are evicted on append overflow.
type EventLog struct {
	mu       sync.Mutex
	sessions map[string]*sessionEvents
	maxPer   int
	clock    Clock
	logger   *slog.Logger
}

func NewEventLog(maxPerSession int, clock Clock, logger *slog.Logger) *EventLog {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxEventsPerSession
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{
		sessions: make(map[string]*sessionEvents),
		maxPer:   maxPerSession,
		clock:    clock,
		logger:   logger,
	}
}

// Append assigns the next monotone id, stores the event, and evicts the
// oldest entry when the session is at capacity. Returns the assigned id.
func (l *EventLog) Append(evt *Event) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	se, ok := l.sessions[evt.SessionID]
	if !ok {
		se = &sessionEvents{nextSeq: 1}
		l.sessions[evt.SessionID] = se
	}

	evt.ID = strconv.FormatUint(se.nextSeq, 10)
	se.nextSeq++
	if evt.Timestamp.IsZero() {
		evt.Timestamp = l.clock.Now()
	}

	if len(se.events) >= l.maxPer {
		se.events = se.events[1:]
	}
	se.events = append(se.events, evt)
	return evt.ID
}

// After returns the events appended after lastEventID on the given stream.
// An unknown id yields an empty slice and a logged warning; resuming from
// the newest id yields an empty slice.
func (l *EventLog) After(sessionID, streamID, lastEventID string) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	se, ok := l.sessions[sessionID]
	if !ok {
		l.logger.Warn("resume for unknown session", slog.String("session", sessionID))
		return nil
	}

	pos := -1
	for i, evt := range se.events {
		if evt.ID == lastEventID {
			pos = i
			break
		}
	}
	if pos == -1 {
		l.logger.Warn("resume from unknown event id",
			slog.String("session", sessionID),
			slog.String("lastEventId", lastEventID),
		)
		return nil
	}

	var out []*Event
	for _, evt := range se.events[pos+1:] {
		if streamID == "" || evt.StreamID == streamID {
			out = append(out, evt)
		}
	}
	return out
}

// StreamOf reports the stream an event id belongs to.
func (l *EventLog) StreamOf(sessionID, eventID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	se, ok := l.sessions[sessionID]
	if !ok {
		return "", false
	}
	for _, evt := range se.events {
		if evt.ID == eventID {
			return evt.StreamID, true
		}
	}
	return "", false
}

// BySession returns a full copy of a session's retained events.
func (l *EventLog) BySession(sessionID string) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	se, ok := l.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*Event, len(se.events))
	copy(out, se.events)
	return out
}

// CleanupOlderThan drops events older than the cutoff and deletes session
// keys that become empty. Returns the number of removed events.
func (l *EventLog) CleanupOlderThan(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-maxAge)
	removed := 0
	for id, se := range l.sessions {
		keep := se.events[:0]
		for _, evt := range se.events {
			if evt.Timestamp.After(cutoff) {
				keep = append(keep, evt)
			} else {
				removed++
			}
		}
		se.events = keep
		if len(se.events) == 0 {
			delete(l.sessions, id)
		}
	}
	return removed
}

// DeleteSession discards all events retained for a session.
func (l *EventLog) DeleteSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Len reports the number of retained events for a session.
func (l *EventLog) Len(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if se, ok := l.sessions[sessionID]; ok {
		return len(se.events)
	}
	return 0
}

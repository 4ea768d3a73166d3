package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState tracks the lifecycle of one session.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionExpired    SessionState = "expired"
	SessionTerminated SessionState = "terminated"
)

const (
	// DefaultSessionTTL bounds session idle lifetime.
	DefaultSessionTTL = 30 * time.Minute
	// DefaultReapInterval is how often the background reaper runs.
	DefaultReapInterval = 5 * time.Minute
)

// Session represents a client's logical MCP conversation across one or
// more HTTP requests.
type Session struct {
	ID           string       `json:"id"`
	ClientID     string       `json:"clientId"`
	Origin       string       `json:"origin,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	State        SessionState `json:"state"`
}

// normalized returns a copy with timestamp fields round-tripped through
// their serialized form, so comparisons behave identically whether the
// session came from memory or from a JSON-backed cache.
func (s *Session) normalized() *Session {
	out := *s
	out.CreatedAt = normalizeTime(s.CreatedAt)
	out.LastActivity = normalizeTime(s.LastActivity)
	out.ExpiresAt = normalizeTime(s.ExpiresAt)
	return &out
}

func normalizeTime(t time.Time) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, t.Format(time.RFC3339Nano))
	if err != nil {
		return t
	}
	return parsed
}

// NewSessionID mints an opaque session id with at least 128 bits of entropy.
func NewSessionID() string {
	return uuid.NewString()
}

// SessionStore owns all sessions. Every operation is serialized over the
// session map; no lock is held across logging or engine calls.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	clock    Clock
	logger   *slog.Logger
}

func NewSessionStore(ttl time.Duration, clock Clock, logger *slog.Logger) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
	}
}

// TTL returns the configured session lifetime.
func (st *SessionStore) TTL() time.Duration { return st.ttl }

// Create inserts a new session. Fails with ErrSessionExists when the id is
// already present.
func (st *SessionStore) Create(sess *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[sess.ID]; ok {
		return ErrSessionExists
	}

	now := st.clock.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(st.ttl)
	}
	if sess.State == "" {
		sess.State = SessionActive
	}

	copied := *sess
	st.sessions[sess.ID] = &copied
	return nil
}

// Get returns the session with date fields normalized. Expired sessions
// are marked and reported as not found; expiresAt == now counts as expired.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	normalized := sess.normalized()
	if sess.State != SessionActive || !normalized.ExpiresAt.After(st.clock.Now()) {
		sess.State = SessionExpired
		return nil, ErrSessionNotFound
	}

	return normalized, nil
}

// Update applies a patch atomically. Typically used to bump lastActivity.
func (st *SessionStore) Update(id string, patch func(*Session)) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	patch(sess)
	return nil
}

// Touch bumps lastActivity and extends expiry by the store TTL.
func (st *SessionStore) Touch(id string) error {
	now := st.clock.Now()
	return st.Update(id, func(s *Session) {
		if now.After(s.LastActivity) {
			s.LastActivity = now
		}
		s.ExpiresAt = now.Add(st.ttl)
	})
}

// Delete is an idempotent soft removal: the session transitions to
// Terminated and is erased within the same critical section, so the
// intermediate state is never externally observable.
func (st *SessionStore) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if sess, ok := st.sessions[id]; ok {
		sess.State = SessionTerminated
		delete(st.sessions, id)
	}
}

// ListActive returns sessions with state Active and expiry in the future.
func (st *SessionStore) ListActive() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.clock.Now()
	var out []*Session
	for _, sess := range st.sessions {
		normalized := sess.normalized()
		if sess.State == SessionActive && normalized.ExpiresAt.After(now) {
			out = append(out, normalized)
		}
	}
	return out
}

// CleanupExpired evicts expired sessions and returns the count. The mutex
// is released before the result is logged.
func (st *SessionStore) CleanupExpired() int {
	st.mu.Lock()
	now := st.clock.Now()
	var evicted []string
	for id, sess := range st.sessions {
		normalized := sess.normalized()
		if sess.State != SessionActive || !normalized.ExpiresAt.After(now) {
			delete(st.sessions, id)
			evicted = append(evicted, id)
		}
	}
	st.mu.Unlock()

	if len(evicted) > 0 {
		st.logger.Info("reaped expired sessions", slog.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Len reports the number of stored sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

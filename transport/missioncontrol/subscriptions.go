package missioncontrol

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/oneagent/transportcore/server"
)

// SubscriptionManager tracks which channels each connection is subscribed
// to and fans out channel publishes. The mutex is never held across a
// channel hook or a send.
type SubscriptionManager struct {
	registry *Registry
	factory  *FrameFactory
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[*Conn]map[string]struct{}
}

func NewSubscriptionManager(registry *Registry, factory *FrameFactory, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		registry: registry,
		factory:  factory,
		logger:   logger,
		subs:     make(map[*Conn]map[string]struct{}),
	}
}

// Subscribe adds the connection to a channel. The channel's OnSubscribe
// hook runs exactly once per new pair; resubscribing is a no-op.
func (m *SubscriptionManager) Subscribe(conn *Conn, name string) error {
	ch, ok := m.registry.Get(name)
	if !ok {
		return server.UnknownChannel(name)
	}

	m.mu.Lock()
	set, ok := m.subs[conn]
	if !ok {
		set = make(map[string]struct{})
		m.subs[conn] = set
	}
	if _, already := set[name]; already {
		m.mu.Unlock()
		return nil
	}
	set[name] = struct{}{}
	m.mu.Unlock()

	if ch.OnSubscribe != nil {
		ch.OnSubscribe(conn)
	}
	return nil
}

// Unsubscribe removes the connection from a channel. Unsubscribing from a
// channel the connection never joined is a no-op ack.
func (m *SubscriptionManager) Unsubscribe(conn *Conn, name string) error {
	ch, ok := m.registry.Get(name)
	if !ok {
		return server.UnknownChannel(name)
	}

	m.mu.Lock()
	set := m.subs[conn]
	_, was := set[name]
	delete(set, name)
	m.mu.Unlock()

	if was && ch.OnUnsubscribe != nil {
		ch.OnUnsubscribe(conn)
	}
	return nil
}

// Channels returns the connection's subscriptions in sorted order.
func (m *SubscriptionManager) Channels(conn *Conn) []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.subs[conn]))
	for name := range m.subs[conn] {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

// DisposeConnection drops all subscriptions for a closing connection and
// runs each channel's DisposeConnection hook.
func (m *SubscriptionManager) DisposeConnection(conn *Conn) {
	m.mu.Lock()
	set := m.subs[conn]
	delete(m.subs, conn)
	m.mu.Unlock()

	for name := range set {
		if ch, ok := m.registry.Get(name); ok && ch.DisposeConnection != nil {
			ch.DisposeConnection(conn)
		}
	}
}

// Publish fans a payload out to every connection subscribed to the
// channel. Each connection gets its own frame with a fresh id. Returns
// the number of connections the frame was queued for.
func (m *SubscriptionManager) Publish(name string, payload interface{}) int {
	m.mu.Lock()
	var targets []*Conn
	for conn, set := range m.subs {
		if _, ok := set[name]; ok {
			targets = append(targets, conn)
		}
	}
	m.mu.Unlock()

	delivered := 0
	for _, conn := range targets {
		frame := m.factory.New(name)
		frame.Channel = name
		frame.Payload = payload
		if conn.Send(frame) {
			delivered++
		}
	}
	return delivered
}

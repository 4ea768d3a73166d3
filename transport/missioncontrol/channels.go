package missioncontrol

import (
	"fmt"
	"sort"
	"sync"
)

// Channel is a named topic clients subscribe to. Hooks must not block;
// long work is scheduled by the hook, never run inline.
type Channel struct {
	Name string

	// OnSubscribe runs exactly once per new (connection, channel) pair.
	OnSubscribe func(conn *Conn)
	// OnUnsubscribe runs on explicit unsubscribe only.
	OnUnsubscribe func(conn *Conn)
	// DisposeConnection runs on connection close for every channel the
	// connection was still subscribed to.
	DisposeConnection func(conn *Conn)
}

// Registry stores channels by name.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Register inserts a channel. Duplicate names fail.
func (r *Registry) Register(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.Name]; ok {
		return fmt.Errorf("channel already registered: %s", ch.Name)
	}
	r.channels[ch.Name] = ch
	return nil
}

func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// List returns registered channel names in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

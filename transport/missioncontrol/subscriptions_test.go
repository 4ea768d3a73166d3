package missioncontrol

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneagent/transportcore/server"
)

func newTestSubs(t *testing.T) (*Registry, *SubscriptionManager) {
	t.Helper()
	registry := NewRegistry()
	factory := NewFrameFactory("2025-06-18", FrameServer{Name: "srv", Version: "1"}, nil)
	return registry, NewSubscriptionManager(registry, factory, slog.Default())
}

func drainFrames(conn *Conn) []*Frame {
	var frames []*Frame
	for {
		select {
		case f := <-conn.send:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestRegistryDuplicate(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Channel{Name: "alerts"}))
	assert.Error(t, registry.Register(&Channel{Name: "alerts"}))
	assert.Equal(t, []string{"alerts"}, registry.List())
}

func TestSubscribeExactlyOneHookCall(t *testing.T) {
	registry, subs := newTestSubs(t)

	hookCalls := 0
	require.NoError(t, registry.Register(&Channel{
		Name:        "alerts",
		OnSubscribe: func(conn *Conn) { hookCalls++ },
	}))

	conn := newConn(nil, slog.Default())
	require.NoError(t, subs.Subscribe(conn, "alerts"))
	require.NoError(t, subs.Subscribe(conn, "alerts"))

	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, []string{"alerts"}, subs.Channels(conn))
}

func TestSubscribeUnknownChannel(t *testing.T) {
	_, subs := newTestSubs(t)
	conn := newConn(nil, slog.Default())

	err := subs.Subscribe(conn, "does_not_exist")
	require.Error(t, err)
	se := server.AsError(err)
	assert.Equal(t, server.CodeUnknownChannel, se.Code)
	assert.Empty(t, subs.Channels(conn))
}

func TestUnsubscribeHooks(t *testing.T) {
	registry, subs := newTestSubs(t)

	var unsubscribed int
	require.NoError(t, registry.Register(&Channel{
		Name:          "alerts",
		OnUnsubscribe: func(conn *Conn) { unsubscribed++ },
	}))

	conn := newConn(nil, slog.Default())
	require.NoError(t, subs.Subscribe(conn, "alerts"))
	require.NoError(t, subs.Unsubscribe(conn, "alerts"))
	assert.Equal(t, 1, unsubscribed)

	// Unsubscribing again is a no-op ack, not a second hook call.
	require.NoError(t, subs.Unsubscribe(conn, "alerts"))
	assert.Equal(t, 1, unsubscribed)
}

func TestDisposeConnection(t *testing.T) {
	registry, subs := newTestSubs(t)

	var disposed []string
	for _, name := range []string{"a", "b"} {
		name := name
		require.NoError(t, registry.Register(&Channel{
			Name:              name,
			DisposeConnection: func(conn *Conn) { disposed = append(disposed, name) },
		}))
	}

	conn := newConn(nil, slog.Default())
	require.NoError(t, subs.Subscribe(conn, "a"))
	require.NoError(t, subs.Subscribe(conn, "b"))

	subs.DisposeConnection(conn)
	assert.Len(t, disposed, 2)
	assert.Empty(t, subs.Channels(conn))

	// Dispose is idempotent.
	subs.DisposeConnection(conn)
	assert.Len(t, disposed, 2)
}

func TestPublishFanOut(t *testing.T) {
	registry, subs := newTestSubs(t)
	require.NoError(t, registry.Register(&Channel{Name: "metrics_tick"}))

	subscriber := newConn(nil, slog.Default())
	bystander := newConn(nil, slog.Default())
	require.NoError(t, subs.Subscribe(subscriber, "metrics_tick"))

	delivered := subs.Publish("metrics_tick", map[string]int{"requests": 3})
	assert.Equal(t, 1, delivered)

	frames := drainFrames(subscriber)
	require.Len(t, frames, 1)
	assert.Equal(t, "metrics_tick", frames[0].Type)
	assert.Equal(t, "metrics_tick", frames[0].Channel)
	assert.NotNil(t, frames[0].Payload)

	assert.Empty(t, drainFrames(bystander))
}

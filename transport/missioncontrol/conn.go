package missioncontrol

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 64
	writeTimeout   = 10 * time.Second
)

// FrameRecorder counts outbound frames by type.
type FrameRecorder interface {
	RecordFrame(frameType string)
}

// Conn wraps one WebSocket connection. All writes go through the send
// queue and are serialized by a single writer goroutine, so outbound
// frames leave in submission order.
type Conn struct {
	id       string
	ws       *websocket.Conn
	send     chan *Frame
	logger   *slog.Logger
	recorder FrameRecorder

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		id:     "conn-" + uuid.NewString(),
		ws:     ws,
		send:   make(chan *Frame, sendBufferSize),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// ID returns the connection's opaque identifier.
func (c *Conn) ID() string { return c.id }

// Send queues a frame for the writer goroutine. Reports false when the
// connection is closed or the queue is full; a full queue closes the
// connection rather than blocking the publisher.
func (c *Conn) Send(frame *Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return false
	default:
		c.logger.Warn("closing slow mission-control connection",
			slog.String("conn", c.id),
		)
		c.Close()
		return false
	}
}

// Close marks the connection closed and tears down the socket. Safe to
// call from any goroutine, any number of times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// writeLoop is the single writer: frames from the queue plus heartbeats.
func (c *Conn) writeLoop(heartbeat time.Duration, factory *FrameFactory) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-ticker.C:
			if !c.ping() {
				return
			}
			if !c.write(factory.New(FrameHeartbeat)) {
				return
			}
		}
	}
}

// ping sends a WebSocket ping control frame. Reading clients answer it
// automatically, which refreshes the server's read deadline, so a client
// that only listens is never mistaken for a dead peer.
func (c *Conn) ping() bool {
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		c.Close()
		return false
	}
	return true
}

func (c *Conn) write(frame *Frame) bool {
	CheckOutbound(frame, c.logger)
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		c.Close()
		return false
	}
	if c.recorder != nil {
		c.recorder.RecordFrame(frame.Type)
	}
	return true
}

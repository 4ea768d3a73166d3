// Package missioncontrol implements the mission-control WebSocket
// transport: channel pub-sub, mission execution and the frame protocol.
package missioncontrol

import (
	"time"

	"github.com/google/uuid"

	"github.com/oneagent/transportcore/server"
)

// Outbound frame types.
const (
	FrameHeartbeat         = "heartbeat"
	FramePong              = "pong"
	FrameWhoami            = "whoami"
	FrameSubscriptionAck   = "subscription_ack"
	FrameSubscriptionError = "subscription_error"
	FrameProtocolError     = "protocol_error"
	FrameMissionUpdate     = "mission_update"
	FrameMissionLog        = "mission_log"
	FrameMissionComplete   = "mission_complete"
	FrameMissionError      = "mission_error"
	FrameMissionCanceled   = "mission_canceled"
)

// Inbound frame types.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypePing          = "ping"
	TypeWhoami        = "whoami"
	TypeMissionStart  = "mission_start"
	TypeMissionCancel = "mission_cancel"
)

// FrameServer identifies the sending server inside every frame.
type FrameServer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// FrameError carries a canonical error code on error frames.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Frame is the outbound envelope. Every frame carries protocol version,
// type, a per-kind id, both timestamp representations and the server
// identity; the remaining fields depend on the frame type.
type Frame struct {
	ProtocolVersion string      `json:"protocolVersion"`
	Type            string      `json:"type"`
	ID              string      `json:"id"`
	Timestamp       string      `json:"timestamp"`
	Unix            int64       `json:"unix"`
	Server          FrameServer `json:"server"`

	Channel       string      `json:"channel,omitempty"`
	Subscriptions []string    `json:"subscriptions,omitempty"`
	ConnectionID  string      `json:"connectionId,omitempty"`
	MissionID     string      `json:"missionId,omitempty"`
	Status        string      `json:"status,omitempty"`
	Stage         string      `json:"stage,omitempty"`
	Message       string      `json:"message,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
	Error         *FrameError `json:"error,omitempty"`
}

// FrameFactory stamps outbound frames. All times come from the injected
// clock so frames and expiry checks agree on "now".
type FrameFactory struct {
	version string
	server  FrameServer
	clock   server.Clock
}

func NewFrameFactory(protocolVersion string, identity FrameServer, clock server.Clock) *FrameFactory {
	if clock == nil {
		clock = server.SystemClock()
	}
	return &FrameFactory{version: protocolVersion, server: identity, clock: clock}
}

// New builds a frame of the given type with a fresh per-kind id.
func (f *FrameFactory) New(frameType string) *Frame {
	now := f.clock.Now()
	return &Frame{
		ProtocolVersion: f.version,
		Type:            frameType,
		ID:              newFrameID(frameType),
		Timestamp:       now.UTC().Format(time.RFC3339),
		Unix:            now.Unix(),
		Server:          f.server,
	}
}

// NewError builds an error frame of the given type.
func (f *FrameFactory) NewError(frameType, code, message string) *Frame {
	frame := f.New(frameType)
	frame.Error = &FrameError{Code: code, Message: message}
	return frame
}

// newFrameID mints a kind-prefixed unique id.
func newFrameID(kind string) string {
	return kind + "-" + uuid.NewString()
}

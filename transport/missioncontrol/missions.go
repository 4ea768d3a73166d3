package missioncontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/oneagent/transportcore/engine"
	"github.com/oneagent/transportcore/server"
)

// MissionStatus is the lifecycle state of one mission.
type MissionStatus string

const (
	MissionPending   MissionStatus = "pending"
	MissionRunning   MissionStatus = "running"
	MissionCanceled  MissionStatus = "canceled"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
)

// StageLog is the progress stage engines use for informational output.
// It streams as mission_log instead of mission_update.
const StageLog = "log"

// MissionRecorder counts missions by terminal outcome.
type MissionRecorder interface {
	RecordMission(outcome string)
}

// Mission is one execution instance bound to a connection. At most one
// transition out of Running happens; terminal states emit exactly one
// terminal frame.
type Mission struct {
	ID     string
	ConnID string

	mu     sync.Mutex
	status MissionStatus
	cancel context.CancelFunc
}

// transition moves the mission to a terminal state. Reports false when a
// terminal transition already happened, in which case the caller must not
// emit further frames.
func (m *Mission) transition(to MissionStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status {
	case MissionCanceled, MissionCompleted, MissionFailed:
		return false
	}
	m.status = to
	return true
}

func (m *Mission) Status() MissionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Mission) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == MissionRunning
}

// Executor owns missions keyed by (connection, mission id) and streams
// mission frames to the owning connection.
type Executor struct {
	engine  engine.Engine
	factory *FrameFactory
	clock   server.Clock
	logger  *slog.Logger
	metrics MissionRecorder

	mu       sync.Mutex
	missions map[string]map[string]*Mission
}

func NewExecutor(eng engine.Engine, factory *FrameFactory, clock server.Clock, logger *slog.Logger) *Executor {
	if clock == nil {
		clock = server.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		engine:   eng,
		factory:  factory,
		clock:    clock,
		logger:   logger,
		missions: make(map[string]map[string]*Mission),
	}
}

// SetRecorder wires terminal-outcome counting.
func (e *Executor) SetRecorder(r MissionRecorder) { e.metrics = r }

// parseObjective strips the optional leading "/mission" token from the
// command and returns the objective text.
func parseObjective(command string) string {
	command = strings.TrimSpace(command)
	if first, rest, ok := strings.Cut(command, " "); ok && first == "/mission" {
		return strings.TrimSpace(rest)
	}
	if command == "/mission" {
		return ""
	}
	return command
}

// Start accepts a mission and returns its id immediately; execution runs
// concurrently and streams frames to the connection.
func (e *Executor) Start(conn *Conn, command string) string {
	objective := parseObjective(command)

	ctx, cancel := context.WithCancel(context.Background())
	mission := &Mission{
		ID:     newFrameID("mission"),
		ConnID: conn.ID(),
		status: MissionPending,
		cancel: cancel,
	}

	e.mu.Lock()
	byConn, ok := e.missions[conn.ID()]
	if !ok {
		byConn = make(map[string]*Mission)
		e.missions[conn.ID()] = byConn
	}
	byConn[mission.ID] = mission
	e.mu.Unlock()

	go e.run(ctx, conn, mission, objective)
	return mission.ID
}

// Cancel trips the cancel token of one mission. Unknown ids fail with
// unknown_mission.
func (e *Executor) Cancel(conn *Conn, missionID string) error {
	e.mu.Lock()
	mission, ok := e.missions[conn.ID()][missionID]
	e.mu.Unlock()
	if !ok {
		return server.UnknownMission(missionID)
	}
	mission.cancel()
	return nil
}

// CancelAll trips every mission owned by a closing connection.
func (e *Executor) CancelAll(conn *Conn) {
	e.mu.Lock()
	byConn := e.missions[conn.ID()]
	delete(e.missions, conn.ID())
	missions := make([]*Mission, 0, len(byConn))
	for _, m := range byConn {
		missions = append(missions, m)
	}
	e.mu.Unlock()

	for _, m := range missions {
		m.cancel()
	}
}

// Counts reports missions by status across all connections.
func (e *Executor) Counts() map[MissionStatus]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[MissionStatus]int)
	for _, byConn := range e.missions {
		for _, m := range byConn {
			counts[m.Status()]++
		}
	}
	return counts
}

func (e *Executor) run(ctx context.Context, conn *Conn, mission *Mission, objective string) {
	defer mission.cancel()

	mission.mu.Lock()
	mission.status = MissionRunning
	mission.mu.Unlock()

	update := e.factory.New(FrameMissionUpdate)
	update.MissionID = mission.ID
	update.Status = string(MissionRunning)
	update.Stage = "accepted"
	conn.Send(update)

	params, err := json.Marshal(map[string]string{"objective": objective})
	if err != nil {
		e.finish(conn, mission, MissionFailed, "failed to encode objective", nil)
		return
	}

	resp, err := e.engine.ProcessRequest(ctx, &engine.Request{
		ID:        mission.ID,
		Type:      "mission",
		Method:    "mission/execute",
		Params:    params,
		Timestamp: e.clock.Now(),
		Progress: func(stage string, detail interface{}) {
			if !mission.running() {
				return
			}
			if stage == StageLog {
				frame := e.factory.New(FrameMissionLog)
				frame.MissionID = mission.ID
				if text, ok := detail.(string); ok {
					frame.Message = text
				} else {
					frame.Payload = detail
				}
				conn.Send(frame)
				return
			}
			frame := e.factory.New(FrameMissionUpdate)
			frame.MissionID = mission.ID
			frame.Status = string(MissionRunning)
			frame.Stage = stage
			frame.Payload = detail
			conn.Send(frame)
		},
	})

	switch {
	case ctx.Err() != nil:
		e.finish(conn, mission, MissionCanceled, "", nil)
	case err != nil:
		e.logger.Error("mission failed",
			slog.String("mission", mission.ID),
			slog.String("error", err.Error()),
		)
		e.finish(conn, mission, MissionFailed, "mission execution failed", nil)
	case !resp.Success:
		message := "mission execution failed"
		if resp.Error != nil {
			message = resp.Error.Message
		}
		e.finish(conn, mission, MissionFailed, message, nil)
	default:
		e.finish(conn, mission, MissionCompleted, "", resp.Data)
	}
}

// finish performs the terminal transition and emits the single terminal
// frame. A mission that already reached a terminal state emits nothing.
func (e *Executor) finish(conn *Conn, mission *Mission, to MissionStatus, message string, payload interface{}) {
	if !mission.transition(to) {
		return
	}
	if e.metrics != nil {
		e.metrics.RecordMission(string(to))
	}

	var frame *Frame
	switch to {
	case MissionCanceled:
		frame = e.factory.New(FrameMissionCanceled)
	case MissionFailed:
		frame = e.factory.NewError(FrameMissionError, string(server.CodeInternal), message)
	default:
		frame = e.factory.New(FrameMissionComplete)
		frame.Payload = payload
	}
	frame.MissionID = mission.ID
	frame.Status = string(to)
	conn.Send(frame)
}

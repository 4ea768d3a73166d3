package missioncontrol

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/oneagent/transportcore/server"
)

const (
	// DefaultPath is the only path accepting upgrades.
	DefaultPath = "/ws/mission-control"

	// DefaultHeartbeatInterval spaces outbound heartbeat frames. A peer
	// silent for more than twice the interval is considered dead.
	DefaultHeartbeatInterval = 30 * time.Second

	inboundRate  = 20
	inboundBurst = 40
)

// Options tunes the mission-control server.
type Options struct {
	Path              string
	HeartbeatInterval time.Duration
	Clock             server.Clock
	Logger            *slog.Logger
	Metrics           FrameRecorder
}

// Server accepts mission-control WebSocket connections on a fixed path
// and runs one read loop plus one writer goroutine per connection.
type Server struct {
	path      string
	heartbeat time.Duration
	factory   *FrameFactory
	registry  *Registry
	subs      *SubscriptionManager
	missions  *Executor
	origins   *server.OriginValidator
	logger    *slog.Logger
	metrics   FrameRecorder
	upgrader  websocket.Upgrader
}

func NewServer(factory *FrameFactory, registry *Registry, subs *SubscriptionManager, missions *Executor, origins *server.OriginValidator, opts Options) *Server {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		path:      opts.Path,
		heartbeat: opts.HeartbeatInterval,
		factory:   factory,
		registry:  registry,
		subs:      subs,
		missions:  missions,
		origins:   origins,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return origins.Validate(r.Header.Get("Origin")).Allowed
		},
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newConn(ws, s.logger)
	conn.recorder = s.metrics
	s.logger.Info("mission-control connection opened", slog.String("conn", conn.ID()))

	go conn.writeLoop(s.heartbeat, s.factory)
	s.readLoop(conn)
}

// readLoop owns the connection: it validates and dispatches inbound
// frames, and on exit releases subscriptions and cancels missions.
func (s *Server) readLoop(conn *Conn) {
	defer func() {
		conn.Close()
		s.subs.DisposeConnection(conn)
		s.missions.CancelAll(conn)
		s.logger.Info("mission-control connection closed", slog.String("conn", conn.ID()))
	}()

	limiter := rate.NewLimiter(rate.Limit(inboundRate), inboundBurst)
	deadline := 2 * s.heartbeat
	_ = conn.ws.SetReadDeadline(time.Now().Add(deadline))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(deadline))

		if !limiter.Allow() {
			conn.Send(s.factory.NewError(FrameProtocolError, string(server.CodeInvalidMessage), "rate limit exceeded"))
			continue
		}

		in, verr := ValidateInbound(data)
		if verr != nil {
			conn.Send(s.factory.NewError(FrameProtocolError, string(verr.Code), verr.Message))
			continue
		}

		s.handleFrame(conn, in)
	}
}

func (s *Server) handleFrame(conn *Conn, in *Inbound) {
	switch in.Type {
	case TypeSubscribe:
		for _, name := range in.Channels {
			s.handleSubscribe(conn, name)
		}
	case TypeUnsubscribe:
		for _, name := range in.Channels {
			s.handleUnsubscribe(conn, name)
		}
	case TypePing:
		conn.Send(s.factory.New(FramePong))
	case TypeWhoami:
		frame := s.factory.New(FrameWhoami)
		frame.ConnectionID = conn.ID()
		frame.Subscriptions = s.subs.Channels(conn)
		conn.Send(frame)
	case TypeMissionStart:
		s.missions.Start(conn, in.Command)
	case TypeMissionCancel:
		if err := s.missions.Cancel(conn, in.MissionID); err != nil {
			frame := s.factory.NewError(FrameProtocolError, string(server.CodeUnknownMission), "unknown mission")
			frame.MissionID = in.MissionID
			conn.Send(frame)
		}
	}
}

func (s *Server) handleSubscribe(conn *Conn, name string) {
	if err := s.subs.Subscribe(conn, name); err != nil {
		var se *server.Error
		code := string(server.CodeInternal)
		if errors.As(err, &se) {
			code = string(se.Code)
		}
		frame := s.factory.NewError(FrameSubscriptionError, code, "subscribe failed")
		frame.Channel = name
		conn.Send(frame)
		return
	}
	frame := s.factory.New(FrameSubscriptionAck)
	frame.Channel = name
	frame.Subscriptions = s.subs.Channels(conn)
	conn.Send(frame)
}

func (s *Server) handleUnsubscribe(conn *Conn, name string) {
	if err := s.subs.Unsubscribe(conn, name); err != nil {
		var se *server.Error
		code := string(server.CodeInternal)
		if errors.As(err, &se) {
			code = string(se.Code)
		}
		frame := s.factory.NewError(FrameSubscriptionError, code, "unsubscribe failed")
		frame.Channel = name
		conn.Send(frame)
		return
	}
	frame := s.factory.New(FrameSubscriptionAck)
	frame.Channel = name
	frame.Subscriptions = s.subs.Channels(conn)
	conn.Send(frame)
}

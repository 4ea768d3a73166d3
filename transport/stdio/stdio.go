// Package stdio implements the MCP stdio transport. Messages are framed
// with Content-Length headers; stdout carries protocol bytes only, all
// diagnostics go to stderr.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/oneagent/transportcore/protocol"
	"github.com/oneagent/transportcore/server"
)

const maxFrameBytes = 4 << 20

// ErrMalformedFrame reports a header block the framer skipped. The caller
// resumes reading at the next frame boundary.
var ErrMalformedFrame = errors.New("malformed frame header")

// Framer reads Content-Length framed messages.
type Framer struct {
	r *bufio.Reader
}

func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReader(r)}
}

// ReadMessage reads one framed payload: header lines terminated by CRLF,
// a blank line, then exactly Content-Length payload bytes. A bad header
// block is consumed through its blank line and reported as
// ErrMalformedFrame so the stream stays in sync.
func (f *Framer) ReadMessage() ([]byte, error) {
	length := -1
	sawHeader := false

	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawHeader && line == "" {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !sawHeader {
				// Stray blank line between frames.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			f.skipToBlankLine()
			return nil, ErrMalformedFrame
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > maxFrameBytes {
				f.skipToBlankLine()
				return nil, ErrMalformedFrame
			}
			length = n
		}
		// Unknown headers are tolerated.
	}

	if length < 0 {
		return nil, ErrMalformedFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (f *Framer) skipToBlankLine() {
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return
		}
	}
}

// WriteMessage emits one framed payload.
func WriteMessage(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Options configures the stdio server. Zero values select os.Stdin,
// os.Stdout and a stderr logger.
type Options struct {
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// Server runs the synchronous stdio loop: read one frame, dispatch,
// write one response.
type Server struct {
	dispatcher *server.Dispatcher
	framer     *Framer
	out        io.Writer
	outMu      sync.Mutex
	logger     *slog.Logger
	scope      string

	initialized bool
}

func NewServer(dispatcher *server.Dispatcher, opts Options) *Server {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Server{
		dispatcher: dispatcher,
		framer:     NewFramer(opts.In),
		out:        opts.Out,
		logger:     opts.Logger,
		scope:      server.NewSessionID(),
	}
}

// Serve reads frames until EOF or ctx cancellation.
func (s *Server) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := s.framer.ReadMessage()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, ErrMalformedFrame) {
				s.logger.Warn("skipping malformed frame")
				continue
			}
			return err
		}

		if resp := s.handleFrame(ctx, data); resp != nil {
			if err := s.write(resp); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, data []byte) *protocol.JSONRPCMessage {
	var msg protocol.JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		if id := extractID(data); id != nil {
			return protocol.NewError(id, protocol.ParseError, "parse error", nil)
		}
		s.logger.Warn("dropping unparseable frame", slog.String("error", err.Error()))
		return nil
	}
	if err := protocol.ValidateEnvelope(&msg); err != nil {
		return protocol.NewError(msg.ID, protocol.InvalidRequest, err.Error(), nil)
	}

	if !msg.IsNotification() && !s.initialized {
		switch msg.Method {
		case protocol.MethodInitialize, protocol.MethodPing:
		default:
			return protocol.NewError(msg.ID, protocol.InvalidRequest, "server not initialized", nil)
		}
	}

	resp := s.dispatcher.Handle(server.WithCancelScope(ctx, s.scope), &msg)
	if msg.Method == protocol.MethodInitialize && resp != nil && resp.Error == nil {
		s.initialized = true
	}
	return resp
}

func (s *Server) write(msg *protocol.JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return WriteMessage(s.out, data)
}

// extractID recovers the request id from a frame whose envelope failed to
// decode, when the surrounding JSON is still well-formed.
func extractID(data []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	return probe.ID
}

package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneagent/transportcore/engine"
	"github.com/oneagent/transportcore/protocol"
	"github.com/oneagent/transportcore/server"
)

func frame(payload string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
}

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, []byte(`{"a":1}`)))
	require.NoError(t, WriteMessage(&buf, []byte(`{"b":2}`)))

	f := NewFramer(&buf)
	msg, err := f.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(msg))

	msg, err = f.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(msg))

	_, err = f.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

func TestFramerResyncAfterBadHeader(t *testing.T) {
	input := "Garbage-Header-Without-Colon\r\n\r\n" + frame(`{"ok":true}`)
	f := NewFramer(strings.NewReader(input))

	_, err := f.ReadMessage()
	assert.ErrorIs(t, err, ErrMalformedFrame)

	msg, err := f.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(msg))
}

func TestFramerRejectsAbsurdLength(t *testing.T) {
	input := "Content-Length: 99999999999\r\n\r\n"
	f := NewFramer(strings.NewReader(input))
	_, err := f.ReadMessage()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func newTestServer(t *testing.T, in io.Reader, out io.Writer) *Server {
	t.Helper()
	eng := engine.NewLocal()
	require.NoError(t, eng.RegisterTool("echo", "Echo", "utility", nil,
		func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			return "ok", nil
		}))
	dispatcher := server.NewDispatcher(eng, server.Options{
		ServerInfo: protocol.ServerInfo{Name: "test-server", Version: "0.0.1"},
	})
	return NewServer(dispatcher, Options{In: in, Out: out})
}

func readResponses(t *testing.T, out *bytes.Buffer) []*protocol.JSONRPCMessage {
	t.Helper()
	f := NewFramer(bytes.NewReader(out.Bytes()))
	var msgs []*protocol.JSONRPCMessage
	for {
		data, err := f.ReadMessage()
		if err == io.EOF {
			return msgs
		}
		require.NoError(t, err)
		var msg protocol.JSONRPCMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		msgs = append(msgs, &msg)
	}
}

func TestServeInitializeThenToolsList(t *testing.T) {
	input := frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`) +
		frame(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	var out bytes.Buffer
	srv := newTestServer(t, strings.NewReader(input), &out)
	require.NoError(t, srv.Serve(context.Background()))

	msgs := readResponses(t, &out)
	require.Len(t, msgs, 2)

	var init protocol.InitializeResult
	require.NoError(t, json.Unmarshal(msgs[0].Result, &init))
	assert.Equal(t, "2025-06-18", init.ProtocolVersion)

	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(msgs[1].Result, &list))
	require.Len(t, list.Tools, 1)
}

func TestServeRejectsRequestsBeforeInitialize(t *testing.T) {
	input := frame(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	var out bytes.Buffer
	srv := newTestServer(t, strings.NewReader(input), &out)
	require.NoError(t, srv.Serve(context.Background()))

	msgs := readResponses(t, &out)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, protocol.InvalidRequest, msgs[0].Error.Code)
}

func TestServeParseErrorWithRecoverableID(t *testing.T) {
	// Valid JSON, but the envelope cannot decode: method has the wrong type.
	input := frame(`{"jsonrpc":"2.0","id":9,"method":12345}`)

	var out bytes.Buffer
	srv := newTestServer(t, strings.NewReader(input), &out)
	require.NoError(t, srv.Serve(context.Background()))

	msgs := readResponses(t, &out)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, protocol.ParseError, msgs[0].Error.Code)
	assert.Equal(t, "9", msgs[0].GetIDString())
}

func TestServeDropsUnparseableFrame(t *testing.T) {
	input := frame(`{{{`) + frame(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	var out bytes.Buffer
	srv := newTestServer(t, strings.NewReader(input), &out)
	require.NoError(t, srv.Serve(context.Background()))

	// Only the ping got a response; the garbage frame was logged and skipped.
	msgs := readResponses(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].GetIDString())
}

func TestServeNotificationNoResponse(t *testing.T) {
	input := frame(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	var out bytes.Buffer
	srv := newTestServer(t, strings.NewReader(input), &out)
	require.NoError(t, srv.Serve(context.Background()))
	assert.Empty(t, readResponses(t, &out))
}

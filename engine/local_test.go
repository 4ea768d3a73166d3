package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEngineToolCall(t *testing.T) {
	eng := NewLocal()

	type addArgs struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	require.NoError(t, eng.RegisterTool("add", "Add two numbers", "math", addArgs{},
		func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var in addArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in.A + in.B, nil
		}))

	tools := eng.AvailableTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "add", tools[0].Name)
	assert.Equal(t, "math", tools[0].Set)
	assert.Contains(t, string(tools[0].InputSchema), `"a"`)

	resp, err := eng.ProcessRequest(context.Background(), &Request{
		Type:   "tool",
		Method: "add",
		Params: json.RawMessage(`{"a":2,"b":3}`),
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, 5, resp.Data)
}

func TestLocalEngineUnknownTool(t *testing.T) {
	eng := NewLocal()
	resp, err := eng.ProcessRequest(context.Background(), &Request{Type: "tool", Method: "nope"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
}

func TestLocalEngineMissionCancellation(t *testing.T) {
	eng := NewLocal()
	eng.RegisterMission(func(ctx context.Context, objective string, progress func(string, interface{})) (interface{}, error) {
		progress("started", objective)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	var stages []string

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := eng.ProcessRequest(ctx, &Request{
			Type:   "mission",
			Method: "mission/execute",
			Params: json.RawMessage(`{"objective":"index"}`),
			Progress: func(stage string, detail interface{}) {
				stages = append(stages, stage)
				cancel()
			},
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()
	<-done
	assert.Equal(t, []string{"started"}, stages)
}

func TestLocalEngineDefaultMission(t *testing.T) {
	eng := NewLocal()
	var stages []string
	resp, err := eng.ProcessRequest(context.Background(), &Request{
		Type:   "mission",
		Method: "mission/execute",
		Params: json.RawMessage(`{"objective":"scan repo"}`),
		Progress: func(stage string, detail interface{}) {
			stages = append(stages, stage)
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, []string{"planning", "executing", "verifying"}, stages)
}

func TestEmitterFanOut(t *testing.T) {
	eng := NewLocal()
	fired := 0
	eng.On(ToolsChanged, func() { fired++ })

	require.NoError(t, eng.RegisterTool("t", "", "", nil,
		func(ctx context.Context, args json.RawMessage) (interface{}, error) { return nil, nil }))
	assert.Equal(t, 1, fired)
}

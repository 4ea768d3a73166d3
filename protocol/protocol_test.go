package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, false},
		{"valid notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, false},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, false},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, false},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, true},
		{"missing version", `{"id":1,"method":"ping"}`, true},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, true},
		{"object id", `{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`, true},
		{"array id", `{"jsonrpc":"2.0","id":[1],"method":"ping"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg JSONRPCMessage
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &msg))
			err := ValidateEnvelope(&msg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsNotification(t *testing.T) {
	var msg JSONRPCMessage
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &msg))
	assert.True(t, msg.IsNotification())

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`), &msg))
	assert.False(t, msg.IsNotification())
}

func TestNewErrorNullID(t *testing.T) {
	resp := NewError(nil, InvalidRequest, "batch requests are not supported", nil)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":null`)
	assert.Contains(t, string(data), `"code":-32600`)
}

func TestIDRoundTrip(t *testing.T) {
	assert.Equal(t, "42", IDToString(json.RawMessage(`42`)))
	assert.Equal(t, "abc", IDToString(json.RawMessage(`"abc"`)))
	assert.Equal(t, json.RawMessage(`42`), StringToID("42"))
	assert.Equal(t, json.RawMessage(`"abc"`), StringToID("abc"))
	assert.Nil(t, StringToID(""))
}

func TestVersionNegotiation(t *testing.T) {
	assert.True(t, IsVersionSupported("2025-06-18"))
	assert.True(t, IsVersionSupported("2024-11-05"))
	assert.False(t, IsVersionSupported("1999-01-01"))
	assert.Equal(t, MCPVersion, GetSupportedVersions()[0])
}

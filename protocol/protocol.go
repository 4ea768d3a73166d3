package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	MCPVersion     = "2025-06-18"
	JSONRPCVersion = "2.0"

	// Supported protocol versions list (for backward compatibility check)
	MCPVersion2025_03_26 = "2025-03-26"
	MCPVersionLegacy     = "2024-11-05"
)

// JSON-RPC 2.0 standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (m *JSONRPCMessage) IsNotification() bool {
	return len(m.ID) == 0 || string(m.ID) == "null"
}

func (m *JSONRPCMessage) GetIDString() string {
	return IDToString(m.ID)
}

// NewResult builds a success response keyed to the request id.
func NewResult(id json.RawMessage, result interface{}) *JSONRPCMessage {
	data, err := json.Marshal(result)
	if err != nil {
		return NewError(id, InternalError, "failed to marshal result", nil)
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  data,
	}
}

// NewError builds an error response keyed to the request id.
// A nil id serializes as "id":null per JSON-RPC 2.0.
func NewError(id json.RawMessage, code int, message string, data interface{}) *JSONRPCMessage {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params interface{}) *JSONRPCMessage {
	msg := &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			msg.Params = data
		}
	}
	return msg
}

// ValidateEnvelope shape-checks an inbound JSON-RPC message:
// jsonrpc must equal "2.0", method must be a non-empty string, and id,
// when present, must be a string, number or null.
func ValidateEnvelope(msg *JSONRPCMessage) error {
	if msg.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("jsonrpc must be %q, got %q", JSONRPCVersion, msg.JSONRPC)
	}
	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return fmt.Errorf("method must be a non-empty string")
	}
	if len(msg.ID) > 0 {
		if !validID(msg.ID) {
			return fmt.Errorf("id must be a string, number or null")
		}
	}
	return nil
}

func validID(id json.RawMessage) bool {
	if string(id) == "null" {
		return true
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return true
	}
	var n float64
	return json.Unmarshal(id, &n) == nil
}

// IsVersionSupported checks if the protocol version is supported.
func IsVersionSupported(version string) bool {
	for _, supported := range GetSupportedVersions() {
		if version == supported {
			return true
		}
	}
	return false
}

func GetSupportedVersions() []string {
	return []string{
		MCPVersion,           // Latest version first
		MCPVersion2025_03_26, // Intermediate version
		MCPVersionLegacy,     // Backward compatibility
	}
}

func IDToString(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}

	var strID string
	if err := json.Unmarshal(id, &strID); err == nil {
		return strID
	}

	var numID float64
	if err := json.Unmarshal(id, &numID); err == nil {
		if numID == float64(int64(numID)) {
			return fmt.Sprintf("%.0f", numID)
		}
		return fmt.Sprintf("%g", numID)
	}

	return string(id)
}

// StringToID converts string to JSON-RPC ID
func StringToID(id string) json.RawMessage {
	if id == "" {
		return nil
	}

	if num, err := strconv.ParseFloat(id, 64); err == nil {
		if num == float64(int64(num)) {
			return json.RawMessage(fmt.Sprintf("%.0f", num))
		}
		return json.RawMessage(fmt.Sprintf("%g", num))
	}

	idBytes, _ := json.Marshal(id)
	return idBytes
}

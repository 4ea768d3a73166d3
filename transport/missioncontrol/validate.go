package missioncontrol

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/oneagent/transportcore/server"
)

// Inbound is a validated client frame.
type Inbound struct {
	Type      string   `json:"type"`
	Channels  []string `json:"channels,omitempty"`
	Command   string   `json:"command,omitempty"`
	MissionID string   `json:"missionId,omitempty"`
}

// inboundSchemaJSON accepts exactly the six client frame shapes.
const inboundSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "oneOf": [
    {
      "properties": {
        "type": {"const": "subscribe"},
        "channels": {"type": "array", "items": {"type": "string"}, "minItems": 1}
      },
      "required": ["type", "channels"]
    },
    {
      "properties": {
        "type": {"const": "unsubscribe"},
        "channels": {"type": "array", "items": {"type": "string"}, "minItems": 1}
      },
      "required": ["type", "channels"]
    },
    {
      "properties": {"type": {"const": "ping"}},
      "required": ["type"]
    },
    {
      "properties": {"type": {"const": "whoami"}},
      "required": ["type"]
    },
    {
      "properties": {
        "type": {"const": "mission_start"},
        "command": {"type": "string", "minLength": 1}
      },
      "required": ["type", "command"]
    },
    {
      "properties": {
        "type": {"const": "mission_cancel"},
        "missionId": {"type": "string", "minLength": 1}
      },
      "required": ["type", "missionId"]
    }
  ]
}`

var inboundSchema = mustCompileInboundSchema()

func mustCompileInboundSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inbound.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("inbound.json")
}

// ValidateInbound parses and schema-checks one client frame. Unparseable
// bytes yield invalid_json; parseable frames of the wrong shape yield
// invalid_message.
func ValidateInbound(data []byte) (*Inbound, *server.Error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, server.NewError(server.CodeInvalidJSON, server.KindProtocol, "frame is not valid JSON")
	}
	if err := inboundSchema.Validate(instance); err != nil {
		return nil, server.NewError(server.CodeInvalidMessage, server.KindProtocol, "frame failed validation")
	}

	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, server.NewError(server.CodeInvalidMessage, server.KindProtocol, "frame failed validation")
	}
	return &in, nil
}

// CheckOutbound is the best-effort outbound shape check: a malformed
// frame is logged but still sent.
func CheckOutbound(frame *Frame, logger *slog.Logger) {
	if frame.Type == "" || frame.ID == "" || frame.Timestamp == "" || frame.Unix == 0 ||
		frame.Server.Name == "" || frame.Server.Version == "" {
		logger.Warn("outbound frame failed shape check",
			slog.String("type", frame.Type),
			slog.String("id", frame.ID),
		)
	}
}

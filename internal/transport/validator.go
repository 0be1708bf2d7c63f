package transport

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"helm/internal/helm"
)

// schemaSource holds one JSON Schema document per message type. The server
// checks every inbound client frame against its schema before it reaches
// the registry or router, so a malformed frame fails fast with
// PROTOCOL_ERROR instead of propagating a nil pointer or empty string
// downstream. The agent-side schemas are compiled too, but the server does
// not validate frames on the agent connection.
var schemaSource = map[helm.MessageType]string{
	helm.TypeRegister: `{
		"type": "object",
		"properties": {
			"type": {"const": "register"},
			"sessionId": {"type": "string"},
			"label": {"type": "string"}
		},
		"required": ["type"]
	}`,
	helm.TypeUnregister: `{
		"type": "object",
		"properties": {
			"type": {"const": "unregister"},
			"sessionId": {"type": "string"}
		},
		"required": ["type", "sessionId"]
	}`,
	helm.TypeCommand: `{
		"type": "object",
		"properties": {
			"type": {"const": "command"},
			"sessionId": {"type": "string"},
			"reqId": {"type": "string"},
			"command": {"type": "string"}
		},
		"required": ["type", "sessionId", "reqId", "command"]
	}`,
	helm.TypeKeepalive: `{
		"type": "object",
		"properties": {
			"type": {"const": "keepalive"}
		},
		"required": ["type"]
	}`,
	helm.TypeHello: `{
		"type": "object",
		"properties": {
			"type": {"const": "hello"},
			"profileId": {"type": "string"}
		},
		"required": ["type"]
	}`,
	helm.TypeRouteResult: `{
		"type": "object",
		"properties": {
			"type": {"const": "route_result"},
			"reqId": {"type": "string"}
		},
		"required": ["type", "reqId"]
	}`,
	helm.TypeError: `{
		"type": "object",
		"properties": {
			"type": {"const": "error"}
		},
		"required": ["type"]
	}`,
	helm.TypeTabClosed: `{
		"type": "object",
		"properties": {
			"type": {"const": "tab_closed"}
		},
		"required": ["type"]
	}`,
	helm.TypeWindowClosed: `{
		"type": "object",
		"properties": {
			"type": {"const": "window_closed"},
			"sessionId": {"type": "string"}
		},
		"required": ["type", "sessionId"]
	}`,
}

// Validator compiles and caches the daemon's inbound JSON Schemas.
type Validator struct {
	schemas map[helm.MessageType]*jsonschema.Schema
}

// NewValidator compiles every schema in schemaSource. A bad schema
// document is a programmer error, so compile failures are returned
// rather than swallowed.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[helm.MessageType]*jsonschema.Schema, len(schemaSource))}
	for t, src := range schemaSource {
		schema, err := compiler.Compile([]byte(src))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t, err)
		}
		v.schemas[t] = schema
	}
	return v, nil
}

// Validate checks raw, the undecoded message body, against the schema
// registered for msgType. A message type with no schema passes
// unconditionally.
func (v *Validator) Validate(msgType helm.MessageType, raw json.RawMessage) error {
	schema, ok := v.schemas[msgType]
	if !ok {
		return nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("malformed message body: %w", err)
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

package helm

import "encoding/json"

// MessageType identifies the kind of JSON frame exchanged over a connection.
// The transport infers a connection's role from the type of its first
// message: "hello" binds the agent path, anything in clientMessageTypes
// binds the client path, anything else is a protocol error.
type MessageType string

const (
	// Client -> daemon.
	TypeRegister   MessageType = "register"
	TypeUnregister MessageType = "unregister"
	TypeCommand    MessageType = "command"
	TypeKeepalive  MessageType = "keepalive"

	// Daemon -> client.
	TypeRegistered MessageType = "registered"
	TypeResponse   MessageType = "response"
	TypeError      MessageType = "error"
	TypeStatus     MessageType = "status"

	// Agent -> daemon.
	TypeHello        MessageType = "hello"
	TypeRouteResult  MessageType = "route_result"
	TypeTabClosed    MessageType = "tab_closed"
	TypeWindowClosed MessageType = "window_closed"

	// Daemon -> agent.
	TypeWelcome         MessageType = "welcome"
	TypeSessions        MessageType = "sessions"
	TypeRoute           MessageType = "route"
	TypePing            MessageType = "ping"
	TypeSessionSelected MessageType = "session_selected"
)

// clientMessageTypes is the set of first-message types that put a new
// connection on the client path (spec.md §4.1). Everything else that
// isn't "hello" is a protocol error.
var clientMessageTypes = map[MessageType]bool{
	TypeRegister:   true,
	TypeUnregister: true,
	TypeCommand:    true,
	TypeKeepalive:  true,
}

// IsClientMessageType reports whether t routes a fresh connection to the
// client path.
func IsClientMessageType(t MessageType) bool { return clientMessageTypes[t] }

// Envelope is the single wire shape every message is read into and every
// message is written from. Not every field is meaningful for every Type;
// each message kind below documents which ones it uses. Flattening
// everything onto one struct (rather than nesting a per-type payload
// struct inside a generic wrapper) keeps decode/encode symmetric and
// matches the shape clients actually see on the wire.
type Envelope struct {
	Type MessageType `json:"type"`

	// register, unregister, command, keepalive (client -> daemon);
	// registered, response, error, route, route_result, window_closed
	// (daemon <-> client/agent).
	SessionID string `json:"sessionId,omitempty"`
	Label     string `json:"label,omitempty"` // register only

	// command (client -> daemon), route (daemon -> agent).
	ReqID   string          `json:"reqId,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`

	// response, route_result: arbitrary command-specific result.
	Payload json.RawMessage `json:"payload,omitempty"`

	// error (either direction), registered (on failure).
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Success bool   `json:"success,omitempty"`

	// hello (agent -> daemon).
	ProfileID    string   `json:"profileId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// tab_closed. Some agent builds nest this under payload instead of at
	// the top level (spec.md §9 open question); callers check both.
	TabID string `json:"tabId,omitempty"`

	// welcome (daemon -> agent).
	ServerID        string `json:"serverId,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`

	// welcome, sessions (daemon -> agent).
	Sessions   []SessionView     `json:"sessions,omitempty"`
	TabRouting map[string]string `json:"tabRouting,omitempty"`

	// status (daemon -> client, optional unsolicited push).
	AgentConnected bool `json:"agentConnected,omitempty"`
	SessionCount   int  `json:"sessionCount,omitempty"`
}

// TabClosedPayload is the nested shape used when tab_closed carries tabId
// under payload instead of at the envelope's top level.
type TabClosedPayload struct {
	TabID string `json:"tabId"`
}

// CreateWindowParams is the params sent for the lazy create_window sub-request.
type CreateWindowParams struct {
	SessionID string `json:"sessionId"`
}

// CreateWindowResult is the expected shape of a create_window route_result payload.
type CreateWindowResult struct {
	WindowID int `json:"windowId"`
}

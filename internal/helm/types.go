// Package helm holds the daemon's domain types, sentinel errors, and wire
// message shapes shared by the transport, registry, and router packages.
package helm

import "time"

// SessionStatus is the derived status reported in a session snapshot.
type SessionStatus string

const (
	StatusReady   SessionStatus = "ready"
	StatusPending SessionStatus = "pending"
)

// SessionView is the serializable snapshot of a ClientSession, used in
// both the `sessions` broadcast to the agent and the HTTP health endpoint.
type SessionView struct {
	SessionID string        `json:"sessionId"`
	Label     string        `json:"label"`
	WindowID  int           `json:"windowId,omitempty"`
	LastSeen  time.Time     `json:"lastSeen"`
	Status    SessionStatus `json:"status"`
}

// AgentInfo is the serializable snapshot of the current AgentConnection,
// as returned by Router.AgentInfo. The HTTP health endpoint does not
// include it; it reports only whether an agent is connected.
type AgentInfo struct {
	ProfileID    string    `json:"profileId"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// HealthSnapshot is the body returned by GET /healthz.
type HealthSnapshot struct {
	Status         string        `json:"status"`
	AgentConnected bool          `json:"agentConnected"`
	ClientCount    int           `json:"clientCount"`
	Sessions       []SessionView `json:"sessions"`
}

// HelloPayload is the agent identity carried by a `hello` message, decoded
// from the wire Envelope by the transport before it reaches the router.
type HelloPayload struct {
	ProfileID    string
	Capabilities []string
}

// WelcomePayload is the router's reply to a successful HandleHello, which
// the transport encodes onto the wire as a `welcome` Envelope.
type WelcomePayload struct {
	ServerID        string
	ProtocolVersion int
	Sessions        []SessionView
}

// SessionsBroadcastPayload is the session/tab-route snapshot the router
// pushes to the agent on every registry change, which the transport
// encodes onto the wire as a `sessions` Envelope.
type SessionsBroadcastPayload struct {
	Sessions   []SessionView
	TabRouting map[string]string
}

// Sender is the per-connection outbound handle a ClientSession or
// AgentConnection uses to write a frame. Implementations serialize writes
// through a single per-connection queue (spec.md §5), so Sender is safe to
// call from any goroutine.
type Sender interface {
	Send(env Envelope) error
}

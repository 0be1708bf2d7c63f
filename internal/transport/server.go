// Package transport implements Helm's WebSocket + HTTP listener: role
// inference from a connection's first message (spec.md §4.1), the client
// and agent read/write loops, and the GET /healthz endpoint.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"helm/internal/helm"
	"helm/internal/registry"
	"helm/internal/router"
)

// Dispatcher is the narrow slice of *router.Router the transport depends
// on, letting tests substitute a fake router without spinning up gobreaker
// or OpenTelemetry.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, command string, params json.RawMessage) (json.RawMessage, error)
	HandleHello(connID string, sender helm.Sender, hello helm.HelloPayload) (helm.WelcomePayload, bool)
	HandleAgentClose(connID string)
	HandleRouteResult(reqID string, payload json.RawMessage)
	HandleAgentError(reqID, code, message string)
	HandleTabClosed(tabID string)
	HandleWindowClosed(sessionID string)
	AgentConnected() bool
}

var _ Dispatcher = (*router.Router)(nil)

// Server accepts WebSocket connections on a loopback TCP port and serves
// GET /healthz.
type Server struct {
	addr string
	reg  *registry.Registry
	rt   Dispatcher
	log  *slog.Logger
	val  *Validator

	httpSrv    *http.Server
	boundAddr  string
	nextConnID atomic.Uint64
}

// NewServer builds a Server. addr is a "host:port" string, typically
// "127.0.0.1:<port>".
func NewServer(addr string, reg *registry.Registry, rt Dispatcher, log *slog.Logger) (*Server, error) {
	val, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return &Server{addr: addr, reg: reg, rt: rt, log: log, val: val}, nil
}

// Start begins accepting connections and serving HTTP. It blocks until ctx
// is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealthz)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.addr, err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	s.log.Info("transport listening", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport: serve: %w", err)
	}
	return nil
}

// BoundAddr returns the actual bound address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !s.rt.AgentConnected() {
		status = "degraded"
	}
	snapshot := helm.HealthSnapshot{
		Status:         status,
		AgentConnected: s.rt.AgentConnected(),
		ClientCount:    s.reg.ClientCount(),
		Sessions:       s.reg.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()
	var raw json.RawMessage
	if err := wsjson.Read(ctx, ws, &raw); err != nil {
		ws.Close(websocket.StatusProtocolError, "expected a first message")
		return
	}
	var first helm.Envelope
	if err := json.Unmarshal(raw, &first); err != nil {
		ws.Close(websocket.StatusProtocolError, "malformed first message")
		return
	}

	switch {
	case first.Type == helm.TypeHello:
		s.handleAgent(ctx, ws, first)
	case helm.IsClientMessageType(first.Type):
		s.handleClient(ctx, ws, raw, first)
	default:
		ws.Close(websocket.StatusProtocolError, "unrecognized first message type")
	}
}

// --- client connection path ---

func (s *Server) handleClient(ctx context.Context, ws *websocket.Conn, firstRaw json.RawMessage, first helm.Envelope) {
	sender := newConnSender(ws)
	go sender.writeLoop()
	defer sender.Close()

	var sessionID string
	ok := s.processClientMessage(ctx, sender, &sessionID, firstRaw, first)
	for ok {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, ws, &raw); err != nil {
			break
		}
		var env helm.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = sender.Send(helm.Envelope{Type: helm.TypeError, Code: string(helm.CodeProtocolError), Message: "malformed message"})
			continue
		}
		if sessionID != "" {
			s.reg.MarkLastSeen(sessionID)
		}
		ok = s.processClientMessage(ctx, sender, &sessionID, raw, env)
	}

	if sessionID != "" {
		s.reg.Unregister(sessionID, helm.ErrClientDisconnected)
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

// processClientMessage handles one client frame. It returns false only
// after an explicit unregister, when the connection should be torn down; a
// frame that fails schema validation gets a PROTOCOL_ERROR reply and the
// connection stays open.
func (s *Server) processClientMessage(ctx context.Context, sender *connSender, sessionID *string, raw json.RawMessage, env helm.Envelope) bool {
	if err := s.val.Validate(env.Type, raw); err != nil {
		_ = sender.Send(helm.Envelope{Type: helm.TypeError, Code: string(helm.CodeProtocolError), Message: err.Error()})
		return true
	}

	switch env.Type {
	case helm.TypeRegister:
		session := s.reg.Register(env.SessionID, env.Label, sender)
		*sessionID = session.SessionID
		_ = sender.Send(helm.Envelope{Type: helm.TypeRegistered, SessionID: session.SessionID, Success: true})
		return true

	case helm.TypeUnregister:
		s.reg.Unregister(env.SessionID, helm.ErrClientDisconnected)
		if *sessionID == env.SessionID {
			*sessionID = ""
		}
		return false

	case helm.TypeKeepalive:
		if *sessionID != "" {
			s.reg.Keepalive(*sessionID)
		}
		return true

	case helm.TypeCommand:
		if *sessionID == "" {
			_ = sender.Send(helm.Envelope{Type: helm.TypeError, ReqID: env.ReqID, Code: string(helm.CodeSessionNotFound), Message: "no session registered on this connection"})
			return true
		}
		session, ok := s.reg.Get(*sessionID)
		if !ok {
			_ = sender.Send(helm.Envelope{Type: helm.TypeError, ReqID: env.ReqID, Code: string(helm.CodeSessionNotFound), Message: "session no longer registered"})
			return true
		}
		if !session.Allow() {
			_ = sender.Send(helm.Envelope{Type: helm.TypeError, ReqID: env.ReqID, SessionID: *sessionID, Code: string(helm.CodeCommandFailed), Message: "rate limit exceeded"})
			return true
		}
		go s.dispatchCommand(ctx, sender, *sessionID, env)
		return true

	default:
		_ = sender.Send(helm.Envelope{Type: helm.TypeError, Code: string(helm.CodeProtocolError), Message: "unexpected message type on client connection"})
		return true
	}
}

func (s *Server) dispatchCommand(ctx context.Context, sender *connSender, sessionID string, env helm.Envelope) {
	result, err := s.rt.Dispatch(ctx, sessionID, env.Command, env.Params)
	if err != nil {
		code := helm.WireCode(err)
		_ = sender.Send(helm.Envelope{Type: helm.TypeError, ReqID: env.ReqID, SessionID: sessionID, Code: string(code), Message: err.Error()})
		return
	}
	_ = sender.Send(helm.Envelope{Type: helm.TypeResponse, ReqID: env.ReqID, SessionID: sessionID, Payload: result})
}

// --- agent connection path ---

func (s *Server) handleAgent(ctx context.Context, ws *websocket.Conn, first helm.Envelope) {
	connID := fmt.Sprintf("agent-%d", s.nextConnID.Add(1))
	sender := newConnSender(ws)
	go sender.writeLoop()
	defer sender.Close()

	welcome, duplicate := s.rt.HandleHello(connID, sender, helm.HelloPayload{
		ProfileID:    first.ProfileID,
		Capabilities: first.Capabilities,
	})
	if duplicate {
		ws.Close(websocket.StatusCode(4000), "agent already connected")
		return
	}

	if err := sender.Send(helm.Envelope{
		Type:            helm.TypeWelcome,
		ServerID:        welcome.ServerID,
		ProtocolVersion: welcome.ProtocolVersion,
		Sessions:        welcome.Sessions,
	}); err != nil {
		s.rt.HandleAgentClose(connID)
		return
	}

	for {
		var env helm.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			break
		}
		s.processAgentMessage(env)
	}

	s.rt.HandleAgentClose(connID)
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) processAgentMessage(env helm.Envelope) {
	switch env.Type {
	case helm.TypeRouteResult:
		s.rt.HandleRouteResult(env.ReqID, env.Payload)
	case helm.TypeError:
		s.rt.HandleAgentError(env.ReqID, env.Code, env.Message)
	case helm.TypeTabClosed:
		tabID := env.TabID
		if tabID == "" && len(env.Payload) > 0 {
			var nested helm.TabClosedPayload
			if err := json.Unmarshal(env.Payload, &nested); err == nil {
				tabID = nested.TabID
			}
		}
		if tabID != "" {
			s.rt.HandleTabClosed(tabID)
		}
	case helm.TypeWindowClosed:
		if env.SessionID != "" {
			s.rt.HandleWindowClosed(env.SessionID)
		}
	case helm.TypeKeepalive:
		// Reply to a ping; no action needed beyond the connection staying open.
	default:
		s.log.Debug("unexpected agent message", "type", env.Type)
	}
}

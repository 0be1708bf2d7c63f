// Package router implements the daemon's single AgentConnection state
// machine and the command dispatch path described in spec.md §4.3: lazy
// window creation, request/response correlation, timeouts, and the
// circuit breaker protecting the agent round trip.
package router

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"helm/internal/config"
	"helm/internal/helm"
	"helm/internal/registry"
	"helm/internal/tracer"
)

// agentState is the AgentConnection lifecycle state (spec.md §4.3):
// Absent -> Connecting -> Bound -> Closing -> Absent. Only Absent and Bound
// are represented: there is nothing to do between accepting the TCP/WS
// connection and receiving hello, and HandleAgentClose goes from Bound to
// Absent in one step under the router lock.
type agentState int

const (
	stateAbsent agentState = iota
	stateBound
)

// agentHandle is the currently bound agent connection, if any.
type agentHandle struct {
	connID       string
	sender       helm.Sender
	profileID    string
	capabilities []string
	connectedAt  time.Time
}

type pendingRequest struct {
	reqID     string
	sessionID string
	resultCh  chan pendingResult
	timer     *time.Timer
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// Router owns the AgentConnection and the PendingRequest table, and
// implements registry.Notifier so the registry can reject pending
// requests, fire best-effort close_window calls, and push session
// broadcasts without importing this package.
type Router struct {
	reg *registry.Registry
	cfg config.TimeoutConfig
	bc  config.BreakerConfig
	log *slog.Logger

	serverID        string
	protocolVersion int

	mu          sync.Mutex
	state       agentState
	agent       *agentHandle
	agentReadyC chan struct{} // closed when state transitions to Bound
	pingStop    chan struct{}
	breaker     *gobreaker.CircuitBreaker[json.RawMessage]

	pendMu           sync.Mutex
	pending          map[string]*pendingRequest
	pendingBySession map[string][]string

	reqCounter atomic.Uint64
	bootNonce  string
}

// New creates a Router with no agent bound.
func New(reg *registry.Registry, cfg config.TimeoutConfig, bc config.BreakerConfig, serverID string, protocolVersion int, log *slog.Logger) *Router {
	r := &Router{
		reg:              reg,
		cfg:              cfg,
		bc:               bc,
		log:              log,
		serverID:         serverID,
		protocolVersion:  protocolVersion,
		agentReadyC:      make(chan struct{}),
		pending:          make(map[string]*pendingRequest),
		pendingBySession: make(map[string][]string),
		bootNonce:        randomNonce(),
	}
	r.breaker = r.newBreaker()
	return r
}

func randomNonce() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "0"
	}
	return n.String()
}

func (r *Router) newBreaker() *gobreaker.CircuitBreaker[json.RawMessage] {
	maxFailures := r.bc.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := r.bc.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	interval := r.bc.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	return gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "router:dispatch",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool { return err == nil },
	})
}

// AgentConnected reports whether an agent is currently bound.
func (r *Router) AgentConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateBound
}

// AgentInfo returns the current agent's identity, and false when no agent
// is bound.
func (r *Router) AgentInfo() (helm.AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agent == nil {
		return helm.AgentInfo{}, false
	}
	return helm.AgentInfo{
		ProfileID:    r.agent.profileID,
		Capabilities: r.agent.capabilities,
		ConnectedAt:  r.agent.connectedAt,
	}, true
}

// HandleHello binds a new agent connection. duplicate is true when an
// agent is already bound to a different connID; the caller must then
// close the new connection with status 4000 and must not treat it as
// bound. ClearAllWindowIds runs unconditionally on a successful bind
// (spec.md §4.3: Absent -> (hello) -> Bound, after ClearAllWindowIds).
func (r *Router) HandleHello(connID string, sender helm.Sender, hello helm.HelloPayload) (helm.WelcomePayload, bool) {
	r.mu.Lock()
	if r.state == stateBound && r.agent != nil && r.agent.connID != connID {
		r.mu.Unlock()
		return helm.WelcomePayload{}, true
	}

	r.agent = &agentHandle{
		connID:       connID,
		sender:       sender,
		profileID:    hello.ProfileID,
		capabilities: hello.Capabilities,
		connectedAt:  time.Now(),
	}
	r.state = stateBound
	close(r.agentReadyC)
	r.breaker = r.newBreaker()
	if r.pingStop != nil {
		close(r.pingStop)
	}
	r.pingStop = make(chan struct{})
	go r.pingLoop(connID, r.pingStop)
	r.mu.Unlock()

	r.reg.ClearAllWindowIds()

	return helm.WelcomePayload{
		ServerID:        r.serverID,
		ProtocolVersion: r.protocolVersion,
		Sessions:        r.reg.Snapshot(),
	}, false
}

// HandleAgentClose tears down the bound agent if connID still matches
// (guards against a stale close arriving after a newer hello already took
// over). Every PendingRequest is rejected with AGENT_DISCONNECTED and the
// WindowCache is cleared, since windows owned by the closed browser
// process no longer exist (spec.md §5(c)).
func (r *Router) HandleAgentClose(connID string) {
	r.mu.Lock()
	if r.agent == nil || r.agent.connID != connID {
		r.mu.Unlock()
		return
	}
	r.agent = nil
	r.state = stateAbsent
	r.agentReadyC = make(chan struct{})
	if r.pingStop != nil {
		close(r.pingStop)
		r.pingStop = nil
	}
	// rejectAll must run before unlocking: HandleHello also locks mu before
	// binding a new agent and closing a fresh agentReadyC, so releasing mu
	// first would let a concurrent hello wake an awaitAgent waiter and
	// enqueue a new PendingRequest before this snapshot of r.pending is
	// taken, causing rejectAll to reject the new agent's request instead of
	// the old one's (spec.md §8 Testable Property #3).
	r.rejectAll(helm.ErrAgentDisconnected)
	r.mu.Unlock()

	// ClearAllWindowIds broadcasts through the registry, which calls back
	// into BroadcastSessions and relocks mu, so it must run after
	// unlocking to avoid self-deadlock.
	r.reg.ClearAllWindowIds()
}

func (r *Router) pingLoop(connID string, stop chan struct{}) {
	interval := r.cfg.AgentPingInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			agent := r.agent
			r.mu.Unlock()
			if agent == nil || agent.connID != connID {
				return
			}
			_ = agent.sender.Send(helm.Envelope{Type: helm.TypePing})
		}
	}
}

// Dispatch implements spec.md §4.3's command dispatch sequence.
func (r *Router) Dispatch(ctx context.Context, sessionID, command string, params json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "router.Dispatch")
	span.SetAttributes(tracer.SessionAttr(sessionID), tracer.CommandAttr(command))
	defer span.End()

	if _, ok := r.reg.Get(sessionID); !ok {
		err := helm.NewError("Router.Dispatch", helm.ErrSessionNotFound, sessionID)
		tracer.RecordError(span, err)
		return nil, err
	}

	if err := r.awaitAgent(ctx); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	if !r.reg.HasWindow(sessionID) {
		if err := r.ensureWindow(ctx, sessionID); err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	result, err := r.breaker.Execute(func() (json.RawMessage, error) {
		return r.doRequest(ctx, sessionID, command, params, r.cfg.RequestTimeout)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = helm.NewError("Router.Dispatch", helm.ErrAgentNotConnected, "circuit open")
		}
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return result, nil
}

// ensureWindow performs the lazy create_window sub-request and binds the
// resulting windowId into the registry's WindowCache.
func (r *Router) ensureWindow(ctx context.Context, sessionID string) error {
	ctx, span := tracer.StartSpan(ctx, "router.ensureWindow")
	span.SetAttributes(tracer.SessionAttr(sessionID))
	defer span.End()

	params, err := json.Marshal(helm.CreateWindowParams{SessionID: sessionID})
	if err != nil {
		return helm.NewError("Router.ensureWindow", helm.ErrWindowCreateFailed, err.Error())
	}

	raw, err := r.breaker.Execute(func() (json.RawMessage, error) {
		return r.doRequest(ctx, sessionID, "create_window", params, r.cfg.RequestTimeout)
	})
	if err != nil {
		tracer.RecordError(span, err)
		return helm.NewError("Router.ensureWindow", helm.ErrWindowCreateFailed, err.Error())
	}

	var result helm.CreateWindowResult
	if err := json.Unmarshal(raw, &result); err != nil {
		tracer.RecordError(span, err)
		return helm.NewError("Router.ensureWindow", helm.ErrWindowCreateFailed, "malformed create_window result")
	}

	r.reg.BindWindow(sessionID, result.WindowID)
	tracer.SetOK(span)
	return nil
}

// awaitAgent blocks until an agent is bound, AgentConnectWait elapses, or
// ctx is canceled.
func (r *Router) awaitAgent(ctx context.Context) error {
	r.mu.Lock()
	if r.state == stateBound {
		r.mu.Unlock()
		return nil
	}
	ready := r.agentReadyC
	r.mu.Unlock()

	wait := r.cfg.AgentConnectWait
	if wait <= 0 {
		wait = 15 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
		return helm.NewError("Router.Dispatch", helm.ErrAgentNotConnected, "agent_connect_wait elapsed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextReqID allocates a reqId unique for the life of the process.
func (r *Router) nextReqID() string {
	n := r.reqCounter.Add(1)
	return fmt.Sprintf("%s-%d", r.bootNonce, n)
}

// doRequest forwards a `route` frame to the agent and waits for the
// matching route_result/error, or for timeout/cancellation.
func (r *Router) doRequest(ctx context.Context, sessionID, command string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	agent := r.agent
	r.mu.Unlock()
	if agent == nil {
		return nil, helm.NewError("Router.doRequest", helm.ErrAgentNotConnected, sessionID)
	}

	mergedParams, err := mergeSessionID(params, sessionID)
	if err != nil {
		return nil, helm.NewError("Router.doRequest", helm.ErrProtocolError, err.Error())
	}

	reqID := r.nextReqID()
	_, span := tracer.StartSpan(ctx, "router.doRequest")
	span.SetAttributes(tracer.SessionAttr(sessionID), tracer.CommandAttr(command), tracer.ReqIDAttr(reqID))
	defer span.End()

	pr := &pendingRequest{
		reqID:     reqID,
		sessionID: sessionID,
		resultCh:  make(chan pendingResult, 1),
	}

	r.pendMu.Lock()
	r.pending[reqID] = pr
	r.pendingBySession[sessionID] = append(r.pendingBySession[sessionID], reqID)
	r.pendMu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		r.resolve(reqID, pendingResult{err: helm.NewError("Router.doRequest", helm.ErrRequestTimeout, reqID)})
	})
	defer r.removePending(reqID)

	env := helm.Envelope{Type: helm.TypeRoute, ReqID: reqID, SessionID: sessionID, Command: command, Params: mergedParams}
	if err := agent.sender.Send(env); err != nil {
		sendErr := helm.NewError("Router.doRequest", helm.ErrAgentDisconnected, err.Error())
		tracer.RecordError(span, sendErr)
		return nil, sendErr
	}

	select {
	case res := <-pr.resultCh:
		if res.err != nil {
			tracer.RecordError(span, res.err)
		} else {
			tracer.SetOK(span)
		}
		return res.payload, res.err
	case <-ctx.Done():
		tracer.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

func mergeSessionID(params json.RawMessage, sessionID string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, fmt.Errorf("params must be a JSON object: %w", err)
		}
	}
	encodedSession, err := json.Marshal(sessionID)
	if err != nil {
		return nil, err
	}
	obj["sessionId"] = encodedSession
	return json.Marshal(obj)
}

// removePending deletes reqID's bookkeeping without resolving it; used as
// a cleanup defer after the result has already been consumed one way or
// another.
func (r *Router) removePending(reqID string) {
	r.pendMu.Lock()
	pr, ok := r.pending[reqID]
	if !ok {
		r.pendMu.Unlock()
		return
	}
	delete(r.pending, reqID)
	ids := r.pendingBySession[pr.sessionID]
	for i, id := range ids {
		if id == reqID {
			r.pendingBySession[pr.sessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.pendingBySession[pr.sessionID]) == 0 {
		delete(r.pendingBySession, pr.sessionID)
	}
	r.pendMu.Unlock()
	pr.timer.Stop()
}

// resolve delivers res to reqID's waiter exactly once. Redundant resolves
// (e.g. a timeout firing after a late route_result) are silently dropped.
func (r *Router) resolve(reqID string, res pendingResult) {
	r.pendMu.Lock()
	pr, ok := r.pending[reqID]
	r.pendMu.Unlock()
	if !ok {
		return
	}
	select {
	case pr.resultCh <- res:
	default:
	}
}

// HandleRouteResult correlates a successful agent reply to its pending request.
func (r *Router) HandleRouteResult(reqID string, payload json.RawMessage) {
	r.resolve(reqID, pendingResult{payload: payload})
}

// HandleAgentError correlates a failed agent reply to its pending request.
// A reqId unknown to the pending table is logged and dropped; the agent
// may have retried after a timeout already freed the slot.
func (r *Router) HandleAgentError(reqID, code, message string) {
	r.pendMu.Lock()
	_, known := r.pending[reqID]
	r.pendMu.Unlock()
	if !known {
		r.log.Warn("route error for unknown request", "reqId", reqID, "code", code)
		return
	}
	r.resolve(reqID, pendingResult{err: helm.NewError("Router.Dispatch", helm.ErrCommandFailed, message)})
}

// HandleTabClosed forwards a tab_closed notification to the registry.
func (r *Router) HandleTabClosed(tabID string) {
	r.reg.OnTabClosed(tabID)
}

// HandleWindowClosed forwards a window_closed notification to the registry.
func (r *Router) HandleWindowClosed(sessionID string) {
	r.reg.OnWindowClosed(sessionID)
}

func (r *Router) rejectAll(err error) {
	r.pendMu.Lock()
	all := make([]*pendingRequest, 0, len(r.pending))
	for _, pr := range r.pending {
		all = append(all, pr)
	}
	r.pendMu.Unlock()
	for _, pr := range all {
		r.resolve(pr.reqID, pendingResult{err: err})
	}
}

// --- registry.Notifier ---

// RejectSession rejects every PendingRequest owned by sessionID. Called by
// the registry during Unregister.
func (r *Router) RejectSession(sessionID string, err error) {
	r.pendMu.Lock()
	ids := append([]string(nil), r.pendingBySession[sessionID]...)
	r.pendMu.Unlock()
	for _, id := range ids {
		r.resolve(id, pendingResult{err: err})
	}
}

// CloseWindowAsync fires a best-effort close_window command with its own
// short timeout; failures are logged and swallowed (spec.md §7).
func (r *Router) CloseWindowAsync(sessionID string, windowID int) {
	if !r.AgentConnected() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		params, err := json.Marshal(map[string]int{"windowId": windowID})
		if err != nil {
			return
		}
		if _, err := r.doRequest(ctx, sessionID, "close_window", params, 5*time.Second); err != nil {
			r.log.Debug("best-effort close_window failed", "sessionId", sessionID, "windowId", windowID, "err", err)
		}
	}()
}

// BroadcastSessions pushes the current session/tab-route snapshot to the
// bound agent. A no-op if no agent is connected.
func (r *Router) BroadcastSessions(sessions []helm.SessionView, tabRoutes map[string]string) {
	r.mu.Lock()
	agent := r.agent
	r.mu.Unlock()
	if agent == nil {
		return
	}
	env := helm.Envelope{Type: helm.TypeSessions, Sessions: sessions, TabRouting: tabRoutes}
	if err := agent.sender.Send(env); err != nil {
		r.log.Debug("sessions broadcast failed", "err", err)
	}
}

var _ registry.Notifier = (*Router)(nil)

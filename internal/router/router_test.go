package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helm/internal/config"
	"helm/internal/helm"
	"helm/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastTimeouts() config.TimeoutConfig {
	return config.TimeoutConfig{
		KeepaliveTimeout:  time.Minute,
		AgentConnectWait:  50 * time.Millisecond,
		RequestTimeout:    50 * time.Millisecond,
		AgentPingInterval: time.Hour, // quiesce the ping loop during tests
	}
}

// agentSim is a fake agent connection the tests drive directly, bypassing
// the transport layer.
type agentSim struct {
	mu       sync.Mutex
	received []helm.Envelope
	onRoute  func(env helm.Envelope) // optional synchronous reply hook
}

func (a *agentSim) Send(env helm.Envelope) error {
	a.mu.Lock()
	a.received = append(a.received, env)
	hook := a.onRoute
	a.mu.Unlock()
	if hook != nil && env.Type == helm.TypeRoute {
		hook(env)
	}
	return nil
}

func (a *agentSim) last() helm.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received[len(a.received)-1]
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{KeepaliveTimeout: time.Minute}, testLogger())
	rt := New(reg, fastTimeouts(), config.BreakerConfig{MaxFailures: 100}, "server-1", 1, testLogger())
	reg.SetNotifier(rt)
	return rt, reg
}

func TestDispatchFailsWhenAgentNeverConnects(t *testing.T) {
	rt, reg := newTestRouter(t)
	reg.Register("s1", "", &fakeClientSender{})

	_, err := rt.Dispatch(context.Background(), "s1", "click", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, helm.ErrAgentNotConnected)
}

func TestDispatchUnknownSessionFails(t *testing.T) {
	rt, _ := newTestRouter(t)
	_, err := rt.Dispatch(context.Background(), "ghost", "click", nil)
	assert.ErrorIs(t, err, helm.ErrSessionNotFound)
}

type fakeClientSender struct{}

func (fakeClientSender) Send(helm.Envelope) error { return nil }

func TestHandleHelloBindsAgentAndClearsWindows(t *testing.T) {
	rt, reg := newTestRouter(t)
	session := reg.Register("s1", "", &fakeClientSender{})
	reg.BindWindow(session.SessionID, 9)

	agent := &agentSim{}
	welcome, duplicate := rt.HandleHello("conn-1", agent, helm.HelloPayload{ProfileID: "p1"})
	require.False(t, duplicate)
	assert.Equal(t, "server-1", welcome.ServerID)
	assert.True(t, rt.AgentConnected())
	assert.False(t, reg.HasWindow(session.SessionID))
}

func TestHandleHelloRejectsSecondAgent(t *testing.T) {
	rt, _ := newTestRouter(t)
	_, duplicate := rt.HandleHello("conn-1", &agentSim{}, helm.HelloPayload{})
	require.False(t, duplicate)

	_, duplicate = rt.HandleHello("conn-2", &agentSim{}, helm.HelloPayload{})
	assert.True(t, duplicate)
	assert.True(t, rt.AgentConnected()) // original stays bound
}

func TestDispatchLazilyCreatesWindowThenForwardsCommand(t *testing.T) {
	rt, reg := newTestRouter(t)
	session := reg.Register("s1", "", &fakeClientSender{})

	agent := &agentSim{}
	agent.onRoute = func(env helm.Envelope) {
		switch env.Command {
		case "create_window":
			result, _ := json.Marshal(helm.CreateWindowResult{WindowID: 5})
			rt.HandleRouteResult(env.ReqID, result)
		case "click":
			result, _ := json.Marshal(map[string]bool{"ok": true})
			rt.HandleRouteResult(env.ReqID, result)
		}
	}
	_, dup := rt.HandleHello("conn-1", agent, helm.HelloPayload{})
	require.False(t, dup)

	result, err := rt.Dispatch(context.Background(), session.SessionID, "click", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.True(t, reg.HasWindow(session.SessionID))
	assert.Equal(t, 5, session.WindowID())
}

func TestDispatchSkipsWindowCreationWhenCached(t *testing.T) {
	rt, reg := newTestRouter(t)
	session := reg.Register("s1", "", &fakeClientSender{})
	reg.BindWindow(session.SessionID, 3)

	agent := &agentSim{}
	agent.onRoute = func(env helm.Envelope) {
		result, _ := json.Marshal(map[string]bool{"ok": true})
		rt.HandleRouteResult(env.ReqID, result)
	}
	rt.HandleHello("conn-1", agent, helm.HelloPayload{})
	// HandleHello clears the WindowCache, so rebind after connecting.
	reg.BindWindow(session.SessionID, 3)

	_, err := rt.Dispatch(context.Background(), session.SessionID, "click", nil)
	require.NoError(t, err)

	agent.mu.Lock()
	defer agent.mu.Unlock()
	for _, env := range agent.received {
		assert.NotEqual(t, "create_window", env.Command)
	}
}

func TestDispatchTimesOutWaitingForRouteResult(t *testing.T) {
	rt, reg := newTestRouter(t)
	session := reg.Register("s1", "", &fakeClientSender{})
	reg.BindWindow(session.SessionID, 1)

	agent := &agentSim{} // never replies
	rt.HandleHello("conn-1", agent, helm.HelloPayload{})
	// HandleHello clears the WindowCache, so rebind after connecting.
	reg.BindWindow(session.SessionID, 1)

	_, err := rt.Dispatch(context.Background(), session.SessionID, "click", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, helm.ErrRequestTimeout)
}

func TestAgentCloseRejectsPendingRequests(t *testing.T) {
	rt, reg := newTestRouter(t)
	session := reg.Register("s1", "", &fakeClientSender{})
	reg.BindWindow(session.SessionID, 1)

	agent := &agentSim{} // never replies, so Dispatch blocks until we close it
	rt.HandleHello("conn-1", agent, helm.HelloPayload{})
	// HandleHello clears the WindowCache, so rebind after connecting.
	reg.BindWindow(session.SessionID, 1)

	resultCh := make(chan error, 1)
	go func() {
		_, err := rt.Dispatch(context.Background(), session.SessionID, "click", nil)
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond) // let Dispatch register its pending request
	rt.HandleAgentClose("conn-1")

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, helm.ErrAgentDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after agent close")
	}
	assert.False(t, reg.HasWindow(session.SessionID))
}

func TestSessionUnregisterRejectsItsPendingRequests(t *testing.T) {
	rt, reg := newTestRouter(t)
	session := reg.Register("s1", "", &fakeClientSender{})
	reg.BindWindow(session.SessionID, 1)

	agent := &agentSim{}
	rt.HandleHello("conn-1", agent, helm.HelloPayload{})
	// HandleHello clears the WindowCache, so rebind after connecting.
	reg.BindWindow(session.SessionID, 1)

	resultCh := make(chan error, 1)
	go func() {
		_, err := rt.Dispatch(context.Background(), session.SessionID, "click", nil)
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	reg.Unregister(session.SessionID, helm.ErrClientDisconnected)

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, helm.ErrClientDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after session unregister")
	}
}

// TestAgentCloseThenImmediateReconnectDoesNotRejectNewAgentsRequest guards
// against the race where a hello racing a close binds the new agent and
// wakes an awaitAgent waiter before the old close's rejectAll snapshot
// runs, spuriously rejecting the new agent's freshly-enqueued request.
func TestAgentCloseThenImmediateReconnectDoesNotRejectNewAgentsRequest(t *testing.T) {
	rt, reg := newTestRouter(t)
	session := reg.Register("s1", "", &fakeClientSender{})
	reg.BindWindow(session.SessionID, 1)

	oldAgent := &agentSim{} // never replies
	rt.HandleHello("conn-1", oldAgent, helm.HelloPayload{})
	// HandleHello clears the WindowCache, so rebind after connecting.
	reg.BindWindow(session.SessionID, 1)

	blockedResult := make(chan error, 1)
	go func() {
		_, err := rt.Dispatch(context.Background(), session.SessionID, "click", nil)
		blockedResult <- err
	}()
	time.Sleep(10 * time.Millisecond) // let Dispatch register its pending request against conn-1

	newAgent := &agentSim{}
	newAgent.onRoute = func(env helm.Envelope) {
		result, _ := json.Marshal(map[string]bool{"ok": true})
		rt.HandleRouteResult(env.ReqID, result)
	}

	done := make(chan struct{})
	go func() {
		rt.HandleAgentClose("conn-1")
		close(done)
	}()
	<-done
	rt.HandleHello("conn-2", newAgent, helm.HelloPayload{})
	// HandleHello clears the WindowCache, so rebind for the new dispatch below.
	reg.BindWindow(session.SessionID, 1)

	select {
	case err := <-blockedResult:
		assert.ErrorIs(t, err, helm.ErrAgentDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after agent close")
	}

	result, err := rt.Dispatch(context.Background(), session.SessionID, "click", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestBroadcastSessionsNoopWithoutAgent(t *testing.T) {
	rt, _ := newTestRouter(t)
	// Must not panic when no agent is bound.
	rt.BroadcastSessions(nil, nil)
}

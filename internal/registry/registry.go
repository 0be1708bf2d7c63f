// Package registry implements the in-memory client session registry
// described in spec.md §4.2: lifecycle (register/keepalive/unregister/
// sweep), the tab-routing map, and the window cache.
package registry

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"helm/internal/helm"
)

// Notifier is the narrow interface the registry uses to talk back to the
// router without importing it, breaking the registry<->router cycle
// (spec.md §9 "cycles between registry, router, and transport").
type Notifier interface {
	// RejectSession terminally rejects every PendingRequest owned by
	// sessionID with err.
	RejectSession(sessionID string, err error)
	// CloseWindowAsync fires a best-effort close_window command for a
	// session being torn down; errors are swallowed by the caller.
	CloseWindowAsync(sessionID string, windowID int)
	// BroadcastSessions pushes the current session/tab-route snapshot to
	// the agent, if one is connected. A no-op when no agent is bound.
	BroadcastSessions(sessions []helm.SessionView, tabRoutes map[string]string)
}

// ClientSession is one registered client identity (spec.md §3).
type ClientSession struct {
	SessionID    string
	Label        string
	Sender       helm.Sender
	RegisteredAt time.Time

	mu       sync.Mutex
	windowID int // 0 = unbound
	lastSeen time.Time
	limiter  *rate.Limiter // nil = unlimited
}

func (s *ClientSession) view() helm.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := helm.StatusPending
	if s.windowID != 0 {
		status = helm.StatusReady
	}
	return helm.SessionView{
		SessionID: s.SessionID,
		Label:     s.Label,
		WindowID:  s.windowID,
		LastSeen:  s.lastSeen,
		Status:    status,
	}
}

// WindowID returns the session's bound window id, or 0 if unbound.
func (s *ClientSession) WindowID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowID
}

// Allow consults the session's rate limiter, if one is configured. A
// session with no limiter always allows.
func (s *ClientSession) Allow() bool {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Config controls registry behavior.
type Config struct {
	KeepaliveTimeout time.Duration
	RatePerSecond    float64 // 0 = unlimited
	RateBurst        int
}

// Registry is the in-memory map of client sessions plus the tab-routing
// map and window cache, guarded by a single lock per spec.md §5.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*ClientSession
	tabRoutes   map[string]string // tabId -> sessionId
	windowCache map[string]bool   // sessionId -> has a live window this agent lifetime

	cfg      Config
	logger   *slog.Logger
	notifier Notifier

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates an empty Registry. SetNotifier must be called before
// Unregister/BindWindow/etc. are exercised for broadcasts and
// fire-and-forget close_window to work; until then those calls are no-ops
// on the notifier side.
func New(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*ClientSession),
		tabRoutes:   make(map[string]string),
		windowCache: make(map[string]bool),
		cfg:         cfg,
		logger:      logger,
	}
}

// SetNotifier wires the registry to the router. Must be called once,
// before the registry is exercised.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

func generateSessionID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// Register creates a ClientSession, generating a sessionId if none was
// supplied, and broadcasts the updated snapshot to the agent.
func (r *Registry) Register(sessionID, label string, sender helm.Sender) *ClientSession {
	if sessionID == "" {
		sessionID = generateSessionID()
	}

	var limiter *rate.Limiter
	if r.cfg.RatePerSecond > 0 {
		burst := r.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), burst)
	}

	now := time.Now()
	session := &ClientSession{
		SessionID:    sessionID,
		Label:        label,
		Sender:       sender,
		RegisteredAt: now,
		lastSeen:     now,
		limiter:      limiter,
	}

	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()

	r.broadcast()
	return session
}

// Get returns the session for sessionID, if registered.
func (r *Registry) Get(sessionID string) (*ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Unregister tears a session down per spec.md §4.2: best-effort
// close_window if a window was bound, then remove the session, purge its
// tab routes, reject its pending requests, and rebroadcast.
func (r *Registry) Unregister(sessionID string, pendingErr error) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	delete(r.windowCache, sessionID)
	for tabID, sid := range r.tabRoutes {
		if sid == sessionID {
			delete(r.tabRoutes, tabID)
		}
	}
	notifier := r.notifier
	r.mu.Unlock()

	windowID := session.WindowID()
	if notifier != nil {
		if windowID != 0 {
			notifier.CloseWindowAsync(sessionID, windowID)
		}
		notifier.RejectSession(sessionID, pendingErr)
	}

	r.broadcast()
}

// Keepalive updates lastSeen for sessionID. Unknown sessions are ignored.
func (r *Registry) Keepalive(sessionID string) {
	r.MarkLastSeen(sessionID)
}

// MarkLastSeen updates lastSeen for sessionID. Called on every inbound
// client message, not just explicit keepalives (spec.md §4.2).
func (r *Registry) MarkLastSeen(sessionID string) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	session.mu.Lock()
	session.lastSeen = time.Now()
	session.mu.Unlock()
}

// HasWindow reports whether sessionID has a live window in the current
// agent lifetime (the WindowCache check that short-circuits lazy window
// creation).
func (r *Registry) HasWindow(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.windowCache[sessionID]
}

// BindWindow records a successfully created window for sessionID, adds it
// to the WindowCache, and rebroadcasts.
func (r *Registry) BindWindow(sessionID string, windowID int) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.windowCache[sessionID] = true
	r.mu.Unlock()

	session.mu.Lock()
	session.windowID = windowID
	session.mu.Unlock()

	r.broadcast()
}

// OnWindowClosed clears windowId on sessionID and removes it from the
// WindowCache; the next Dispatch will lazily recreate the window.
func (r *Registry) OnWindowClosed(sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.windowCache, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	session.mu.Lock()
	session.windowID = 0
	session.mu.Unlock()
	r.broadcast()
}

// OnTabClosed removes the TabRoute for tabID, if any.
func (r *Registry) OnTabClosed(tabID string) {
	r.mu.Lock()
	_, existed := r.tabRoutes[tabID]
	delete(r.tabRoutes, tabID)
	r.mu.Unlock()
	if existed {
		r.broadcast()
	}
}

// SetTabRoute pins tabID to sessionID for manual routing scenarios
// (spec.md glossary: TabRoute).
func (r *Registry) SetTabRoute(tabID, sessionID string) {
	r.mu.Lock()
	r.tabRoutes[tabID] = sessionID
	r.mu.Unlock()
	r.broadcast()
}

// TabRouteSession returns the session pinned to tabID, if any.
func (r *Registry) TabRouteSession(tabID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.tabRoutes[tabID]
	return sid, ok
}

// ClearAllWindowIds clears every session's windowId and empties the
// TabRoute map and WindowCache. Called on each AgentConnection (re)open
// and on close (spec.md §3, §5(c)): windows from a previous browser
// process no longer exist either way, and clearing twice is a no-op.
func (r *Registry) ClearAllWindowIds() {
	r.mu.Lock()
	for _, session := range r.sessions {
		session.mu.Lock()
		session.windowID = 0
		session.mu.Unlock()
	}
	r.windowCache = make(map[string]bool)
	r.tabRoutes = make(map[string]string)
	r.mu.Unlock()

	r.broadcast()
}

// Snapshot returns a serializable view of every registered session,
// sorted by sessionId for deterministic output.
func (r *Registry) Snapshot() []helm.SessionView {
	r.mu.RLock()
	sessions := make([]*ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	views := make([]helm.SessionView, len(sessions))
	for i, s := range sessions {
		views[i] = s.view()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].SessionID < views[j].SessionID })
	return views
}

// TabRoutes returns a copy of the current tabId -> sessionId map.
func (r *Registry) TabRoutes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]string, len(r.tabRoutes))
	for k, v := range r.tabRoutes {
		cp[k] = v
	}
	return cp
}

// ClientCount returns the number of registered sessions.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) broadcast() {
	r.mu.RLock()
	notifier := r.notifier
	r.mu.RUnlock()
	if notifier == nil {
		return
	}
	notifier.BroadcastSessions(r.Snapshot(), r.TabRoutes())
}

// StartSweeper launches the background goroutine that evicts sessions
// whose lastSeen predates KeepaliveTimeout, running every
// KeepaliveTimeout/2 (spec.md §4.2). Stop halts it.
func (r *Registry) StartSweeper() {
	r.sweepStop = make(chan struct{})
	interval := r.cfg.KeepaliveTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				r.SweepOnce()
			}
		}
	}()
}

// Stop halts the sweeper goroutine, if running.
func (r *Registry) Stop() {
	r.sweepOnce.Do(func() {
		if r.sweepStop != nil {
			close(r.sweepStop)
		}
	})
}

// SweepOnce evicts every session whose lastSeen predates
// KeepaliveTimeout and returns how many were reaped. Running it twice
// back to back with no intervening keepalives produces the same result
// the second time (zero), satisfying spec.md §8 property 4.
func (r *Registry) SweepOnce() int {
	cutoff := time.Now().Add(-r.cfg.KeepaliveTimeout)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		s.mu.Lock()
		if s.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Unregister(id, helm.ErrClientDisconnected)
	}
	return len(stale)
}

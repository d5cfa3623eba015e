package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the ordered (major, minor, patch) triple negotiated at
// initialize. See protocolversion.go for negotiation against the server's
// supported constraint.
type ProtocolVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Capabilities is the structured descriptor exchanged during initialize.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type ResourcesCapability struct {
	ListChanged bool `json:"listChanged"`
	Subscribe   bool `json:"subscribe"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type LoggingCapability struct {
	Level string `json:"level,omitempty"`
}

// ClientInfo identifies the connecting client, received at initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AuthContext attaches an authenticated principal and its permission set to
// a session. The anonymous context is used whenever auth is disabled.
type AuthContext struct {
	Principal   string
	Permissions map[string]struct{}
}

// Allows reports whether the context carries the named permission. A nil
// permission set (present on the anonymous context) allows everything.
func (a *AuthContext) Allows(permission string) bool {
	if a == nil || a.Permissions == nil {
		return true
	}
	_, ok := a.Permissions[permission]
	return ok
}

// RequestStats holds rolling per-session counters; the session reaper reads
// InFlight from them. It is intentionally a plain struct snapshot, not a live
// reference, so callers cannot observe partial updates.
type RequestStats struct {
	Total       uint64
	Succeeded   uint64
	Failed      uint64
	InFlight    int
	LastAccess  time.Time
}

// Session is a per-client logical connection: initialization state, auth
// context, and activity tracking. Every accepted non-initialize request
// must observe IsInitialized == true (spec invariant, enforced in server.go).
type Session struct {
	ID              string
	Transport       string
	ClientInfo      *ClientInfo
	ProtocolVersion *ProtocolVersion
	Capabilities    *Capabilities
	CreatedAt       time.Time
	LastActivityAt  time.Time
	IsInitialized   bool
	AuthContext     *AuthContext

	mu    sync.Mutex
	stats RequestStats
}

func newSession(transport string) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.NewString(),
		Transport:      transport,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Stats returns a snapshot of the session's rolling request counters.
func (s *Session) Stats() RequestStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) touch() {
	s.mu.Lock()
	s.stats.LastAccess = time.Now()
	s.stats.Total++
	s.mu.Unlock()
}

func (s *Session) recordInFlightDelta(delta int) {
	s.mu.Lock()
	s.stats.InFlight += delta
	s.mu.Unlock()
}

func (s *Session) recordOutcome(ok bool) {
	s.mu.Lock()
	if ok {
		s.stats.Succeeded++
	} else {
		s.stats.Failed++
	}
	s.mu.Unlock()
}

// SessionManagerMetrics is the {total, active, authenticated, expired}
// rollup named in spec §4.3.
type SessionManagerMetrics struct {
	Total         uint64
	Active        int
	Authenticated int
	Expired       uint64
}

// SessionManager creates, looks up, expires, and terminates sessions. The
// reaper goroutine and request acceptance share the same lock so that a
// just-accepted request can never be dispatched against a session the
// reaper is in the middle of removing (spec §4.3).
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration

	totalCreated uint64
	totalExpired uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSessionManager builds a manager with the given idle timeout. A
// non-positive timeout disables reaping (sessions never expire).
func NewSessionManager(timeout time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// Create mints a new, uninitialized session bound to the given transport.
func (m *SessionManager) Create(transport string) *Session {
	s := newSession(transport)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.totalCreated++
	m.mu.Unlock()
	return s
}

// Get looks up a session by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetActive returns a snapshot of all live sessions.
func (m *SessionManager) GetActive() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// InitializeParams is the payload of the initialize method.
type InitializeParams struct {
	ProtocolVersion ProtocolVersion `json:"protocolVersion"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
	Capabilities    Capabilities    `json:"capabilities"`
}

// Initialize binds client info, protocol version, and capabilities to the
// session and marks it initialized. A repeat initialize with identical
// parameters is idempotent; one with different parameters is rejected with
// ErrAlreadyInitialized.
func (m *SessionManager) Initialize(id string, params InitializeParams) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	if s.IsInitialized {
		if !sameInitParams(s, params) {
			return nil, ErrAlreadyInitialized
		}
		return s, nil
	}

	s.mu.Lock()
	s.ClientInfo = &params.ClientInfo
	pv := params.ProtocolVersion
	s.ProtocolVersion = &pv
	caps := params.Capabilities
	s.Capabilities = &caps
	s.IsInitialized = true
	s.LastActivityAt = time.Now()
	s.mu.Unlock()

	return s, nil
}

func sameInitParams(s *Session, params InitializeParams) bool {
	if s.ClientInfo == nil || s.ProtocolVersion == nil {
		return false
	}
	return *s.ClientInfo == params.ClientInfo && *s.ProtocolVersion == params.ProtocolVersion
}

// UpdateActivity bumps last_activity_at. Updates for a given session are
// serialized by the session's own lock so activity timestamps never regress.
func (m *SessionManager) UpdateActivity(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.LastActivityAt = time.Now()
	s.mu.Unlock()
	s.touch()
}

// Remove idempotently terminates a session.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Metrics returns the {total, active, authenticated, expired} rollup.
func (m *SessionManager) Metrics() SessionManagerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	authenticated := 0
	for _, s := range m.sessions {
		if s.AuthContext != nil {
			authenticated++
		}
	}
	return SessionManagerMetrics{
		Total:         m.totalCreated,
		Active:        len(m.sessions),
		Authenticated: authenticated,
		Expired:       m.totalExpired,
	}
}

// StartReaper launches the background goroutine that removes sessions idle
// beyond the configured timeout. It is a no-op if the timeout is <= 0.
func (m *SessionManager) StartReaper(ctx context.Context, interval time.Duration) {
	if m.timeout <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.reapOnce()
			}
		}
	}()
}

func (m *SessionManager) reapOnce() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.LastActivityAt)
		inFlight := s.stats.InFlight
		s.mu.Unlock()
		if inFlight > 0 {
			continue
		}
		if idle >= m.timeout {
			delete(m.sessions, id)
			m.totalExpired++
		}
	}
}

// Stop halts the reaper and waits for it to exit.
func (m *SessionManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

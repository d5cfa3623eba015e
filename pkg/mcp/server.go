package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/mcpcore/pkg/loadbalancer"
	"github.com/fyrsmithlabs/mcpcore/pkg/mcp/transport"
	"github.com/fyrsmithlabs/mcpcore/pkg/mcp/transport/httptransport"
)

// ServerInfo identifies this implementation in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Config configures the Server. It mirrors spec §6's recognized
// configuration shape for the pieces the Server itself owns; transport and
// load-balancer sub-configs are owned by their respective constructors.
type Config struct {
	Name           string
	Version        string
	SessionTimeout time.Duration
	DefaultTimeout time.Duration
	Auth           AuthConfig
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "mcpcore"
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Server is a single composed value holding every sub-component it owns:
// registry, session manager, auth manager, load balancer. There is no
// ambient global state — every method call threads its dependencies
// explicitly (spec §9).
type Server struct {
	cfg Config

	registry *ToolRegistry
	sessions *SessionManager
	auth     *AuthManager
	lb       *loadbalancer.LoadBalancer
	logger   *zap.Logger
	metrics  *metricsRegistry

	stdioMu        sync.Mutex
	stdioSessionID string

	inFlight sync.WaitGroup

	reaperCtx    context.Context
	reaperCancel context.CancelFunc
}

// New constructs a Server with its built-in tools already registered.
func New(cfg Config, lb *loadbalancer.LoadBalancer, permissionsByToken map[string][]string) (*Server, error) {
	cfg = cfg.withDefaults()

	auth, err := NewAuthManager(cfg.Auth, permissionsByToken)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		registry: NewToolRegistry(),
		sessions: NewSessionManager(cfg.SessionTimeout),
		auth:     auth,
		lb:       lb,
		logger:   cfg.Logger,
		metrics:  newMetricsRegistry("mcpcore"),
	}

	if err := s.registerBuiltinTools(); err != nil {
		return nil, fmt.Errorf("mcp: registering built-in tools: %w", err)
	}

	return s, nil
}

// Registry exposes the tool registry so callers can register domain tools
// before Start.
func (s *Server) Registry() *ToolRegistry { return s.registry }

// Sessions exposes the session manager, chiefly for metrics reporting.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Start launches the session reaper. It does not own any transport; each
// transport is started independently and fed the Handler this Server
// exposes for its kind (HandlerForStdio / HandlerForHTTP).
func (s *Server) Start(ctx context.Context) error {
	s.reaperCtx, s.reaperCancel = context.WithCancel(ctx)
	s.sessions.StartReaper(s.reaperCtx, 10*time.Second)
	return nil
}

// Stop begins a drain: the reaper is stopped and the load balancer's queue
// sweep halted, then waits for every in-flight tool handler to finish
// (bounded by ctx) before returning. Handlers are not forcibly canceled —
// Stop only waits; cancellation happens through their own per-call
// timeout, same as in steady state (spec §5).
func (s *Server) Stop(ctx context.Context) error {
	if s.reaperCancel != nil {
		s.reaperCancel()
	}
	s.sessions.Stop()
	s.lb.Stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return waitGroupWithContext(gCtx, &s.inFlight) })
	return g.Wait()
}

// waitGroupWithContext blocks until wg is done or ctx is canceled,
// whichever comes first.
func waitGroupWithContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlerForStdio returns the transport.Handler for a single-session-per-
// process stdio transport. The first request lazily creates a session
// that stays uninitialized until a real `initialize` call arrives (spec
// §4.3 stdio fast path).
func (s *Server) HandlerForStdio() transport.Handler {
	return func(ctx context.Context, raw []byte) []byte {
		session := s.stdioSession()
		return s.dispatch(ctx, session, "", raw)
	}
}

func (s *Server) stdioSession() *Session {
	s.stdioMu.Lock()
	defer s.stdioMu.Unlock()
	if s.stdioSessionID != "" {
		if sess, ok := s.sessions.Get(s.stdioSessionID); ok {
			return sess
		}
	}
	sess := s.sessions.Create("stdio")
	s.stdioSessionID = sess.ID
	return sess
}

// HandlerForHTTP returns the transport.Handler for the HTTP transport. The
// session id and auth credential arrive attached to ctx by the
// httptransport POST route; a session is created on first request when no
// id is supplied (spec §4.1 HTTP transport).
func (s *Server) HandlerForHTTP() transport.Handler {
	return func(ctx context.Context, raw []byte) []byte {
		sessionID := httptransport.SessionIDFromContext(ctx)
		credential := httptransport.CredentialFromContext(ctx)

		var session *Session
		if sessionID != "" {
			if sess, ok := s.sessions.Get(sessionID); ok {
				session = sess
			}
		}
		if session == nil {
			session = s.sessions.Create("http")
		}
		return s.dispatch(ctx, session, credential, raw)
	}
}

// dispatch runs the full per-request pipeline: parse, initialize fast-path,
// session/auth/admission checks, tool dispatch, outcome recording.
func (s *Server) dispatch(ctx context.Context, session *Session, credential string, raw []byte) []byte {
	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshal(errorResponse(nil, ParseError, "Parse error", nil))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return marshal(errorResponse(req.ID, InvalidRequest, "Invalid Request", nil))
	}

	if req.Method == "initialize" {
		return marshal(s.handleInitialize(session, credential, req))
	}

	if !session.IsInitialized {
		return marshal(errorResponse(req.ID, NotInitialized, "Server not initialized", nil))
	}

	s.sessions.UpdateActivity(session.ID)
	return marshal(s.handleToolCall(ctx, session, req))
}

func marshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		fallback, _ := json.Marshal(errorResponse(nil, InternalError, "failed to encode response", nil))
		return fallback
	}
	return b
}

func (s *Server) handleInitialize(session *Session, credential string, req JSONRPCRequest) interface{} {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, InvalidParams, "Invalid params", nil)
		}
	}

	authCtx, err := s.auth.Authenticate(credential)
	if err != nil {
		return errorResponse(req.ID, ApplicationError, "Unauthorized", nil)
	}

	sess, err := s.sessions.Initialize(session.ID, params)
	if err != nil {
		return errorResponse(req.ID, InvalidRequest, err.Error(), nil)
	}
	sess.AuthContext = authCtx

	serverVersion, instructions := negotiateProtocolVersion(params.ProtocolVersion)

	result := map[string]interface{}{
		"protocolVersion": serverVersion,
		"capabilities":    s.serverCapabilities(),
		"serverInfo":      ServerInfo{Name: s.cfg.Name, Version: s.cfg.Version},
	}
	if instructions != "" {
		result["instructions"] = instructions
	}

	return successResponse(req.ID, result)
}

func (s *Server) serverCapabilities() Capabilities {
	return Capabilities{
		Tools:     &ToolsCapability{ListChanged: false},
		Resources: &ResourcesCapability{},
		Prompts:   &PromptsCapability{},
		Logging:   &LoggingCapability{Level: "info"},
	}
}

func (s *Server) handleToolCall(ctx context.Context, session *Session, req JSONRPCRequest) interface{} {
	tool, ok := s.registry.Get(req.Method)
	if !ok {
		return errorResponse(req.ID, MethodNotFound, fmt.Sprintf("tool %q not registered", req.Method), nil)
	}

	if err := s.auth.Authorize(session.AuthContext, tool.RequiredPermission); err != nil {
		msg := "Unauthorized"
		if err == ErrForbidden {
			msg = "Forbidden"
		}
		return errorResponse(req.ID, ApplicationError, msg, nil)
	}

	admission := s.lb.ShouldAllowRequest(session.ID, tool.Name, tool.IsolateCircuit, loadbalancer.PriorityNormal)
	switch admission.Decision {
	case loadbalancer.Rejected:
		return errorResponse(req.ID, ApplicationError, admissionMessage(admission.Err), nil)
	case loadbalancer.Deferred:
		select {
		case err := <-admission.Wait:
			if err != nil {
				return errorResponse(req.ID, ApplicationError, "Request timeout in queue", nil)
			}
		case <-ctx.Done():
			return errorResponse(req.ID, InternalError, "Handler timeout", nil)
		}
	}

	params, err := decodeParams(req.Params)
	if err != nil {
		return errorResponse(req.ID, InvalidParams, "Invalid params: malformed object", nil)
	}
	if err := tool.ValidateParams(ctx, params); err != nil {
		return errorResponse(req.ID, InvalidParams, "Invalid params: "+err.Error(), nil)
	}

	rec := s.lb.RecordRequestStart(session.ID, tool.Name, tool.IsolateCircuit)
	callStart := time.Now()

	session.recordInFlightDelta(1)
	defer session.recordInFlightDelta(-1)

	timeout := s.cfg.DefaultTimeout
	if tool.TimeoutOverride > 0 {
		timeout = time.Duration(tool.TimeoutOverride) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	resultCh := make(chan outcome, 1)
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		r, err := tool.Handler(callCtx, params)
		resultCh <- outcome{result: r, err: err}
	}()

	select {
	case o := <-resultCh:
		if o.err != nil {
			s.lb.RecordRequestEnd(rec, false)
			s.metrics.observe(tool.Name, false, time.Since(callStart))
			session.recordOutcome(false)
			if strings.HasPrefix(o.err.Error(), "Invalid params") {
				return errorResponse(req.ID, InvalidParams, o.err.Error(), nil)
			}
			return errorResponse(req.ID, InternalError, o.err.Error(), nil)
		}
		s.lb.RecordRequestEnd(rec, true)
		s.metrics.observe(tool.Name, true, time.Since(callStart))
		session.recordOutcome(true)
		return successResponse(req.ID, o.result)
	case <-callCtx.Done():
		s.lb.RecordRequestEnd(rec, false)
		s.metrics.observe(tool.Name, false, time.Since(callStart))
		session.recordOutcome(false)
		return errorResponse(req.ID, InternalError, "Handler timeout", nil)
	}
}

func admissionMessage(err error) string {
	switch err {
	case loadbalancer.ErrRateLimited, loadbalancer.ErrCircuitOpen:
		return "Rate limit exceeded or circuit breaker open"
	case loadbalancer.ErrQueueFull:
		return "Request queue full"
	default:
		return "Admission denied"
	}
}

func decodeParams(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

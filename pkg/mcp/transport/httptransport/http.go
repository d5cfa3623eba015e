// Package httptransport implements the MCP HTTP transport: one JSON-RPC
// object per POST to a fixed path, optional TLS, an auth credential header,
// and an optional session id header for multi-session servers.
package httptransport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/mcpcore/pkg/mcp/transport"
)

const (
	// CredentialHeader carries the auth credential presented by the client.
	CredentialHeader = "X-MCP-Auth-Token"
	// SessionHeader optionally carries a caller-supplied session id.
	SessionHeader = "X-MCP-Session-ID"
)

// Config configures the HTTP transport.
type Config struct {
	Host        string
	Port        int
	Path        string // default "/mcp"
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
}

// Transport is the HTTP implementation of transport.Transport.
type Transport struct {
	cfg    Config
	echo   *echo.Echo
	server *http.Server

	activeConns int64
	bytesIn     int64
	bytesOut    int64
	lastErr     atomic.Value // string
}

// New builds an HTTP transport from config.
func New(cfg Config) *Transport {
	if cfg.Path == "" {
		cfg.Path = "/mcp"
	}
	return &Transport{cfg: cfg, echo: echo.New()}
}

// CredentialFromRequest extracts the auth credential header, exported so
// the router can thread it through AuthManager.Authenticate.
func CredentialFromRequest(c echo.Context) string {
	return c.Request().Header.Get(CredentialHeader)
}

// SessionIDFromRequest extracts the optional caller-supplied session id.
func SessionIDFromRequest(c echo.Context) string {
	return c.Request().Header.Get(SessionHeader)
}

type contextKey int

const (
	credentialContextKey contextKey = iota
	sessionIDContextKey
)

// ContextWithCredential attaches the auth credential to ctx so it survives
// the crossing into the transport-agnostic transport.Handler signature.
func ContextWithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialContextKey, credential)
}

// CredentialFromContext retrieves the credential attached by
// ContextWithCredential, or "" if none was set.
func CredentialFromContext(ctx context.Context) string {
	v, _ := ctx.Value(credentialContextKey).(string)
	return v
}

// ContextWithSessionID attaches the caller-supplied session id to ctx.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, sessionID)
}

// SessionIDFromContext retrieves the session id attached by
// ContextWithSessionID, or "" if none was set.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDContextKey).(string)
	return v
}

// Start registers the dispatch route and begins serving. Start returns
// once the listener is up; serving continues in a background goroutine.
func (t *Transport) Start(ctx context.Context, handler transport.Handler) error {
	t.echo.HideBanner = true
	t.echo.HidePort = true

	t.echo.POST(t.cfg.Path, func(c echo.Context) error {
		atomic.AddInt64(&t.activeConns, 1)
		defer atomic.AddInt64(&t.activeConns, -1)

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		atomic.AddInt64(&t.bytesIn, int64(len(body)))

		reqCtx := c.Request().Context()
		reqCtx = ContextWithCredential(reqCtx, CredentialFromRequest(c))
		reqCtx = ContextWithSessionID(reqCtx, SessionIDFromRequest(c))

		resp := handler(reqCtx, body)
		atomic.AddInt64(&t.bytesOut, int64(len(resp)))
		return c.JSONBlob(http.StatusOK, resp)
	})

	t.echo.GET("/health", func(c echo.Context) error {
		h := t.Health()
		return c.JSON(http.StatusOK, h)
	})

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	t.server = &http.Server{
		Addr:              addr,
		Handler:           t.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := newListener(addr)
	if err != nil {
		return fmt.Errorf("http transport: listen on %s: %w", addr, err)
	}

	go func() {
		var serveErr error
		if t.cfg.TLSEnabled {
			serveErr = t.server.ServeTLS(ln, t.cfg.TLSCertFile, t.cfg.TLSKeyFile)
		} else {
			serveErr = t.server.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			t.lastErr.Store(serveErr.Error())
		}
	}()

	return nil
}

// Stop drains in-flight requests (bounded by ctx) and shuts the listener
// down.
func (t *Transport) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// Health reports connection/byte counters.
func (t *Transport) Health() transport.Health {
	errStr := ""
	if v := t.lastErr.Load(); v != nil {
		errStr = v.(string)
	}
	return transport.Health{
		Healthy: errStr == "",
		Error:   errStr,
		Metrics: map[string]int64{
			"active_connections": atomic.LoadInt64(&t.activeConns),
			"bytes_in":           atomic.LoadInt64(&t.bytesIn),
			"bytes_out":          atomic.LoadInt64(&t.bytesOut),
		},
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpcore/pkg/loadbalancer"
)

func newTestServer(t *testing.T, lbCfg loadbalancer.Config) (*Server, func()) {
	t.Helper()
	lb := loadbalancer.New(lbCfg, nil)
	srv, err := New(Config{Name: "test-server"}, lb, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	return srv, func() {
		_ = srv.Stop(context.Background())
	}
}

func initializeReq(id string) []byte {
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":"initialize","params":{"protocolVersion":{"major":2024,"minor":11,"patch":5},"clientInfo":{"name":"test-client","version":"1.0"}}}`, id)
	return []byte(body)
}

func decodeRPC(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestInitializeHandshake(t *testing.T) {
	srv, cleanup := newTestServer(t, loadbalancer.Config{})
	defer cleanup()

	handler := srv.HandlerForStdio()
	resp := decodeRPC(t, handler(context.Background(), initializeReq("1")))

	assert.Nil(t, resp["error"])
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	protocolVersion, ok := result["protocolVersion"].(map[string]interface{})
	require.True(t, ok, "expected a structured {major,minor,patch} protocolVersion, got %v", result["protocolVersion"])
	assert.Equal(t, float64(2024), protocolVersion["major"])
	assert.Equal(t, float64(11), protocolVersion["minor"])
	assert.Equal(t, float64(5), protocolVersion["patch"])
	assert.NotNil(t, result["capabilities"])
	assert.NotNil(t, result["serverInfo"])
}

func TestUninitializedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, loadbalancer.Config{})
	defer cleanup()

	handler := srv.HandlerForStdio()
	req := []byte(`{"jsonrpc":"2.0","id":"1","method":"system/info"}`)
	resp := decodeRPC(t, handler(context.Background(), req))

	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "expected an error response, got %v", resp)
	assert.Equal(t, float64(NotInitialized), errObj["code"])
}

func TestUnknownToolReturnsMethodNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, loadbalancer.Config{})
	defer cleanup()

	handler := srv.HandlerForStdio()
	_ = decodeRPC(t, handler(context.Background(), initializeReq("1")))

	req := []byte(`{"jsonrpc":"2.0","id":"2","method":"no_such_tool","params":{}}`)
	resp := decodeRPC(t, handler(context.Background(), req))

	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(MethodNotFound), errObj["code"])
}

func TestParseErrorOnMalformedJSON(t *testing.T) {
	srv, cleanup := newTestServer(t, loadbalancer.Config{})
	defer cleanup()

	handler := srv.HandlerForStdio()
	resp := decodeRPC(t, handler(context.Background(), []byte(`{not json`)))

	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(ParseError), errObj["code"])
}

// registerEchoTool installs a trivial always-succeeds tool for exercising
// the admission pipeline without depending on any builtin's own schema.
func registerEchoTool(t *testing.T, srv *Server) {
	t.Helper()
	err := srv.Registry().Register(&Tool{
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params, nil
		},
	})
	require.NoError(t, err)
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	srv, cleanup := newTestServer(t, loadbalancer.Config{
		Enabled:       true,
		RatePerSec:    2,
		Burst:         2,
		MaxConcurrent: 10,
		QueueCapacity: 0,
	})
	defer cleanup()
	registerEchoTool(t, srv)

	handler := srv.HandlerForStdio()
	_ = decodeRPC(t, handler(context.Background(), initializeReq("1")))

	succeeded := 0
	for i := 0; i < 5; i++ {
		req := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%d","method":"echo","params":{}}`, i))
		resp := decodeRPC(t, handler(context.Background(), req))
		if resp["error"] == nil {
			succeeded++
		}
	}

	assert.Equal(t, 2, succeeded, "only burst-sized requests should succeed before the limiter throttles the rest")
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	srv, cleanup := newTestServer(t, loadbalancer.Config{
		Enabled:          true,
		RatePerSec:       1000,
		Burst:            1000,
		MaxConcurrent:    10,
		FailureThreshold: 2,
		CooldownMs:       20,
	})
	defer cleanup()

	failing := true
	err := srv.Registry().Register(&Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if failing {
				return nil, fmt.Errorf("boom")
			}
			return "ok", nil
		},
	})
	require.NoError(t, err)

	handler := srv.HandlerForStdio()
	_ = decodeRPC(t, handler(context.Background(), initializeReq("1")))

	call := func(id string) map[string]interface{} {
		req := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":"flaky","params":{}}`, id))
		return decodeRPC(t, handler(context.Background(), req))
	}

	// Two failures trip the breaker (FailureThreshold=2).
	resp1 := call("1")
	resp2 := call("2")
	require.NotNil(t, resp1["error"])
	require.NotNil(t, resp2["error"])

	// The third call is rejected by the open breaker before it ever
	// reaches the handler.
	resp3 := call("3")
	errObj, ok := resp3["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(ApplicationError), errObj["code"])

	// After the cooldown elapses the breaker half-opens and a success
	// closes it again.
	time.Sleep(30 * time.Millisecond)
	failing = false
	resp4 := call("4")
	assert.Nil(t, resp4["error"])
}

func TestSessionInitializeIdempotentOnSameParams(t *testing.T) {
	srv, cleanup := newTestServer(t, loadbalancer.Config{})
	defer cleanup()

	handler := srv.HandlerForStdio()
	resp1 := decodeRPC(t, handler(context.Background(), initializeReq("1")))
	resp2 := decodeRPC(t, handler(context.Background(), initializeReq("2")))

	assert.Nil(t, resp1["error"])
	assert.Nil(t, resp2["error"])
}

func TestAuthRejectsMissingCredential(t *testing.T) {
	lb := loadbalancer.New(loadbalancer.Config{}, nil)
	srv, err := New(Config{Name: "test-server", Auth: AuthConfig{Enabled: true, Method: "token"}}, lb,
		map[string][]string{"secret-token": {"tools.call"}})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	defer func() { _ = srv.Stop(context.Background()) }()

	handler := srv.HandlerForStdio()
	resp := decodeRPC(t, handler(context.Background(), initializeReq("1")))

	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "expected unauthorized initialize to fail without a credential")
	assert.Equal(t, float64(ApplicationError), errObj["code"])
}

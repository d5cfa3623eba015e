package loadbalancer

import "errors"

// Sentinel errors returned by admission decisions. The mcp package maps
// these to JSON-RPC code -32000 with a discriminating message (spec §4.5,
// §7); they never reach the circuit breaker's failure count themselves.
var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrCircuitOpen  = errors.New("circuit breaker open")
	ErrQueueFull    = errors.New("request queue full")
	ErrQueueTimeout = errors.New("request timeout in queue")
)

// unexported aliases used internally so queue.go reads naturally.
var (
	errQueueFull    = ErrQueueFull
	errQueueTimeout = ErrQueueTimeout
)

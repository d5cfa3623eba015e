// Package mcp implements the Model Context Protocol server core: JSON-RPC 2.0
// framing and dispatch, session lifecycle, tool registry and discovery,
// authentication, and the router that sequences them per request.
//
// The core treats the transport, load balancer, and tool handlers as
// pluggable collaborators: a Server value owns them explicitly and invokes
// each through a narrow interface, never through ambient globals.
package mcp

package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// HandlerFunc is the opaque, polymorphic callable carried by every tool
// descriptor. It receives parsed, schema-validated params and returns a
// result or a failure; the core never inspects its implementation. A
// handler signals a domain validation failure by returning an error whose
// message is prefixed "Invalid params" — the router translates that into
// JSON-RPC code -32602 (spec §4.2).
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Tool is a registered capability: a JSON-RPC method name, a human
// description, a JSON-Schema-compatible input schema, a handler, and an
// optional token-cost estimate consumed by gating (§4.7).
type Tool struct {
	Name            string
	Description     string
	InputSchema     *openapi3.Schema
	Handler         HandlerFunc
	EstimatedTokens int

	// RequiredPermission, if set, is checked against the session's auth
	// context before dispatch. Tools without one are callable by any
	// authenticated principal (spec §4.4).
	RequiredPermission string

	// IsolateCircuit opts this tool into per-(session,tool) circuit breaker
	// keying instead of per-session-only (spec §9 Open Questions).
	IsolateCircuit bool

	// TimeoutOverride replaces the router's defaultTimeout for this tool
	// when non-zero (spec §5).
	TimeoutOverride int64 // milliseconds

	searchText string
}

// Descriptor is the client-facing view of a Tool: everything but the
// handler, returned by tools/schema.
type Descriptor struct {
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	InputSchema     *openapi3.Schema `json:"inputSchema,omitempty"`
	EstimatedTokens int              `json:"estimatedTokens,omitempty"`
}

func (t *Tool) descriptor() Descriptor {
	return Descriptor{
		Name:            t.Name,
		Description:     t.Description,
		InputSchema:     t.InputSchema,
		EstimatedTokens: t.EstimatedTokens,
	}
}

// ToolRegistry stores tool descriptors keyed by name and keeps the
// discovery repository (annotated searchable text) synchronized with the
// dispatch view. It is read-heavy, write-rare: a sync.RWMutex gives
// reader-preferring behavior appropriate to the concurrency model in §5.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewToolRegistry returns an empty, thread-safe registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// Register adds a tool. It fails if the name is empty or already present.
func (r *ToolRegistry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("%w: tool name is required", ErrInvalidParams)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %q", ErrToolExists, tool.Name)
	}

	tool.searchText = buildSearchText(tool.Name, tool.Description)
	r.tools[tool.Name] = tool
	return nil
}

func buildSearchText(name, description string) string {
	return strings.ToLower(name) + " " + strings.ToLower(description)
}

// Get returns a tool by name, or (nil, false) if absent.
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns a snapshot of all registered tools; callers must tolerate
// concurrent additions landing after the snapshot was taken.
func (r *ToolRegistry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateParams performs the registry's structural checks (type,
// required) against a tool's input schema. Domain validation stays the
// handler's responsibility (spec §4.2).
func (t *Tool) ValidateParams(ctx context.Context, params map[string]interface{}) error {
	if t.InputSchema == nil {
		return nil
	}
	if err := t.InputSchema.VisitJSON(params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

package mcp

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// startedAt records process start for the system/info uptime field.
var startedAt = time.Now()

// defaultDiscoverLimit is discover_tools' result cap when the caller omits
// limit (spec §4.2: "limit: integer 1..100, default 10").
const defaultDiscoverLimit = 10

// registerBuiltinTools installs the fixed set of tools every server exposes
// regardless of domain: discovery, gating, introspection, and health (spec
// §4.2). Domain tools are registered by the caller after New returns.
func (s *Server) registerBuiltinTools() error {
	builtins := []*Tool{
		s.discoverToolsTool(),
		s.provisionToolsTool(),
		s.systemInfoTool(),
		s.systemHealthTool(),
		s.systemMetricsTool(),
		s.toolsListTool(),
		s.toolsSchemaTool(),
	}
	for _, t := range builtins {
		if err := s.registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func stringSchema() *openapi3.Schema {
	return openapi3.NewStringSchema()
}

func objectSchema(required []string, props map[string]*openapi3.SchemaRef) *openapi3.Schema {
	schema := openapi3.NewObjectSchema()
	schema.Required = required
	schema.Properties = props
	return schema
}

func (s *Server) discoverToolsTool() *Tool {
	schema := objectSchema([]string{"query"}, map[string]*openapi3.SchemaRef{
		"query": openapi3.NewSchemaRef("", stringSchema()),
		"limit": openapi3.NewSchemaRef("", openapi3.NewIntegerSchema().WithMin(1).WithMax(100)),
	})
	return &Tool{
		Name:        "discover_tools",
		Description: "Rank registered tools against a free-text query.",
		InputSchema: schema,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("Invalid params: query is required")
			}
			limit := defaultDiscoverLimit
			if v, ok := params["limit"].(float64); ok {
				limit = int(v)
			}
			return s.registry.DiscoverTools(query, limit), nil
		},
	}
}

func (s *Server) provisionToolsTool() *Tool {
	schema := objectSchema([]string{"query", "maxTokens"}, map[string]*openapi3.SchemaRef{
		"query":     openapi3.NewSchemaRef("", stringSchema()),
		"maxTokens": openapi3.NewSchemaRef("", openapi3.NewIntegerSchema().WithMin(0).WithMax(100000)),
	})
	return &Tool{
		Name:        "provision_tools",
		Description: "Select the highest-ranked tools for a query within a token budget.",
		InputSchema: schema,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("Invalid params: query is required")
			}
			maxTokens, ok := params["maxTokens"].(float64)
			if !ok || maxTokens < 0 {
				return nil, fmt.Errorf("Invalid params: maxTokens must be a non-negative number")
			}
			return s.registry.ProvisionTools(query, int(maxTokens)), nil
		},
	}
}

// systemInfo is the result of the system/info built-in.
type systemInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	ProtocolRange string `json:"protocolVersion"`
	GoVersion     string `json:"goVersion"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (s *Server) systemInfoTool() *Tool {
	return &Tool{
		Name:        "system/info",
		Description: "Report server identity, version, and uptime.",
		InputSchema: openapi3.NewObjectSchema(),
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return systemInfo{
				Name:          s.cfg.Name,
				Version:       s.cfg.Version,
				ProtocolRange: SupportedProtocolVersion.String(),
				GoVersion:     runtime.Version(),
				UptimeSeconds: int64(time.Since(startedAt).Seconds()),
			}, nil
		},
	}
}

// systemHealth is the result of the system/health built-in.
type systemHealth struct {
	Sessions SessionManagerMetrics `json:"sessions"`
	Queue    interface{}           `json:"queue"`
	Metrics  interface{}           `json:"requestMetrics"`
}

func (s *Server) systemHealthTool() *Tool {
	return &Tool{
		Name:        "system/health",
		Description: "Report session, queue, and request metric rollups.",
		InputSchema: openapi3.NewObjectSchema(),
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return systemHealth{
				Sessions: s.sessions.Metrics(),
				Queue:    s.lb.QueueMetrics(),
				Metrics:  s.lb.Metrics(),
			}, nil
		},
	}
}

// systemMetrics is the result of the system/metrics built-in: a Prometheus
// text-exposition scrape of the request-latency histogram, per-tool
// invocation counters, circuit-breaker gauges, and queue depth.
type systemMetrics struct {
	Format string `json:"format"`
	Body   string `json:"body"`
}

func (s *Server) systemMetricsTool() *Tool {
	return &Tool{
		Name:        "system/metrics",
		Description: "Return a Prometheus text-exposition scrape of request latency, tool invocation, circuit, and queue gauges.",
		InputSchema: openapi3.NewObjectSchema(),
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			s.metrics.refresh(s.lb)
			body, err := s.metrics.text()
			if err != nil {
				return nil, fmt.Errorf("rendering metrics: %w", err)
			}
			return systemMetrics{Format: "prometheus/text", Body: body}, nil
		},
	}
}

func (s *Server) toolsListTool() *Tool {
	return &Tool{
		Name:        "tools/list",
		Description: "List the names and descriptions of every registered tool.",
		InputSchema: openapi3.NewObjectSchema(),
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			tools := s.registry.List()
			out := make([]map[string]string, 0, len(tools))
			for _, t := range tools {
				out = append(out, map[string]string{"name": t.Name, "description": t.Description})
			}
			return out, nil
		},
	}
}

func (s *Server) toolsSchemaTool() *Tool {
	schema := objectSchema([]string{"name"}, map[string]*openapi3.SchemaRef{
		"name": openapi3.NewSchemaRef("", stringSchema()),
	})
	return &Tool{
		Name:        "tools/schema",
		Description: "Return the full descriptor, including input schema, for one tool.",
		InputSchema: schema,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			name, _ := params["name"].(string)
			if name == "" {
				return nil, fmt.Errorf("Invalid params: name is required")
			}
			tool, ok := s.registry.Get(name)
			if !ok {
				return nil, fmt.Errorf("tool %q not found", name)
			}
			return tool.descriptor(), nil
		},
	}
}

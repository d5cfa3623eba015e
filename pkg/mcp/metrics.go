package mcp

import (
	"bytes"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/fyrsmithlabs/mcpcore/pkg/loadbalancer"
)

// metricsRegistry is the Prometheus collector set the server maintains
// alongside the load balancer's own lightweight rollup (spec §3's "audit/
// metric rollup"). It backs the system/metrics built-in tool; the
// lighter-weight system/health tool stays on the load balancer's own
// RollupSnapshot for callers that just want counters, not a scrape.
type metricsRegistry struct {
	registry        *prometheus.Registry
	requestLatency  prometheus.Histogram
	toolInvocations *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
}

func newMetricsRegistry(namespace string) *metricsRegistry {
	m := &metricsRegistry{
		registry: prometheus.NewRegistry(),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Tool dispatch latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations partitioned by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state by key (0=closed, 1=open, 2=half-open).",
		}, []string{"key"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current backpressure queue depth.",
		}),
	}
	m.registry.MustRegister(m.requestLatency, m.toolInvocations, m.circuitState, m.queueDepth)
	return m
}

func (m *metricsRegistry) observe(tool string, success bool, latency time.Duration) {
	m.requestLatency.Observe(latency.Seconds())
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.toolInvocations.WithLabelValues(tool, outcome).Inc()
}

// refresh pulls the current circuit and queue state from the load balancer
// into the gauges. Gauges, unlike counters, have no incremental update path
// for external state owned elsewhere, so this runs just before a scrape.
func (m *metricsRegistry) refresh(lb *loadbalancer.LoadBalancer) {
	m.circuitState.Reset()
	for key, state := range lb.CircuitStates() {
		m.circuitState.WithLabelValues(key).Set(float64(state))
	}
	m.queueDepth.Set(float64(lb.QueueMetrics().Depth))
}

// text renders the registry in Prometheus text exposition format.
func (m *metricsRegistry) text() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

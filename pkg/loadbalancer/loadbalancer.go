package loadbalancer

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the load balancer, mirroring the `loadBalancer` section of
// spec §6's recognized configuration options.
type Config struct {
	Enabled          bool
	RatePerSec       float64
	Burst            int
	MaxConcurrent    int
	FailureThreshold int
	FailureWindowMs  int64
	CooldownMs       int64
	QueueCapacity    int
	QueueTimeoutMs   int64
	DefaultTimeoutMs int64
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 50
	}
	if c.Burst <= 0 {
		c.Burst = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindowMs <= 0 {
		c.FailureWindowMs = 30_000
	}
	if c.CooldownMs <= 0 {
		c.CooldownMs = 30_000
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.QueueTimeoutMs <= 0 {
		c.QueueTimeoutMs = 30_000
	}
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 5000
	}
	return c
}

// Decision is the outcome of an admission check.
type Decision int

const (
	// Allowed means the caller may dispatch immediately.
	Allowed Decision = iota
	// Rejected means the caller must not dispatch; Err names the reason.
	Rejected
	// Deferred means the caller was admitted to the request queue and must
	// wait on Wait before dispatching.
	Deferred
)

// Admission is returned by ShouldAllowRequest.
type Admission struct {
	Decision Decision
	Err      error
	Wait     <-chan error
}

// MetricRecord is the opaque token minted by RecordRequestStart and
// consumed exactly once by RecordRequestEnd (spec §3, §8).
type MetricRecord struct {
	sessionID      string
	tool           string
	circuitKey     string
	start          time.Time
	consumed       bool
}

// LoadBalancer implements admission control and outcome recording: rate
// limit, circuit breaker, concurrency cap, and the backpressure queue
// (spec §4.5). Rate limiters and circuit breakers are created lazily per
// key and partitioned by session id to avoid cross-session contention
// (spec §5).
type LoadBalancer struct {
	cfg    Config
	logger *zap.Logger

	limiters sync.Map // session id -> *rate.Limiter
	breakers sync.Map // circuit key -> *CircuitBreaker

	queue *RequestQueue

	mu       sync.Mutex
	inflight map[string]int

	metrics *MetricsRollup
	audit   *AuditPublisher
}

// SetAuditPublisher attaches an optional audit/event bus publisher. It may
// be called at any time; a nil publisher (the zero value before this is
// called) makes every audit publish a no-op.
func (lb *LoadBalancer) SetAuditPublisher(p *AuditPublisher) {
	lb.audit = p
}

// New builds a load balancer from config.
func New(cfg Config, logger *zap.Logger) *LoadBalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &LoadBalancer{
		cfg:      cfg,
		logger:   logger,
		queue:    NewRequestQueue(QueueConfig{Capacity: cfg.QueueCapacity, EntryTTL: time.Duration(cfg.QueueTimeoutMs) * time.Millisecond}),
		inflight: make(map[string]int),
		metrics:  NewMetricsRollup(),
	}
}

func (lb *LoadBalancer) limiterFor(sessionID string) *rate.Limiter {
	if v, ok := lb.limiters.Load(sessionID); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(lb.cfg.RatePerSec), lb.cfg.Burst)
	actual, _ := lb.limiters.LoadOrStore(sessionID, l)
	return actual.(*rate.Limiter)
}

func (lb *LoadBalancer) breakerFor(key string) *CircuitBreaker {
	if v, ok := lb.breakers.Load(key); ok {
		return v.(*CircuitBreaker)
	}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: lb.cfg.FailureThreshold,
		FailureWindow:    time.Duration(lb.cfg.FailureWindowMs) * time.Millisecond,
		Cooldown:         time.Duration(lb.cfg.CooldownMs) * time.Millisecond,
		HalfOpenMax:      1,
	}, lb.logger)
	actual, _ := lb.breakers.LoadOrStore(key, cb)
	return actual.(*CircuitBreaker)
}

func circuitKey(sessionID, tool string, isolate bool) string {
	if isolate {
		return sessionID + "::" + tool
	}
	return sessionID
}

// ShouldAllowRequest runs the three admission checks in order: rate limit,
// circuit breaker, concurrency cap (spec §4.5). A concurrency-cap overflow
// enqueues via the request queue rather than rejecting outright.
func (lb *LoadBalancer) ShouldAllowRequest(sessionID, tool string, isolateCircuit bool, priority Priority) Admission {
	if !lb.cfg.Enabled {
		return Admission{Decision: Allowed}
	}

	if !lb.limiterFor(sessionID).Allow() {
		lb.metrics.incRateLimited()
		lb.audit.publish(AuditEvent{SessionID: sessionID, Tool: tool, Event: "rejected", Reason: "rate_limited"})
		return Admission{Decision: Rejected, Err: ErrRateLimited}
	}

	cb := lb.breakerFor(circuitKey(sessionID, tool, isolateCircuit))
	if !cb.Allow() {
		lb.metrics.incCircuitTrips()
		lb.audit.publish(AuditEvent{SessionID: sessionID, Tool: tool, Event: "rejected", Reason: "circuit_open"})
		return Admission{Decision: Rejected, Err: ErrCircuitOpen}
	}

	lb.mu.Lock()
	n := lb.inflight[sessionID]
	lb.mu.Unlock()

	if n < lb.cfg.MaxConcurrent {
		lb.audit.publish(AuditEvent{SessionID: sessionID, Tool: tool, Event: "admitted"})
		return Admission{Decision: Allowed}
	}

	wait, err := lb.queue.Enqueue(priority)
	if err != nil {
		lb.audit.publish(AuditEvent{SessionID: sessionID, Tool: tool, Event: "rejected", Reason: "queue_full"})
		return Admission{Decision: Rejected, Err: err}
	}
	lb.audit.publish(AuditEvent{SessionID: sessionID, Tool: tool, Event: "deferred"})
	return Admission{Decision: Deferred, Wait: wait}
}

// RecordRequestStart begins timing and increments the session's in-flight
// counter. It must be called exactly once per dispatched request, after
// admission and before handler invocation (spec §8).
func (lb *LoadBalancer) RecordRequestStart(sessionID, tool string, isolateCircuit bool) *MetricRecord {
	lb.mu.Lock()
	lb.inflight[sessionID]++
	lb.mu.Unlock()

	return &MetricRecord{
		sessionID:  sessionID,
		tool:       tool,
		circuitKey: circuitKey(sessionID, tool, isolateCircuit),
		start:      time.Now(),
	}
}

// RecordRequestEnd completes timing, updates the outcome counters and
// circuit breaker, decrements in-flight, and releases one waiting queue
// entry if present. It is a programming error to call this twice for the
// same record; the second call is a no-op.
func (lb *LoadBalancer) RecordRequestEnd(rec *MetricRecord, success bool) {
	if rec == nil || rec.consumed {
		return
	}
	rec.consumed = true

	latency := time.Since(rec.start)
	lb.metrics.record(latency, success)

	cb := lb.breakerFor(rec.circuitKey)
	if success {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}

	lb.mu.Lock()
	if lb.inflight[rec.sessionID] > 0 {
		lb.inflight[rec.sessionID]--
	}
	lb.mu.Unlock()

	event := "succeeded"
	if !success {
		event = "failed"
	}
	lb.audit.publish(AuditEvent{SessionID: rec.sessionID, Tool: rec.tool, Event: event})

	lb.queue.Dequeue()
}

// InFlight returns the current in-flight count for a session (spec §8:
// "for any session at any instant, in-flight requests <= maxConcurrent").
func (lb *LoadBalancer) InFlight(sessionID string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.inflight[sessionID]
}

// CircuitState exposes the current state for a (session, tool) pair, used
// by the audit/metric rollup (spec §3).
func (lb *LoadBalancer) CircuitState(sessionID, tool string, isolateCircuit bool) CircuitState {
	return lb.breakerFor(circuitKey(sessionID, tool, isolateCircuit)).State()
}

// CircuitStates returns every circuit breaker's current state keyed the
// same way breakerFor keys them, for callers (the Prometheus gauge behind
// system/metrics) that need the full set rather than one lookup at a time.
func (lb *LoadBalancer) CircuitStates() map[string]CircuitState {
	out := make(map[string]CircuitState)
	lb.breakers.Range(func(key, value interface{}) bool {
		out[key.(string)] = value.(*CircuitBreaker).State()
		return true
	})
	return out
}

// QueueMetrics returns the backing queue's {depth, drops, timeouts}.
func (lb *LoadBalancer) QueueMetrics() QueueMetrics {
	return lb.queue.Metrics()
}

// Metrics returns the outcome rollup.
func (lb *LoadBalancer) Metrics() RollupSnapshot {
	return lb.metrics.snapshot()
}

// ResetMetrics resets counters on explicit operator request (spec §4.5).
func (lb *LoadBalancer) ResetMetrics() {
	lb.metrics.reset()
}

// Stop halts the request queue's background sweep.
func (lb *LoadBalancer) Stop() {
	lb.queue.Stop()
}

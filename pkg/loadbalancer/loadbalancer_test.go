package loadbalancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldAllowRequestDisabledAlwaysAllows(t *testing.T) {
	lb := New(Config{Enabled: false}, nil)
	defer lb.Stop()

	d := lb.ShouldAllowRequest("session-1", "echo", false, PriorityNormal)
	assert.Equal(t, Allowed, d.Decision)
}

func TestShouldAllowRequestRateLimitsPerSession(t *testing.T) {
	lb := New(Config{Enabled: true, RatePerSec: 1, Burst: 1, MaxConcurrent: 10}, nil)
	defer lb.Stop()

	first := lb.ShouldAllowRequest("session-1", "echo", false, PriorityNormal)
	second := lb.ShouldAllowRequest("session-1", "echo", false, PriorityNormal)

	assert.Equal(t, Allowed, first.Decision)
	assert.Equal(t, Rejected, second.Decision)
	assert.ErrorIs(t, second.Err, ErrRateLimited)
}

func TestShouldAllowRequestRateLimitIsPerSessionPartitioned(t *testing.T) {
	lb := New(Config{Enabled: true, RatePerSec: 1, Burst: 1, MaxConcurrent: 10}, nil)
	defer lb.Stop()

	a := lb.ShouldAllowRequest("session-a", "echo", false, PriorityNormal)
	b := lb.ShouldAllowRequest("session-b", "echo", false, PriorityNormal)

	assert.Equal(t, Allowed, a.Decision)
	assert.Equal(t, Allowed, b.Decision, "a different session's bucket must not be exhausted by another session")
}

func TestShouldAllowRequestDefersOnConcurrencyOverflow(t *testing.T) {
	lb := New(Config{Enabled: true, RatePerSec: 1000, Burst: 1000, MaxConcurrent: 1, QueueCapacity: 10, QueueTimeoutMs: 1000}, nil)
	defer lb.Stop()

	rec := lb.RecordRequestStart("session-1", "echo", false)
	d := lb.ShouldAllowRequest("session-1", "echo", false, PriorityNormal)

	require.Equal(t, Deferred, d.Decision)
	require.NotNil(t, d.Wait)

	lb.RecordRequestEnd(rec, true) // frees the concurrency slot and dequeues the waiter

	select {
	case err := <-d.Wait:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected the deferred admission to be granted")
	}
}

func TestShouldAllowRequestRejectsWhenCircuitOpen(t *testing.T) {
	lb := New(Config{Enabled: true, RatePerSec: 1000, Burst: 1000, MaxConcurrent: 10, FailureThreshold: 1}, nil)
	defer lb.Stop()

	rec := lb.RecordRequestStart("session-1", "echo", false)
	lb.RecordRequestEnd(rec, false)

	d := lb.ShouldAllowRequest("session-1", "echo", false, PriorityNormal)
	assert.Equal(t, Rejected, d.Decision)
	assert.ErrorIs(t, d.Err, ErrCircuitOpen)
}

func TestRecordRequestEndIsIdempotent(t *testing.T) {
	lb := New(Config{Enabled: true}, nil)
	defer lb.Stop()

	rec := lb.RecordRequestStart("session-1", "echo", false)
	lb.RecordRequestEnd(rec, true)
	lb.RecordRequestEnd(rec, true) // second call must be a no-op

	snapshot := lb.Metrics()
	assert.Equal(t, uint64(1), snapshot.TotalRequests)
}

func TestMetricsResetIsIdempotent(t *testing.T) {
	lb := New(Config{Enabled: true}, nil)
	defer lb.Stop()

	rec := lb.RecordRequestStart("session-1", "echo", false)
	lb.RecordRequestEnd(rec, true)

	lb.ResetMetrics()
	first := lb.Metrics()
	lb.ResetMetrics()
	second := lb.Metrics()

	assert.Equal(t, uint64(0), first.TotalRequests)
	assert.Equal(t, first.TotalRequests, second.TotalRequests)
	assert.Equal(t, first.SucceededRequests, second.SucceededRequests)
}

func TestCircuitStateIsolatedPerTool(t *testing.T) {
	lb := New(Config{Enabled: true, FailureThreshold: 1}, nil)
	defer lb.Stop()

	rec := lb.RecordRequestStart("session-1", "tool-a", true)
	lb.RecordRequestEnd(rec, false)

	assert.Equal(t, StateOpen, lb.CircuitState("session-1", "tool-a", true))
	assert.Equal(t, StateClosed, lb.CircuitState("session-1", "tool-b", true),
		"isolated circuit keying must not bleed failures across tools")
}

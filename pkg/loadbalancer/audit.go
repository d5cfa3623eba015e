package loadbalancer

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// AuditEvent is one admission decision or outcome, published when a
// LoadBalancer has an AuditPublisher attached. This is the optional audit/
// event bus named in the domain dependency table — entirely additive to
// the synchronous RollupSnapshot/QueueMetrics accessors, which stay
// the load-bearing path for system/health and system/metrics.
type AuditEvent struct {
	SessionID string    `json:"sessionId"`
	Tool      string    `json:"tool"`
	Event     string    `json:"event"` // admitted, rejected, deferred, succeeded, failed
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// AuditPublisher publishes AuditEvents to per-session subjects, following
// the teacher's OperationRegistry subject shape
// (operations.{owner}.{id}.{event}) narrowed to mcp.{sessionID}.{event}.
type AuditPublisher struct {
	conn *nats.Conn
}

// NewAuditPublisher wraps an already-connected *nats.Conn. A nil conn
// produces a publisher whose publish calls are no-ops, so a LoadBalancer
// can always hold one without a nil check at every call site.
func NewAuditPublisher(conn *nats.Conn) *AuditPublisher {
	return &AuditPublisher{conn: conn}
}

func (p *AuditPublisher) publish(ev AuditEvent) {
	if p == nil || p.conn == nil {
		return
	}
	ev.At = time.Now()
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = p.conn.Publish("mcp."+ev.SessionID+"."+ev.Event, body)
}

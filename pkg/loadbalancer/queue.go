package loadbalancer

import (
	"container/heap"
	"sync"
	"time"
)

// Priority is one of the four admission priorities spec §4.6 names.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// QueueConfig tunes the bounded priority queue.
type QueueConfig struct {
	Capacity     int           // default 1000
	EntryTTL     time.Duration // default 30s
	SweepPeriod  time.Duration // default 250ms
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = 30 * time.Second
	}
	if c.SweepPeriod <= 0 {
		c.SweepPeriod = 250 * time.Millisecond
	}
	return c
}

// entry is one queued admission, dequeued highest-priority-first and FIFO
// within a priority via the monotonic sequence number.
type entry struct {
	priority   Priority
	seq        uint64
	enqueuedAt time.Time
	done       chan error // receives nil on dequeue grant, ErrQueueTimeout on expiry
	index      int
}

// entryHeap is a max-heap on (priority, then earlier sequence first).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// QueueMetrics is the {depth, drops, timeouts} rollup named in spec §4.6.
type QueueMetrics struct {
	Depth    int
	Drops    uint64
	Timeouts uint64
}

// RequestQueue is a bounded FIFO-within-priority admission queue. Entries
// whose age exceeds the configured TTL are discarded with ErrQueueTimeout;
// an overflow against a full queue is rejected synchronously with
// ErrQueueFull, never blocking the caller.
type RequestQueue struct {
	cfg QueueConfig

	mu   sync.Mutex
	h    entryHeap
	seq  uint64

	drops    uint64
	timeouts uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRequestQueue builds a queue and starts its background sweep.
func NewRequestQueue(cfg QueueConfig) *RequestQueue {
	q := &RequestQueue{cfg: cfg.withDefaults(), stopCh: make(chan struct{})}
	heap.Init(&q.h)
	q.wg.Add(1)
	go q.sweepLoop()
	return q
}

// Enqueue admits a request at the given priority. It returns a channel that
// receives nil when the caller is granted dispatch, or ErrQueueTimeout if
// the entry aged out first. Enqueue itself never blocks: a full queue
// returns ErrQueueFull immediately.
func (q *RequestQueue) Enqueue(priority Priority) (<-chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) >= q.cfg.Capacity {
		q.drops++
		return nil, errQueueFull
	}

	q.seq++
	e := &entry{
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}
	heap.Push(&q.h, e)
	return e.done, nil
}

// Dequeue pops the highest-priority, oldest-enqueued entry and signals it
// cleared admission. Returns false if the queue is empty.
func (q *RequestQueue) Dequeue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return false
	}
	e := heap.Pop(&q.h).(*entry)
	e.done <- nil
	return true
}

func (q *RequestQueue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepExpired()
		}
	}
}

func (q *RequestQueue) sweepExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	remaining := make(entryHeap, 0, len(q.h))
	for _, e := range q.h {
		if now.Sub(e.enqueuedAt) >= q.cfg.EntryTTL {
			e.done <- errQueueTimeout
			q.timeouts++
			continue
		}
		remaining = append(remaining, e)
	}
	q.h = remaining
	heap.Init(&q.h)
}

// Metrics returns a snapshot of {depth, drops, timeouts}.
func (q *RequestQueue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueMetrics{
		Depth:    len(q.h),
		Drops:    q.drops,
		Timeouts: q.timeouts,
	}
}

// Stop halts the sweep goroutine.
func (q *RequestQueue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

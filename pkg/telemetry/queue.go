package telemetry

import (
	"log/slog"
	"sync"
)

// DefaultQueueCapacity bounds the in-memory telemetry backlog.
const DefaultQueueCapacity = 10_000

// Queue is a bounded FIFO ring. Enqueue is O(1), never blocks, and never
// fails: when full, the oldest record is dropped with a warning so the hot
// path cannot stall on telemetry.
type Queue struct {
	mu      sync.Mutex
	buf     []Record
	head    int
	size    int
	dropped int64
	wake    chan struct{}
}

// NewQueue returns a queue with the given capacity (DefaultQueueCapacity if
// non-positive).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		buf:  make([]Record, capacity),
		wake: make(chan struct{}, 1),
	}
}

// Enqueue appends a record, dropping the oldest on overflow.
func (q *Queue) Enqueue(r Record) {
	q.mu.Lock()
	var dropped int64
	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = q.dropped
	}
	q.buf[(q.head+q.size)%len(q.buf)] = r
	q.size++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	if dropped == 1 || (dropped > 0 && dropped%1000 == 0) {
		slog.Warn("telemetry queue overflow, dropping oldest", "dropped_total", dropped)
	}
}

// Wake returns a channel that carries a coalesced signal after each Enqueue.
// Drainers select on it to notice backlog growth without polling.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Drain removes and returns up to max records in FIFO order.
func (q *Queue) Drain(max int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	return out
}

// Len returns the number of buffered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns the total overflow drops since creation.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

package posture

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 256

// Queue is a bounded multi-producer/single-consumer FIFO of gestures.
//
// Submit never blocks: when the buffer is full the newest gesture is dropped
// so a slow consumer cannot stall the vision pipeline. Take never blocks
// either; it returns Nop when the buffer is empty. Ready lets the consumer
// sleep until something is submitted instead of spinning on Take.
type Queue struct {
	mu     sync.Mutex
	buf    []Gesture
	head   int
	count  int
	closed bool

	ready chan struct{}
	drops atomic.Uint64
}

// NewQueue creates a queue holding at most capacity gestures.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		buf:   make([]Gesture, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Submit enqueues g. It returns false, dropping g, when the queue is full,
// closed, or g is not a submittable gesture.
func (q *Queue) Submit(g Gesture) bool {
	if !g.Valid() {
		return false
	}

	q.mu.Lock()
	if q.closed || q.count == len(q.buf) {
		q.mu.Unlock()
		q.drops.Add(1)
		return false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = g
	q.count++
	q.mu.Unlock()

	// Wake the consumer if it is parked on Ready.
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Take dequeues the oldest gesture, or returns Nop when the queue is empty.
func (q *Queue) Take() Gesture {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return Nop
	}
	g := q.buf[q.head]
	q.buf[q.head] = Nop
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	if q.count == 0 {
		// Consumer caught up: compact back to the start of the buffer.
		q.head = 0
	}
	return g
}

// Ready returns a channel that receives a value after a successful Submit.
// A single pending signal may cover several submitted gestures, so the
// consumer must drain with Take until it returns Nop.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued gestures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Drops returns how many submissions were rejected because the queue was
// full or closed.
func (q *Queue) Drops() uint64 {
	return q.drops.Load()
}

// Close rejects further submissions and discards queued gestures.
// It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for i := range q.buf {
		q.buf[i] = Nop
	}
	q.head = 0
	q.count = 0
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

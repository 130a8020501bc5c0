package relay

import "sync"

// Queue is the bounded single-producer/single-consumer handoff between the
// transport receive path and the inbound pump. FIFO order is preserved for
// delivered frames; when the consumer falls behind, Push drops instead of
// blocking the network read loop. CloseInput delivers the terminal sentinel
// (channel close) exactly once and makes late pushes harmless.
type Queue struct {
	mu      sync.Mutex
	ch      chan Frame
	closed  bool
	dropped uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan Frame, capacity)}
}

// Push enqueues one frame without blocking. It reports false when the frame
// was dropped, either because the queue is full or input is already closed.
func (q *Queue) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- f:
		return true
	default:
		q.dropped++
		return false
	}
}

// CloseInput marks end of input. Safe to call multiple times and from a
// different goroutine than the producer.
func (q *Queue) CloseInput() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Frames exposes the consumer side; the channel closes after CloseInput once
// all buffered frames are read.
func (q *Queue) Frames() <-chan Frame { return q.ch }

// Dropped returns how many frames were discarded under backpressure.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

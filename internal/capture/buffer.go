// Package capture provides the bounded queue between the device callback and the recording loop.
package capture

import (
	"sync/atomic"
	"time"
)

// Buffer is a bounded FIFO of raw sample buffers.
//
// Push is safe to call from a real-time audio callback: it never blocks, never allocates
// beyond the channel send and never logs. When the queue is full the new buffer is
// dropped, but the arrival time is still recorded so stall detection stays accurate.
type Buffer struct {
	ch          chan []byte
	lastArrival atomic.Int64 // unix nanos
	dropped     atomic.Uint64
}

// NewBuffer returns a Buffer holding at most capacity buffers.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{ch: make(chan []byte, capacity)}
}

// Push enqueues b without blocking and reports whether it was queued.
func (q *Buffer) Push(b []byte) bool {
	q.lastArrival.Store(time.Now().UnixNano())
	select {
	case q.ch <- b:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop waits up to timeout for the next buffer.
func (q *Buffer) Pop(timeout time.Duration) ([]byte, bool) {
	select {
	case b := <-q.ch:
		return b, true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-q.ch:
		return b, true
	case <-t.C:
		return nil, false
	}
}

// Drain discards all queued buffers and returns how many were removed.
func (q *Buffer) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued buffers.
func (q *Buffer) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Buffer) Cap() int { return cap(q.ch) }

// LastArrival returns when the most recent buffer arrived, or the last Touch.
func (q *Buffer) LastArrival() time.Time {
	ns := q.lastArrival.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Touch sets the arrival time without enqueueing data.
func (q *Buffer) Touch(t time.Time) {
	q.lastArrival.Store(t.UnixNano())
}

// Dropped returns the number of buffers discarded because the queue was full.
func (q *Buffer) Dropped() uint64 { return q.dropped.Load() }

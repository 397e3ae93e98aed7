package writequeue

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-io/errs"
)

// Queue is a per-session FIFO of write Requests, backed by
// github.com/eapache/queue's amortized O(1) ring buffer, matching the
// spec's O(1) queue-operation requirement (spec.md §4.4).
//
// Lock discipline follows spec.md §4.4 literally: Enqueue takes the read
// side of the r/w lock (producers only ever conflict with a draining
// loop, never with each other at the r/w-lock layer) and additionally
// serializes the actual ring-buffer mutation behind pushMu, a
// low-contention inner lock, since the underlying queue.Queue is not
// itself safe for concurrent producers. Drain takes the lock's write side
// for exclusive access to pop/peek/mutate the head request.
type Queue struct {
	mu     sync.RWMutex
	pushMu sync.Mutex
	fifo   *queue.Queue

	// registeredForWrite coalesces flush requests: the first producer to
	// flip it false->true is responsible for enqueuing this session on
	// the loop's flush-session intake queue.
	registeredForWrite atomic.Bool
}

// New constructs an empty write queue.
func New() *Queue {
	return &Queue{fifo: queue.New()}
}

// Enqueue appends req to the tail of the FIFO. It returns true exactly
// once per drain cycle: the first Enqueue call to observe an unregistered
// queue flips registeredForWrite and must notify the owning loop.
func (q *Queue) Enqueue(req *Request) (needsFlushRegistration bool) {
	q.mu.RLock()
	q.pushMu.Lock()
	q.fifo.Add(req)
	q.pushMu.Unlock()
	q.mu.RUnlock()

	return q.registeredForWrite.CompareAndSwap(false, true)
}

// ClearRegistered resets the flush-coalescing flag. Called by the loop
// once it has either drained the queue empty or installed write-readiness
// interest for it.
func (q *Queue) ClearRegistered() {
	q.registeredForWrite.Store(false)
}

// Len reports the number of pending requests (approximate under
// concurrent producers, exact once Drain holds exclusive access).
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	return q.fifo.Length()
}

// WriteFunc writes as much of buf as the socket accepts without blocking.
// It must return errs.ErrWouldBlock (with n equal to whatever was
// accepted, possibly 0) when the socket cannot take more right now, and
// any other error is treated as a fatal transport error that closes the
// session.
type WriteFunc func(buf []byte) (n int, err error)

// Drain implements spec.md §4.4's drain protocol: while the queue is
// non-empty and the socket accepts bytes, write the head request, popping
// it and completing its future on a full write, or leaving the remainder
// as the new head on a partial write. Returns true if the queue is empty
// when Drain returns (write-readiness interest should be cleared).
func (q *Queue) Drain(write WriteFunc) (emptied bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.fifo.Length() > 0 {
		req := q.fifo.Peek().(*Request)
		segs := req.Remaining().Segments()
		wrote := 0
		var werr error
		for _, seg := range segs {
			if len(seg) == 0 {
				continue
			}
			n, e := write(seg)
			wrote += n
			if e != nil {
				werr = e
				break
			}
			if n < len(seg) {
				// Partial write of this segment: socket is full: stop.
				werr = errs.ErrWouldBlock
				break
			}
		}
		req.advance(wrote)

		if werr != nil && werr != errs.ErrWouldBlock {
			req.fail(werr)
			q.fifo.Remove()
			return q.fifo.Length() == 0, werr
		}
		if req.done() {
			q.fifo.Remove()
			req.complete()
			if werr == errs.ErrWouldBlock {
				// Consumed exactly the request but socket is now full;
				// stop this drain cycle regardless, no bytes lost.
				return q.fifo.Length() == 0, nil
			}
			continue
		}
		// Partial write: remainder already reflected in req via advance;
		// req is still at the head (Peek returned the same pointer we
		// mutated), so nothing further to store back.
		return false, nil
	}
	return true, nil
}

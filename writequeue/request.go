// Package writequeue implements the per-session FIFO of pending writes and
// its drain protocol (spec.md §4.4).
package writequeue

import (
	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/future"
)

// Request is one queued write: an opaque payload plus an optional
// completion future signaled once every byte has hit the kernel.
type Request struct {
	payload buffer.Buffer
	fut     *future.Future[struct{}]
}

// NewRequest builds a Request. fut may be nil for fire-and-forget writes.
func NewRequest(payload buffer.Buffer, fut *future.Future[struct{}]) *Request {
	return &Request{payload: payload, fut: fut}
}

// Remaining returns the bytes not yet written to the kernel.
func (r *Request) Remaining() buffer.Buffer { return r.payload }

// Future returns the completion future, or nil.
func (r *Request) Future() *future.Future[struct{}] { return r.fut }

func (r *Request) advance(n int) {
	if n <= 0 {
		return
	}
	r.payload = r.payload.Slice(n, r.payload.Len())
}

func (r *Request) done() bool { return r.payload.Len() == 0 }

func (r *Request) complete() {
	if r.fut != nil {
		r.fut.Set(struct{}{})
	}
}

func (r *Request) fail(err error) {
	if r.fut != nil {
		r.fut.Fail(err)
	}
}

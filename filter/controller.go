package filter

import (
	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/future"
)

// Controller carries the current chain cursor for one in-flight
// receive or write propagation. A filter may retain the Controller and
// resume later from any goroutine (spec.md §4.3 "asynchronous
// continuation"); it is safe to do so because Controller carries no
// stack-bound state, only chain/session/index.
type Controller struct {
	chain       *Chain
	session     Session
	idx         int
	writeFuture *future.Future[struct{}] // carried through to the tail write sink, may be nil
}

// Session returns the session this propagation belongs to.
func (c *Controller) Session() Session { return c.session }

// Future returns the completion future attached to this write
// propagation, or nil for a fire-and-forget write or a receive
// propagation (which never carries one).
func (c *Controller) Future() *future.Future[struct{}] { return c.writeFuture }

// CallReadNext continues receive-direction propagation to the next filter
// (index+1), or delivers to the tail sink once every filter has run.
func (c *Controller) CallReadNext(msg buffer.Buffer) {
	c.idx++
	c.chain.dispatchReceive(c, msg)
}

// CallWriteNext continues send-direction propagation to the previous
// filter (index-1), or enqueues the final message on underflow.
func (c *Controller) CallWriteNext(msg buffer.Buffer) {
	c.idx--
	c.chain.dispatchWrite(c, msg)
}

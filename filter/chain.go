package filter

import (
	"fmt"
	"log/slog"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/future"
)

// Chain is an ordered, immutable-for-the-session's-lifetime sequence of
// Filters (spec.md §9 open question (a), resolved as snapshot-at-creation).
// Two logical directions share the same slice: receive walks 0..N-1,
// send walks N-1..0.
type Chain struct {
	filters     []Filter
	tailReceive func(session Session, msg buffer.Buffer)
	tailWrite   func(session Session, msg buffer.Buffer, fut *future.Future[struct{}])
	log         *slog.Logger
}

// New builds an immutable Chain snapshot. tailReceive is invoked once
// receive-direction propagation has run past the last filter (spec.md §8
// property 6: "empty chain delivers m unchanged to the tail sink").
// tailWrite is invoked once send-direction propagation underflows past
// index 0, and is where the session enqueues the final write request; fut
// is whatever was passed to FireMessageWriting, carried through untouched
// regardless of how filters transformed the message.
func New(filters []Filter, tailReceive func(Session, buffer.Buffer), tailWrite func(Session, buffer.Buffer, *future.Future[struct{}]), log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	// Copy defensively: the caller's slice must not be able to mutate a
	// chain already snapshotted into a live session.
	snapshot := make([]Filter, len(filters))
	copy(snapshot, filters)
	return &Chain{filters: snapshot, tailReceive: tailReceive, tailWrite: tailWrite, log: log}
}

// Len returns the number of filters in the chain.
func (c *Chain) Len() int { return len(c.filters) }

// FireSessionCreated dispatches sessionCreated to every filter, in order.
func (c *Chain) FireSessionCreated(s Session) {
	c.fireLifecycle(s, "sessionCreated", func(f Filter) { f.SessionCreated(s) })
}

// FireSessionOpened dispatches sessionOpened to every filter, in order.
func (c *Chain) FireSessionOpened(s Session) {
	c.fireLifecycle(s, "sessionOpened", func(f Filter) { f.SessionOpened(s) })
}

// FireSessionClosed dispatches sessionClosed to every filter, in order.
func (c *Chain) FireSessionClosed(s Session) {
	c.fireLifecycle(s, "sessionClosed", func(f Filter) { f.SessionClosed(s) })
}

// FireSessionIdle dispatches sessionIdle(status) to every filter, in order.
func (c *Chain) FireSessionIdle(s Session, status IdleStatus) {
	c.fireLifecycle(s, "sessionIdle", func(f Filter) { f.SessionIdle(s, status) })
}

func (c *Chain) fireLifecycle(s Session, name string, call func(Filter)) {
	for _, f := range c.filters {
		if err := c.guard(s, name, func() error { call(f); return nil }); err != nil {
			c.raiseException(s, err)
		}
	}
}

// FireMessageReceived starts receive-direction propagation at index 0.
func (c *Chain) FireMessageReceived(s Session, msg buffer.Buffer) {
	ctrl := &Controller{chain: c, session: s, idx: 0}
	c.dispatchReceive(ctrl, msg)
}

// FireMessageWriting starts send-direction propagation at index N-1. fut
// may be nil for a fire-and-forget write; it is handed to tailWrite
// unchanged once propagation reaches the head.
func (c *Chain) FireMessageWriting(s Session, msg buffer.Buffer, fut *future.Future[struct{}]) {
	ctrl := &Controller{chain: c, session: s, idx: len(c.filters) - 1, writeFuture: fut}
	c.dispatchWrite(ctrl, msg)
}

func (c *Chain) dispatchReceive(ctrl *Controller, msg buffer.Buffer) {
	if ctrl.idx >= len(c.filters) {
		if c.tailReceive != nil {
			c.tailReceive(ctrl.session, msg)
		}
		return
	}
	f := c.filters[ctrl.idx]
	err := c.guard(ctrl.session, "messageReceived", func() error {
		return f.MessageReceived(ctrl.session, msg, ctrl)
	})
	if err != nil {
		c.raiseException(ctrl.session, err)
	}
}

func (c *Chain) dispatchWrite(ctrl *Controller, msg buffer.Buffer) {
	if ctrl.idx < 0 {
		if c.tailWrite != nil {
			c.tailWrite(ctrl.session, msg, ctrl.writeFuture)
		}
		return
	}
	f := c.filters[ctrl.idx]
	err := c.guard(ctrl.session, "messageWriting", func() error {
		return f.MessageWriting(ctrl.session, msg, ctrl)
	})
	if err != nil {
		c.raiseException(ctrl.session, err)
	}
}

// guard runs fn, converting a panic into an error so the chain's exception
// path handles both filter-returned errors and unexpected panics the same
// way (spec.md §4.1 "Unexpected exceptions from filters are caught by the
// chain dispatcher").
func (c *Chain) guard(s Session, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("filter panic in %s: %v", op, r)
		}
	}()
	return fn()
}

// raiseException re-enters the chain at index 0 as exceptionCaught(cause),
// per spec.md §4.3. Exceptions raised by ExceptionCaught itself are logged
// and suppressed, never re-entered, to avoid unbounded recursion.
func (c *Chain) raiseException(s Session, cause error) {
	c.log.Warn("exceptionCaught", "session", s.ID(), "cause", cause)
	for _, f := range c.filters {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("exceptionCaught handler panicked; suppressing",
						"session", s.ID(), "recover", r)
				}
			}()
			f.ExceptionCaught(s, cause)
		}()
	}
}

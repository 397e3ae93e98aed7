// Package filter implements the bidirectional interceptor pipeline of
// spec.md §4.3: a fixed, per-session snapshot of Filter instances dispatched
// through a cursor-bearing Controller so a filter may short-circuit,
// transform, or defer propagation to another goroutine.
//
// Grounded on original_source/core/.../filterchain/DefaultIoFilterChain.java
// for the receive-forward / write-reverse traversal order, generalized from
// its plain for-loop into the controller/cursor model spec.md §9 calls out
// as the contract to implement (the source's later iterations).
package filter

import (
	"net"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/future"
)

// IdleStatus distinguishes read-idle from write-idle firings.
type IdleStatus int

const (
	ReadIdle IdleStatus = iota
	WriteIdle
)

func (s IdleStatus) String() string {
	if s == WriteIdle {
		return "WRITE_IDLE"
	}
	return "READ_IDLE"
}

// Session is the narrow view of a session a Filter needs. The concrete
// session.Session type satisfies this; filter does not import session to
// avoid a cycle (session owns a filter.Chain snapshot). RemoteAddr and
// Close let a filter like a Subnet-based firewall (see NewSubnetFilter)
// reject a peer from sessionCreated, before any data is exchanged.
type Session interface {
	ID() int64
	RemoteAddr() net.Addr
	Close(immediate bool) *future.Future[struct{}]
}

// Filter is the capability set of spec.md §4.3. Embed BaseFilter to get
// no-op defaults for the callbacks a given filter doesn't care about,
// mirroring Apache MINA's IoFilterAdapter pattern via Go embedding.
type Filter interface {
	SessionCreated(s Session)
	SessionOpened(s Session)
	SessionClosed(s Session)
	SessionIdle(s Session, status IdleStatus)

	// MessageReceived is invoked in receive (upstream) order. A filter
	// short-circuits propagation by returning without calling
	// ctrl.CallReadNext. Returning a non-nil error raises exceptionCaught
	// at the head of the chain and stops this traversal.
	MessageReceived(s Session, msg buffer.Buffer, ctrl *Controller) error

	// MessageWriting is invoked in send (downstream) order, starting from
	// the last filter. Not calling ctrl.CallWriteNext drops the write.
	MessageWriting(s Session, msg buffer.Buffer, ctrl *Controller) error

	// ExceptionCaught handles an error raised anywhere in the chain.
	// Errors raised here are logged and suppressed by the chain, never
	// re-entered, to avoid unbounded recursion.
	ExceptionCaught(s Session, cause error)
}

// BaseFilter provides no-op implementations of every Filter method. Embed
// it in a concrete filter and override only what's needed.
type BaseFilter struct{}

func (BaseFilter) SessionCreated(Session)                {}
func (BaseFilter) SessionOpened(Session)                 {}
func (BaseFilter) SessionClosed(Session)                 {}
func (BaseFilter) SessionIdle(Session, IdleStatus)       {}
func (BaseFilter) ExceptionCaught(Session, error)        {}
func (BaseFilter) MessageReceived(s Session, msg buffer.Buffer, ctrl *Controller) error {
	ctrl.CallReadNext(msg)
	return nil
}
func (BaseFilter) MessageWriting(s Session, msg buffer.Buffer, ctrl *Controller) error {
	ctrl.CallWriteNext(msg)
	return nil
}

var _ Filter = BaseFilter{}

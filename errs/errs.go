// Package errs defines the error taxonomy shared by every component of
// hioload-io: transport failures, TLS failures, filter-raised protocol
// errors, illegal session-state transitions, and future resolution errors.
//
// Design rationale: stay on the standard library errors/fmt wrapping
// conventions (errors.Is/errors.As, fmt.Errorf("%w", ...)) rather than a
// third-party error-wrapping library — see DESIGN.md.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the taxonomy buckets of the spec.
type Kind int

const (
	// KindTransport is an OS-level I/O failure; the owning session is closed.
	KindTransport Kind = iota
	// KindTLS is a handshake or decryption failure; the owning session is closed.
	KindTLS
	// KindProtocol is raised by a filter and funnelled back through exceptionCaught.
	KindProtocol
	// KindState is an illegal state transition or use-after-close.
	KindState
	// KindCancelled is the resolution of a cancelled future.
	KindCancelled
	// KindTimeout is the resolution of Future.Get(timeout) only.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTLS:
		return "tls"
	case KindProtocol:
		return "protocol"
	case KindState:
		return "state"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinel errors for the conditions callers most often need to match with
// errors.Is, independent of any per-session context.
var (
	ErrClosed            = errors.New("hioload-io: session closed")
	ErrInvalidTransition = errors.New("hioload-io: invalid session state transition")
	ErrFutureAlreadySet  = errors.New("hioload-io: future already completed")
	ErrCancelled         = errors.New("hioload-io: future cancelled")
	ErrTimeout           = errors.New("hioload-io: operation timed out")
	ErrAttributeType     = errors.New("hioload-io: attribute value type mismatch")
	ErrNotRegistered     = errors.New("hioload-io: session not registered with a loop")
	// ErrWouldBlock signals a non-blocking socket operation could not
	// proceed without blocking; callers should retry once the fd is
	// readable/writable again, it is never surfaced to application code.
	ErrWouldBlock = errors.New("hioload-io: operation would block")
)

// Error wraps a taxonomy Kind with the session and component that raised it,
// so an exceptionCaught handler or a log line can recover full context
// without string-parsing.
type Error struct {
	Kind      Kind
	Component string
	SessionID int64
	Err       error
}

// New constructs an Error. sessionID may be zero when there is no session
// in scope (e.g. a listener-level bind failure).
func New(kind Kind, component string, sessionID int64, cause error) *Error {
	return &Error{Kind: kind, Component: component, SessionID: sessionID, Err: cause}
}

func (e *Error) Error() string {
	if e.SessionID != 0 {
		return fmt.Sprintf("hioload-io: %s[%s] session=%d: %v", e.Kind, e.Component, e.SessionID, e.Err)
	}
	return fmt.Sprintf("hioload-io: %s[%s]: %v", e.Kind, e.Component, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on category: a target *Error matches when its
// Kind equals e's Kind, whatever either one's Component, SessionID or
// cause. A target that is not a *Error never matches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

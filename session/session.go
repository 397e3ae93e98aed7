package session

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/errs"
	"github.com/momentics/hioload-io/filter"
	"github.com/momentics/hioload-io/future"
	"github.com/momentics/hioload-io/writequeue"
)

// Owner is the weak back-reference a session holds to its owning
// service, per spec.md §9 "model these as weak back-references ... so
// lifetime forms a DAG rooted at the service". A session never keeps its
// owner alive beyond what the owner itself would already keep alive.
type Owner interface {
	// SessionClosed is invoked once, from the Closing->Closed transition,
	// so the owner can remove the session from its id->session map.
	SessionClosed(s *Session)
	// RequestFlush is called by the first write enqueued since the owning
	// loop last cleared the queue's flush registration, so the loop can
	// install write-readiness interest. Implementations must not block.
	RequestFlush(s *Session)
	// RequestClose is called once per Close, so the owner can tear down
	// the session's underlying registration and eventually call Finalize.
	// Implementations must not block.
	RequestClose(s *Session)
}

var nextID atomic.Int64

// NextID hands out the next monotonically increasing session identifier
// (spec.md §8 property 1: id uniqueness).
func NextID() int64 { return nextID.Add(1) }

// Session is one logical connection: identity, state, attributes,
// statistics, its write queue, and the filter chain snapshotted at
// construction. Grounded on the teacher's internal/session/session.go for
// the identity/cancellation shape, generalized to the full lattice and
// I/O-facing contract of spec.md §4.2.
type Session struct {
	id         int64
	traceID    uuid.UUID
	owner      Owner
	createdAt  time.Time
	log        *slog.Logger
	remoteAddr net.Addr

	state *stateMachine
	attrs *attributeStore

	readBytes     atomic.Int64
	writtenBytes  atomic.Int64
	lastReadNano  atomic.Int64
	lastWriteNano atomic.Int64

	readSuspended  atomic.Bool
	writeSuspended atomic.Bool

	wq    *writequeue.Queue
	chain *filter.Chain

	secured  atomic.Bool
	cipherMu sync.Mutex
	cipher   CipherSink

	udp bool
}

// CipherSink substitutes an outbound plaintext write with its ciphertext
// once a session has begun securing (spec.md §4.5: "the helper encrypts
// and substitutes the ciphertext write request"). Implemented by
// tlsio.Helper; the session holds only this narrow interface to avoid
// importing tlsio.
type CipherSink interface {
	EncryptWrite(payload buffer.Buffer) error
}

// SetCipherSink installs or clears (nil) the active TLS engine for this
// session's write direction. Called by the reactor once a Securing
// handshake begins, and cleared if the handshake fails.
func (s *Session) SetCipherSink(c CipherSink) {
	s.cipherMu.Lock()
	s.cipher = c
	s.cipherMu.Unlock()
}

func (s *Session) getCipherSink() CipherSink {
	s.cipherMu.Lock()
	defer s.cipherMu.Unlock()
	return s.cipher
}

// ReceiveHandler is invoked when receive-direction propagation reaches
// the tail of the filter chain: the application's business logic.
type ReceiveHandler func(s *Session, msg buffer.Buffer)

// New constructs a session in state Created with a snapshot of filters
// and the given tail receive handler. The write-direction tail is fixed
// internally: it always enqueues onto this session's own write queue.
// addr is the peer's network address, if known at construction time
// (nil is fine); it is visible to filters via RemoteAddr as soon as
// sessionCreated fires, so a filter like filter.NewSubnetFilter can
// reject a peer before any data is exchanged.
func New(owner Owner, filters []filter.Filter, handler ReceiveHandler, log *slog.Logger, addr net.Addr) *Session {
	return newSession(owner, filters, handler, log, false, addr)
}

// NewUDPSession builds a degenerate session for a UDP peer address, per
// spec.md §9 open question (b): it shares the ordinary state lattice
// except Securing is permanently unreachable, and it has no
// per-connection socket of its own — the reactor derives it from a
// packet's source address on a shared PacketConn instead of registering
// a dedicated fd.
func NewUDPSession(owner Owner, filters []filter.Filter, handler ReceiveHandler, log *slog.Logger, addr net.Addr) *Session {
	return newSession(owner, filters, handler, log, true, addr)
}

func newSession(owner Owner, filters []filter.Filter, handler ReceiveHandler, log *slog.Logger, udp bool, addr net.Addr) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:         NextID(),
		traceID:    uuid.New(),
		owner:      owner,
		createdAt:  time.Now(),
		log:        log,
		remoteAddr: addr,
		state:      newStateMachine(),
		attrs:      newAttributeStore(),
		wq:         writequeue.New(),
		udp:        udp,
	}
	tailReceive := func(_ filter.Session, msg buffer.Buffer) {
		if handler != nil {
			handler(s, msg)
		}
	}
	tailWrite := func(_ filter.Session, msg buffer.Buffer, fut *future.Future[struct{}]) {
		if c := s.getCipherSink(); c != nil {
			err := c.EncryptWrite(msg)
			if fut != nil {
				if err != nil {
					fut.Fail(err)
				} else {
					fut.Set(struct{}{})
				}
			}
			return
		}
		s.enqueueWrite(msg, fut)
	}
	s.chain = filter.New(filters, tailReceive, tailWrite, log)
	s.chain.FireSessionCreated(s)
	return s
}

// ID satisfies filter.Session and idle.Session.
func (s *Session) ID() int64 { return s.id }

// RemoteAddr returns the peer's network address, or nil if it was not
// known at session construction time. Satisfies filter.Session.
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// TraceID is a correlation id suitable for log lines, distinct from the
// monotonic ID used for identity and idle-bucket keys.
func (s *Session) TraceID() uuid.UUID { return s.traceID }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state.current() }

// Chain returns the filter chain snapshot for this session.
func (s *Session) Chain() *filter.Chain { return s.chain }

// WriteQueue returns the session's write queue, for the reactor's drain
// loop to consume.
func (s *Session) WriteQueue() *writequeue.Queue { return s.wq }

// Secured reports whether the session has completed a TLS handshake.
func (s *Session) Secured() bool { return s.secured.Load() }

// IsUDP reports whether this session is a degenerate UDP peer session
// (spec.md §9 open question (b)), as opposed to an ordinary connected
// TCP session.
func (s *Session) IsUDP() bool { return s.udp }

// Transition attempts to move the session to next, enforcing the lattice
// of spec.md §3. It is exported so the reactor and tlsio helper, which
// own the session's networking, can drive lifecycle changes.
func (s *Session) Transition(next State) error {
	if next == Securing && s.udp {
		return errs.New(errs.KindState, "session", s.id, errs.ErrInvalidTransition)
	}
	prev := s.state.current()
	if err := s.state.transition(next); err != nil {
		return err
	}
	if next == Secured {
		s.secured.Store(true)
	}
	if prev != next && next == Closed && s.owner != nil {
		s.owner.SessionClosed(s)
	}
	return nil
}

// FireOpened emits sessionOpened through the chain. Called by the
// reactor once a connect-session or accept has completed registration.
func (s *Session) FireOpened() { s.chain.FireSessionOpened(s) }

// FireIdle emits sessionIdle(status) through the chain.
func (s *Session) FireIdle(status filter.IdleStatus) { s.chain.FireSessionIdle(s, status) }

// FireReceived pushes a read-only view of newly read bytes into the
// receive-direction chain and updates read statistics. buf is only valid
// for the duration of this call; the chain and any filter that retains
// it beyond this call must copy (spec.md §5 shared-buffer policy).
func (s *Session) FireReceived(buf buffer.Buffer) {
	s.readBytes.Add(int64(buf.Len()))
	s.lastReadNano.Store(time.Now().UnixNano())
	s.chain.FireMessageReceived(s, buf)
}

// Write is a fire-and-forget send: discarded with a logged warning if the
// session is Closing or Closed (spec.md §4.2, "Illegal transition"
// end-to-end scenario).
func (s *Session) Write(payload buffer.Buffer) {
	s.write(payload, nil)
}

// WriteWithFuture sends payload and returns a future completed once every
// byte (after filter processing) has been handed to the kernel.
func (s *Session) WriteWithFuture(payload buffer.Buffer) *future.Future[struct{}] {
	fut := future.New[struct{}]()
	s.write(payload, fut)
	return fut
}

func (s *Session) write(payload buffer.Buffer, fut *future.Future[struct{}]) {
	switch s.State() {
	case Closing, Closed:
		s.log.Warn("writing to closed session", "session", s.id, "state", s.State())
		if fut != nil {
			fut.Fail(errs.New(errs.KindState, "session", s.id, errs.ErrClosed))
		}
		return
	}
	s.chain.FireMessageWriting(s, payload, fut)
}

// WriteCiphertext enqueues already-encrypted bytes directly onto the
// write queue, bypassing the filter chain: used by the reactor's TLS
// integration to push a tlsio.Helper's outbound records without running
// them back through application-level filters.
func (s *Session) WriteCiphertext(payload buffer.Buffer) {
	s.enqueueWrite(payload, nil)
}

func (s *Session) enqueueWrite(payload buffer.Buffer, fut *future.Future[struct{}]) {
	needsFlush := s.wq.Enqueue(writequeue.NewRequest(payload, fut))
	if needsFlush && s.owner != nil {
		s.owner.RequestFlush(s)
	}
}

// Close transitions the session to Closing and asks the owner to tear the
// registration down (spec.md §4.2: "close(immediate) -> Future<void>").
// If immediate is false, the owner flushes the write queue naturally and
// only finalizes the Closing->Closed transition once it drains; if true,
// the owner flushes once more and then closes regardless of remaining
// queue contents. The returned future completes once the session reaches
// Closed.
func (s *Session) Close(immediate bool) *future.Future[struct{}] {
	fut := future.New[struct{}]()
	if err := s.Transition(Closing); err != nil {
		// Already closing/closed: resolve immediately, closing twice is
		// not an error for callers.
		fut.Set(struct{}{})
		return fut
	}
	s.attrs.Set(closeImmediateKey, immediate) //nolint:errcheck // key/type always match
	s.attrs.Set(closeFutureKey, fut)           //nolint:errcheck
	if s.owner != nil {
		s.owner.RequestClose(s)
	}
	return fut
}

// closeImmediateKey/closeFutureKey stash Close()'s parameters where the
// reactor can retrieve them when it processes the close-session intake
// queue, without widening Owner's interface.
var (
	closeImmediateKey = NewAttributeKey[bool]("_close_immediate")
	closeFutureKey    = NewAttributeKey[*future.Future[struct{}]]("_close_future")
)

// CloseImmediate reports the immediate flag passed to the most recent
// Close call, defaulting to false.
func (s *Session) CloseImmediate() bool {
	v, ok := s.attrs.Get(closeImmediateKey)
	return ok && v.(bool)
}

// CloseFuture returns the future returned by the most recent Close call,
// or nil if Close was never called.
func (s *Session) CloseFuture() *future.Future[struct{}] {
	v, ok := s.attrs.Get(closeFutureKey)
	if !ok {
		return nil
	}
	return v.(*future.Future[struct{}])
}

// Finalize transitions Closing->Closed, fires sessionClosed through the
// chain, and completes the Close future. Called by the reactor once the
// underlying channel has actually been closed.
func (s *Session) Finalize() {
	fut := s.CloseFuture()
	if err := s.Transition(Closed); err != nil {
		s.log.Error("finalize on non-closing session", "session", s.id, "err", err)
		return
	}
	s.chain.FireSessionClosed(s)
	if fut != nil {
		fut.Set(struct{}{})
	}
}

// SuspendRead/ResumeRead/SuspendWrite/ResumeWrite toggle interest bits
// consulted by the reactor when it re-arms a registration; the loop, not
// the session, owns the actual OS-level interest mask.
func (s *Session) SuspendRead()  { s.readSuspended.Store(true) }
func (s *Session) ResumeRead()   { s.readSuspended.Store(false) }
func (s *Session) SuspendWrite() { s.writeSuspended.Store(true) }
func (s *Session) ResumeWrite()  { s.writeSuspended.Store(false) }

func (s *Session) ReadSuspended() bool  { return s.readSuspended.Load() }
func (s *Session) WriteSuspended() bool { return s.writeSuspended.Load() }

// GetAttribute retrieves a typed value previously stored with
// SetAttribute.
func (s *Session) GetAttribute(key AttributeKey) (any, bool) {
	return s.attrs.Get(key)
}

// SetAttribute stores value under key, rejecting a mismatched dynamic
// type. Safe to call concurrently with reads, including from within a
// receive callback on another thread (spec.md §9 open question (c)).
func (s *Session) SetAttribute(key AttributeKey, value any) error {
	return s.attrs.Set(key, value)
}

// Stats is a point-in-time, possibly-stale snapshot of session counters
// (spec.md §4.2: "reads may be slightly stale by design").
type Stats struct {
	ReadBytes     int64
	WrittenBytes  int64
	LastReadTime  time.Time
	LastWriteTime time.Time
	CreatedAt     time.Time
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	st := Stats{
		ReadBytes:    s.readBytes.Load(),
		WrittenBytes: s.writtenBytes.Load(),
		CreatedAt:    s.createdAt,
	}
	if n := s.lastReadNano.Load(); n != 0 {
		st.LastReadTime = time.Unix(0, n)
	}
	if n := s.lastWriteNano.Load(); n != 0 {
		st.LastWriteTime = time.Unix(0, n)
	}
	return st
}

// RecordWrite updates write statistics after the reactor has pushed n
// bytes to the kernel on behalf of this session.
func (s *Session) RecordWrite(n int) {
	s.writtenBytes.Add(int64(n))
	s.lastWriteNano.Store(time.Now().UnixNano())
}

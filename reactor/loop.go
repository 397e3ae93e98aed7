package reactor

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/errs"
	"github.com/momentics/hioload-io/filter"
	"github.com/momentics/hioload-io/idle"
	"github.com/momentics/hioload-io/session"
	"github.com/momentics/hioload-io/tlsio"
)

// defaultReadBufSize is the loop's shared scratch buffer (spec.md §3:
// "a shared scratch read buffer (default 64 KiB)").
const defaultReadBufSize = 64 * 1024

// registration is what the loop tracks per live session fd.
type registration struct {
	fd           int
	sess         *session.Session
	interest     Interest
	helper       *tlsio.Helper // non-nil once a TLS handshake has begun
	pendingClose bool          // graceful close requested; finalize once the write queue drains
}

// listenerReg is a bound accept socket plus the balancing policy and
// per-session template used for connections it accepts.
type listenerReg struct {
	fd       int
	ln       net.Listener
	strategy SelectorStrategy
	peers    []*Loop
	filters  []filter.Filter
	handler  session.ReceiveHandler
	readTO   int
	writeTO  int
}

// connectIntent registers an already-established session (either a fresh
// accept handed off by a peer loop, or an outbound connect) for read
// interest on this loop.
type connectIntent struct {
	sess    *session.Session
	fd      int
	readTO  int
	writeTO int
}

// secureIntent requests a TLS handshake begin on an already-registered
// session (spec.md §4.5).
type secureIntent struct {
	sess     *session.Session
	tlsCfg   *tls.Config
	isClient bool
}

// closeIntent carries the immediate flag from session.Close's attribute
// stash across the closeQ channel, so drainClose doesn't need to re-read
// session state that may have already moved on by the time it runs.
type closeIntent struct {
	sess      *session.Session
	immediate bool
}

// Loop is one selector loop: a single dedicated goroutine driving many
// sessions through an EventReactor. Grounded on spec.md §4.1's main cycle
// and the teacher's single-worker-per-reactor shape (reactor_linux.go);
// generalized with the four/five MPSC intake queues the spec calls for
// instead of the teacher's direct Register/Wait calls from any goroutine.
type Loop struct {
	log         *slog.Logger
	readBufSize int

	mux EventReactor

	mu      sync.Mutex
	regs    map[int]*registration
	listens map[int]*listenerReg
	running bool

	addServer    chan *listenerReg
	removeServer chan int
	connect      chan *connectIntent
	closeQ       chan *closeIntent
	flush        chan *session.Session
	secureQ      chan *secureIntent
	addPacket    chan *udpConnReg

	udpConns map[int]*udpConnReg  // fd -> shared PacketConn registration
	udpPeers map[int64]*udpPeer   // session id -> per-peer write target

	idleDet *idle.Detector

	metrics *control.Metrics
	tracer  control.Tracer
	hook    ServiceHook

	wg sync.WaitGroup
}

// ServiceHook lets the owning service track sessions as they are created
// and finalized, without the loop importing the service package (which
// already imports reactor). The loop calls SessionOpened synchronously
// right after session.New, before the session is registered for I/O, and
// SessionClosed synchronously from within Finalize, at the Closing->Closed
// transition.
type ServiceHook interface {
	SessionOpened(s *session.Session, owner *Loop)
	SessionClosed(s *session.Session)
}

// SetHook attaches the ServiceHook this loop's sessions report to.
func (l *Loop) SetHook(h ServiceHook) { l.hook = h }

// SetMetrics attaches a Metrics registry the loop updates on every
// session open/close, byte transfer, and idle fire. Pass nil to disable
// (the default).
func (l *Loop) SetMetrics(m *control.Metrics) { l.metrics = m }

// SetTracer attaches a Tracer the loop uses to span sessionOpened,
// messageReceived, and sessionClosed. Pass nil to disable (the default,
// zero overhead on the hot path).
func (l *Loop) SetTracer(t control.Tracer) { l.tracer = t }

// RegisterDebugProbes exposes this loop's live session count and
// aggregate write-queue depth under the given name prefix.
func (l *Loop) RegisterDebugProbes(dp *control.DebugProbes, name string) {
	dp.RegisterProbe(name+".sessions", func() any {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.regs)
	})
	dp.RegisterProbe(name+".writequeue.depth", func() any {
		l.mu.Lock()
		regs := make([]*registration, 0, len(l.regs))
		for _, r := range l.regs {
			regs = append(regs, r)
		}
		l.mu.Unlock()
		total := 0
		for _, r := range regs {
			total += r.sess.WriteQueue().Len()
		}
		return total
	})
}

// New builds a Loop with its own EventReactor. idleHorizonSeconds bounds
// the largest idle timeout any tracked session will use.
func New(log *slog.Logger, idleHorizonSeconds int) (*Loop, error) {
	if log == nil {
		log = slog.Default()
	}
	mux, err := NewReactor()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		log:          log,
		readBufSize:  defaultReadBufSize,
		mux:          mux,
		regs:         make(map[int]*registration),
		listens:      make(map[int]*listenerReg),
		addServer:    make(chan *listenerReg, 16),
		removeServer: make(chan int, 16),
		connect:      make(chan *connectIntent, 256),
		closeQ:       make(chan *closeIntent, 256),
		flush:        make(chan *session.Session, 1024),
		secureQ:      make(chan *secureIntent, 64),
		addPacket:    make(chan *udpConnReg, 16),
		udpConns:     make(map[int]*udpConnReg),
		udpPeers:     make(map[int64]*udpPeer),
	}
	l.idleDet = idle.New(idleHorizonSeconds, l.onIdle)
	return l, nil
}

// ensureRunning spawns the worker goroutine if it isn't already running
// (spec.md §4.1 step 9: "created lazily and torn down when no
// registrations remain").
func (l *Loop) ensureRunning() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.wg.Add(1)
	go l.run()
}

// AddListener publishes intent to accept on ln, distributing new sessions
// across peers via strategy (round-robin if nil).
func (l *Loop) AddListener(ln net.Listener, peers []*Loop, strategy SelectorStrategy, filters []filter.Filter, handler session.ReceiveHandler, readTimeoutSec, writeTimeoutSec int) error {
	fd, err := listenerFD(ln)
	if err != nil {
		return err
	}
	if strategy == nil {
		strategy = &RoundRobin{}
	}
	l.addServer <- &listenerReg{fd: fd, ln: ln, strategy: strategy, peers: peers, filters: filters, handler: handler, readTO: readTimeoutSec, writeTO: writeTimeoutSec}
	l.ensureRunning()
	l.mux.Wakeup()
	return nil
}

// RemoveListener publishes intent to stop accepting on the listener bound
// to fd.
func (l *Loop) RemoveListener(fd int) {
	l.removeServer <- fd
	l.mux.Wakeup()
}

// RemoveListenerConn stops accepting on ln, previously passed to
// AddListener. It is a convenience wrapper for callers that only have the
// net.Listener, not its raw fd.
func (l *Loop) RemoveListenerConn(ln net.Listener) error {
	fd, err := listenerFD(ln)
	if err != nil {
		return err
	}
	l.RemoveListener(fd)
	return nil
}

// AdoptConnection registers an already-dialed outbound connection for
// this loop: extracts its raw fd, sets it non-blocking, builds a session
// owned by this loop, and publishes it for read registration. Used by
// service.Connect after net.DialTimeout succeeds.
func (l *Loop) AdoptConnection(conn net.Conn, filters []filter.Filter, handler session.ReceiveHandler, readTimeoutSec, writeTimeoutSec int) (*session.Session, error) {
	fd, err := connFD(conn)
	if err != nil {
		return nil, err
	}
	if err := setNonblock(fd); err != nil {
		return nil, err
	}
	sess := l.NewSession(filters, handler, conn.RemoteAddr())
	if sess.State() == session.Closing {
		return nil, fmt.Errorf("reactor: session rejected by a filter during sessionCreated")
	}
	l.ConnectSession(sess, fd, readTimeoutSec, writeTimeoutSec)
	return sess, nil
}

// ConnectSession publishes an already-connected session for read
// registration on this loop (used both by a peer's accept handoff and by
// an outbound Connect once the socket is writable).
func (l *Loop) ConnectSession(sess *session.Session, fd int, readTimeoutSec, writeTimeoutSec int) {
	l.connect <- &connectIntent{sess: sess, fd: fd, readTO: readTimeoutSec, writeTO: writeTimeoutSec}
	l.ensureRunning()
	l.mux.Wakeup()
}

// Close shuts down this loop's multiplexer. Only safe once nothing else
// references the loop (e.g. during Service construction failure); a
// running loop with live sessions should be drained via RequestClose on
// each session instead.
func (l *Loop) Close() error { return l.mux.Close() }

// RequestClose publishes intent to close sess's underlying registration,
// honoring the immediate flag session.Close stashed on sess. Implements
// session.Owner; wired in via loopOwner.
func (l *Loop) RequestClose(sess *session.Session) {
	l.closeQ <- &closeIntent{sess: sess, immediate: sess.CloseImmediate()}
	l.mux.Wakeup()
}

// requestCloseImmediate forces a close regardless of what session.Close
// was told, for fault-driven teardown (a failed TLS handshake) reported
// from outside the loop goroutine.
func (l *Loop) requestCloseImmediate(sess *session.Session) {
	l.closeQ <- &closeIntent{sess: sess, immediate: true}
	l.mux.Wakeup()
}

// RequestFlush publishes intent to ensure write-readiness interest is set
// for sess (spec.md §4.4 registeredForWrite coalescing).
func (l *Loop) RequestFlush(sess *session.Session) {
	l.flush <- sess
	l.mux.Wakeup()
}

// RequestSecure begins a TLS handshake on sess, an already-registered
// session (spec.md §4.5). Inbound ciphertext from the raw socket is fed
// to the resulting tlsio.Helper instead of the plaintext filter chain
// until the handshake resolves; outbound plaintext writes are substituted
// with ciphertext via session.CipherSink.
func (l *Loop) RequestSecure(sess *session.Session, tlsCfg *tls.Config, isClient bool) {
	l.secureQ <- &secureIntent{sess: sess, tlsCfg: tlsCfg, isClient: isClient}
	l.mux.Wakeup()
}

func (l *Loop) run() {
	defer l.wg.Done()
	events := make([]Event, 256)
	scratch := make([]byte, l.readBufSize)

	for {
		l.drainRemoveServer()
		l.drainAddServer()
		l.drainAddPacket()
		l.drainConnect()
		l.drainSecure()
		l.drainClose()

		n, err := l.mux.Wait(events, time.Second)
		if err != nil {
			l.log.Error("multiplexer wait failed", "err", err)
			continue // spec.md §4.1: multiplexer errors are logged and retried
		}
		for i := 0; i < n; i++ {
			l.dispatch(events[i], scratch)
		}

		l.drainFlush()
		l.idleDet.Tick(time.Now())

		l.mu.Lock()
		empty := len(l.regs) == 0 && len(l.listens) == 0 && len(l.udpConns) == 0
		if empty {
			l.running = false
		}
		l.mu.Unlock()
		if empty {
			return
		}
	}
}

func (l *Loop) drainRemoveServer() {
	for {
		select {
		case fd := <-l.removeServer:
			l.mu.Lock()
			lr, ok := l.listens[fd]
			delete(l.listens, fd)
			l.mu.Unlock()
			if ok {
				l.mux.Unregister(uintptr(fd))
				lr.ln.Close()
			}
		default:
			return
		}
	}
}

func (l *Loop) drainAddServer() {
	for {
		select {
		case lr := <-l.addServer:
			l.mu.Lock()
			l.listens[lr.fd] = lr
			l.mu.Unlock()
			if err := l.mux.Register(uintptr(lr.fd), InterestRead, 0); err != nil {
				l.log.Error("register listener failed", "fd", lr.fd, "err", err)
			}
		default:
			return
		}
	}
}

func (l *Loop) drainConnect() {
	for {
		select {
		case ci := <-l.connect:
			if ci.sess.State() == session.Created {
				if err := ci.sess.Transition(session.Connected); err != nil {
					l.log.Error("connect-session transition failed", "session", ci.sess.ID(), "err", err)
				}
			}
			l.mu.Lock()
			l.regs[ci.fd] = &registration{fd: ci.fd, sess: ci.sess, interest: InterestRead}
			l.mu.Unlock()
			if err := l.mux.Register(uintptr(ci.fd), InterestRead, uintptr(ci.sess.ID())); err != nil {
				l.log.Error("register session failed", "session", ci.sess.ID(), "err", err)
				continue
			}
			ci.sess.FireOpened()
			l.idleDet.Track(idleSession{ci.sess}, time.Now(), ci.readTO, ci.writeTO)
			if l.metrics != nil {
				l.metrics.SessionOpened()
			}
			if l.tracer != nil {
				l.tracer.StartSpan("sessionOpened", ci.sess.ID()).Finish()
			}
		default:
			return
		}
	}
}

func (l *Loop) drainSecure() {
	for {
		select {
		case si := <-l.secureQ:
			l.beginSecure(si)
		default:
			return
		}
	}
}

func (l *Loop) findRegistration(sess *session.Session) *registration {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.regs {
		if r.sess == sess {
			return r
		}
	}
	return nil
}

func (l *Loop) beginSecure(si *secureIntent) {
	reg := l.findRegistration(si.sess)
	if reg == nil {
		l.log.Error("secure requested for unregistered session", "session", si.sess.ID())
		return
	}
	if err := si.sess.Transition(session.Securing); err != nil {
		l.log.Error("securing transition failed", "session", si.sess.ID(), "err", err)
		return
	}
	helper := tlsio.New(si.tlsCfg, si.isClient, si.sess.ID(), l.log,
		func(ciphertext []byte) {
			si.sess.WriteCiphertext(buffer.Wrap(ciphertext))
			l.RequestFlush(si.sess)
		},
		func(plaintext []byte) {
			si.sess.FireReceived(buffer.Wrap(plaintext))
		},
		func(err error) {
			if err != nil {
				l.log.Error("tls handshake failed", "session", si.sess.ID(), "err", err)
				si.sess.SetCipherSink(nil)
				l.requestCloseImmediate(si.sess)
				return
			}
			if terr := si.sess.Transition(session.Secured); terr != nil {
				l.log.Error("secured transition failed", "session", si.sess.ID(), "err", terr)
			}
		},
	)
	si.sess.SetCipherSink(helper)
	l.mu.Lock()
	reg.helper = helper
	l.mu.Unlock()
}

func (l *Loop) drainClose() {
	for {
		select {
		case ci := <-l.closeQ:
			l.closeRegistration(ci.sess, ci.immediate)
		default:
			return
		}
	}
}

// closeRegistrationNow forces an immediate close, bypassing the graceful
// drain path: used for fault-driven teardown (I/O errors, EOF, a failed
// TLS handshake) where the connection is already unusable and there is no
// point waiting for a write queue that can never be flushed.
func (l *Loop) closeRegistrationNow(sess *session.Session) {
	l.closeRegistration(sess, true)
}

// closeRegistration tears sess's registration down. Per spec.md §4.2,
// immediate=false drains the write queue naturally before finalizing —
// if a synchronous drain attempt right now doesn't empty it, the
// registration is left live with pendingClose set, and dispatchWrite
// finishes the close once the queue empties on its own. immediate=true
// makes the same drain attempt but finalizes regardless of what's left.
func (l *Loop) closeRegistration(sess *session.Session, immediate bool) {
	// A fault-driven teardown (I/O error, EOF, failed TLS handshake) never
	// went through Session.Close, so sess may still be Connected/Secured/
	// Securing here; Finalize only accepts Closing->Closed. Drive that
	// transition ourselves, same as Close does, ignoring the error when
	// sess is already Closing (the ordinary Close-driven path) or Closed.
	sess.Transition(session.Closing) //nolint:errcheck // best-effort; Finalize below is the authority

	if sess.IsUDP() {
		if !immediate {
			l.flushUDPPeer(sess)
		}
		l.mu.Lock()
		delete(l.udpPeers, sess.ID())
		l.mu.Unlock()
		l.idleDet.Untrack(idleSession{sess})
		sess.Finalize()
		if l.tracer != nil {
			l.tracer.StartSpan("sessionClosed", sess.ID()).Finish()
		}
		if l.metrics != nil {
			l.metrics.SessionClosed()
		}
		return
	}

	reg := l.findRegistration(sess)
	if reg != nil && sess.WriteQueue().Len() > 0 {
		emptied, err := reg.sess.WriteQueue().Drain(func(b []byte) (int, error) {
			n, werr := writeFD(reg.fd, b)
			if n < 0 {
				n = 0
			}
			if werr != nil && isEAGAIN(werr) {
				return n, errs.ErrWouldBlock
			}
			return n, werr
		})
		if err == nil && !emptied && !immediate {
			l.mu.Lock()
			reg.pendingClose = true
			if reg.interest&InterestWrite == 0 {
				reg.interest |= InterestWrite
				l.mux.Modify(uintptr(reg.fd), reg.interest)
			}
			l.mu.Unlock()
			return
		}
	}

	l.mu.Lock()
	var fd int
	var found bool
	for f, r := range l.regs {
		if r.sess == sess {
			fd, found, reg = f, true, r
			delete(l.regs, f)
			break
		}
	}
	l.mu.Unlock()
	if found {
		l.mux.Unregister(uintptr(fd))
		closeFD(fd)
	}
	if reg != nil && reg.helper != nil {
		reg.helper.Close()
	}
	l.idleDet.Untrack(idleSession{sess})
	sess.Finalize() // triggers the Closing->Closed transition, which calls loopOwner.SessionClosed below
	if l.tracer != nil {
		l.tracer.StartSpan("sessionClosed", sess.ID()).Finish()
	}
	if l.metrics != nil {
		l.metrics.SessionClosed()
	}
}

func (l *Loop) drainFlush() {
	for {
		select {
		case sess := <-l.flush:
			if sess.IsUDP() {
				l.flushUDPPeer(sess)
				continue
			}
			l.mu.Lock()
			var reg *registration
			for _, r := range l.regs {
				if r.sess == sess {
					reg = r
					break
				}
			}
			l.mu.Unlock()
			if reg == nil {
				continue
			}
			if reg.interest&InterestWrite == 0 {
				reg.interest |= InterestWrite
				l.mux.Modify(uintptr(reg.fd), reg.interest)
			}
			sess.WriteQueue().ClearRegistered()
		default:
			return
		}
	}
}

func (l *Loop) dispatch(ev Event, scratch []byte) {
	l.mu.Lock()
	if lr, ok := l.listens[int(ev.Fd)]; ok {
		l.mu.Unlock()
		l.dispatchAccept(lr)
		return
	}
	if ur, ok := l.udpConns[int(ev.Fd)]; ok {
		l.mu.Unlock()
		if ev.Readable {
			l.dispatchUDPRead(ur, scratch)
		}
		return
	}
	reg, ok := l.regs[int(ev.Fd)]
	l.mu.Unlock()
	if !ok {
		return
	}
	if ev.Errored {
		l.closeRegistrationNow(reg.sess)
		return
	}
	if ev.Readable {
		l.dispatchRead(reg, scratch)
	}
	if ev.Writable {
		l.dispatchWrite(reg)
	}
}

func (l *Loop) dispatchAccept(lr *listenerReg) {
	conn, err := lr.ln.Accept()
	if err != nil {
		return // listener closed or transient accept error; next Wait will tell us more
	}
	fd, err := connFD(conn)
	if err != nil {
		l.log.Error("accept: could not obtain raw fd", "err", err)
		conn.Close()
		return
	}
	if err := setNonblock(fd); err != nil {
		l.log.Error("accept: setNonblock failed", "err", err)
		conn.Close()
		return
	}
	peer := lr.strategy.Next(lr.peers)
	if peer == nil {
		peer = l
	}
	sess := peer.NewSession(lr.filters, lr.handler, conn.RemoteAddr())
	if sess.State() == session.Closing {
		// A filter (e.g. filter.NewSubnetFilter) rejected this peer from
		// sessionCreated before the fd was ever registered; the queued
		// close intent will still run and finalize the session, so just
		// discard the raw connection here.
		conn.Close()
		return
	}
	peer.ConnectSession(sess, fd, lr.readTO, lr.writeTO)
}

// NewSession builds a session owned by this loop, reporting it to this
// loop's ServiceHook (if any) before returning it. Used both for accepted
// connections (dispatchAccept) and for outbound connections established
// by a caller of service.Connect. addr is the peer's remote address, if
// known, surfaced to filters via session.Session.RemoteAddr as soon as
// sessionCreated fires.
func (l *Loop) NewSession(filters []filter.Filter, handler session.ReceiveHandler, addr net.Addr) *session.Session {
	sess := session.New(loopOwner{l}, filters, handler, l.log, addr)
	if l.hook != nil {
		l.hook.SessionOpened(sess, l)
	}
	return sess
}

func (l *Loop) dispatchRead(reg *registration, scratch []byte) {
	if reg.sess.ReadSuspended() {
		return
	}
	for {
		n, err := readFD(reg.fd, scratch)
		if n > 0 {
			if l.tracer != nil {
				span := l.tracer.StartSpan("messageReceived", reg.sess.ID())
				span.SetTag("bytes", n)
				span.Finish()
			}
			if reg.helper != nil {
				if ferr := reg.helper.FeedCiphertext(scratch[:n]); ferr != nil {
					l.log.Error("tls feed ciphertext failed", "session", reg.sess.ID(), "err", ferr)
					l.closeRegistrationNow(reg.sess)
					return
				}
			} else {
				reg.sess.FireReceived(buffer.Wrap(scratch[:n]))
			}
			l.idleDet.OnRead(idleSession{reg.sess}, time.Now())
			if l.metrics != nil {
				l.metrics.BytesRead(int64(n))
			}
		}
		if err != nil {
			if isEAGAIN(err) {
				return
			}
			l.closeRegistrationNow(reg.sess) // fatal read error
			return
		}
		if n == 0 {
			l.closeRegistrationNow(reg.sess) // peer closed (EOF)
			return
		}
		if n < len(scratch) {
			return // drained everything the kernel had buffered right now
		}
	}
}

func (l *Loop) dispatchWrite(reg *registration) {
	if reg.sess.WriteSuspended() {
		return
	}
	written := 0
	emptied, err := reg.sess.WriteQueue().Drain(func(b []byte) (int, error) {
		n, werr := writeFD(reg.fd, b)
		if n < 0 {
			n = 0
		}
		written += n
		if werr != nil && isEAGAIN(werr) {
			return n, errs.ErrWouldBlock
		}
		return n, werr
	})
	reg.sess.RecordWrite(written)
	l.idleDet.OnWrite(idleSession{reg.sess}, time.Now())
	if l.metrics != nil {
		l.metrics.BytesWritten(int64(written))
		l.metrics.SampleQueueDepth(reg.sess.WriteQueue().Len())
	}
	if err != nil {
		l.closeRegistrationNow(reg.sess)
		return
	}
	if emptied && reg.pendingClose {
		// A graceful Close(false) was waiting on this drain; finish it now.
		l.closeRegistrationNow(reg.sess)
		return
	}
	if emptied && reg.interest&InterestWrite != 0 {
		reg.interest &^= InterestWrite
		l.mux.Modify(uintptr(reg.fd), reg.interest)
	}
}

func (l *Loop) onIdle(s idle.Session, status idle.Status) {
	sess := s.(idleSession).s
	fstatus := filter.ReadIdle
	if status == idle.WriteIdle {
		fstatus = filter.WriteIdle
	}
	sess.FireIdle(fstatus)
	if l.metrics != nil {
		l.metrics.IdleFire(status == idle.ReadIdle)
	}
}

// idleSession adapts *session.Session to idle.Session without the idle
// package importing session (avoids an import cycle).
type idleSession struct{ s *session.Session }

func (i idleSession) ID() int64 { return i.s.ID() }

// loopOwner adapts a *Loop to session.Owner: RequestFlush always goes to
// the loop's flush intake queue; SessionClosed forwards to the loop's
// ServiceHook, if any, so a service can drop the session from its id map.
type loopOwner struct{ l *Loop }

func (o loopOwner) SessionClosed(s *session.Session) {
	if o.l.hook != nil {
		o.l.hook.SessionClosed(s)
	}
}
func (o loopOwner) RequestFlush(s *session.Session) { o.l.RequestFlush(s) }
func (o loopOwner) RequestClose(s *session.Session) { o.l.RequestClose(s) }

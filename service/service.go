// File: service/service.go
// Author: momentics <momentics@gmail.com>
//
// Service is the server/client facade: it owns a pool of reactor.Loop
// instances, the id->session map (spec.md §9's DAG-rooted-at-the-service
// lifetime model), and the socket-option/TLS wiring Bind and Connect need.
// Grounded on the teacher's server/hioload.go facade shape and
// server/options.go's functional options, generalized from the teacher's
// single-transport WebSocket facade to this package's plain TCP session
// model.
package service

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/future"
	"github.com/momentics/hioload-io/reactor"
	"github.com/momentics/hioload-io/session"
)

// trackedSession pairs a session with the loop it was registered on, so
// Secure can find the right loop to drive the handshake without every
// session needing to know its own loop.
type trackedSession struct {
	sess *session.Session
	loop *reactor.Loop
}

// Service binds listeners and dials outbound connections, distributing
// every resulting session across its pool of selector loops.
type Service struct {
	cfg   *Config
	loops []*reactor.Loop

	mu       sync.RWMutex
	sessions map[int64]*trackedSession

	listeners map[net.Listener]struct{}

	listenerMu   sync.RWMutex
	svcListeners []Listener

	active bool

	cfgStore *control.ConfigStore
	debug    *control.DebugProbes
}

// Listener observes a Service's own lifecycle and the sessions it
// manages, independent of the single reactor.ServiceHook slot a Service
// occupies on each of its loops. Grounded on
// original_source/core/.../IoService.java's addListener/removeListener
// (IoServiceListener), which lets more than one observer watch an
// IoService without contending over one hook. Embed BaseListener to get
// no-op defaults for callbacks a given listener doesn't care about.
type Listener interface {
	// Activated fires once, when the listener is registered on an
	// already-constructed Service (there is no separate "start" step:
	// a Service is active as soon as New returns).
	Activated(s *Service)
	// Deactivated fires once, when Shutdown tears the service down.
	Deactivated(s *Service)
	SessionOpened(sess *session.Session)
	SessionClosed(sess *session.Session)
}

// BaseListener provides no-op implementations of every Listener method.
type BaseListener struct{}

func (BaseListener) Activated(*Service)            {}
func (BaseListener) Deactivated(*Service)          {}
func (BaseListener) SessionOpened(*session.Session) {}
func (BaseListener) SessionClosed(*session.Session) {}

var _ Listener = BaseListener{}

// AddListener registers l to observe this service's lifecycle and
// session events, firing l.Activated(s) immediately since a Service is
// always active between New and Shutdown.
func (s *Service) AddListener(l Listener) {
	if l == nil {
		return
	}
	s.listenerMu.Lock()
	s.svcListeners = append(s.svcListeners, l)
	s.listenerMu.Unlock()
	l.Activated(s)
}

// RemoveListener unregisters a listener previously passed to AddListener.
// It is a no-op if l was never registered.
func (s *Service) RemoveListener(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, cur := range s.svcListeners {
		if cur == l {
			s.svcListeners = append(s.svcListeners[:i], s.svcListeners[i+1:]...)
			return
		}
	}
}

func (s *Service) notifyListeners(fn func(Listener)) {
	s.listenerMu.RLock()
	ls := append([]Listener(nil), s.svcListeners...)
	s.listenerMu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}

// Shutdown deactivates the service: every registered Listener is told via
// Deactivated, then every selector loop is closed. Sessions already
// tracked are not individually closed first; callers that need a clean
// drain should Close each session before calling Shutdown.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.notifyListeners(func(l Listener) { l.Deactivated(s) })
	var firstErr error
	for _, l := range s.loops {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// New builds a Service and its pool of selector loops. Loops are created
// eagerly; each spawns its worker goroutine lazily on first registration
// (reactor.Loop's own behavior).
func New(opts ...Option) (*Service, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.Loops < 1 {
		cfg.Loops = 1
	}

	svc := &Service{
		cfg:       cfg,
		sessions:  make(map[int64]*trackedSession),
		listeners: make(map[net.Listener]struct{}),
		cfgStore: control.NewConfigStore(control.RuntimeConfig{
			ReadIdleTimeoutSec:  cfg.ReadIdleTimeoutSec,
			WriteIdleTimeoutSec: cfg.WriteIdleTimeoutSec,
		}),
		debug: control.NewDebugProbes(),
	}

	horizon := cfg.ReadIdleTimeoutSec
	if cfg.WriteIdleTimeoutSec > horizon {
		horizon = cfg.WriteIdleTimeoutSec
	}
	for i := 0; i < cfg.Loops; i++ {
		l, err := reactor.New(cfg.Logger, horizon)
		if err != nil {
			for _, prev := range svc.loops {
				prev.Close()
			}
			return nil, fmt.Errorf("service: loop %d init: %w", i, err)
		}
		l.SetHook(svc)
		if cfg.Metrics != nil {
			l.SetMetrics(cfg.Metrics)
		}
		if cfg.Tracer != nil {
			l.SetTracer(cfg.Tracer)
		}
		l.RegisterDebugProbes(svc.debug, fmt.Sprintf("loop.%d", i))
		svc.loops = append(svc.loops, l)
	}
	control.RegisterPlatformProbes(svc.debug)
	svc.cfgStore.OnReload(svc.onRuntimeReload)
	svc.active = true
	return svc, nil
}

// SessionOpened satisfies reactor.ServiceHook: register the session (and
// the loop that owns it) in the id map as soon as it exists, before it's
// live for I/O.
func (s *Service) SessionOpened(sess *session.Session, owner *reactor.Loop) {
	s.mu.Lock()
	s.sessions[sess.ID()] = &trackedSession{sess: sess, loop: owner}
	s.mu.Unlock()
	s.notifyListeners(func(l Listener) { l.SessionOpened(sess) })
}

// SessionClosed satisfies reactor.ServiceHook: drop the session once it
// reaches Closed, completing the DAG lifetime spec.md §9 describes.
func (s *Service) SessionClosed(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	s.notifyListeners(func(l Listener) { l.SessionClosed(sess) })
}

// Session looks up a live session by id.
func (s *Service) Session(id int64) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return ts.sess, true
}

// Sessions returns a snapshot slice of every currently tracked session.
func (s *Service) Sessions() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, ts := range s.sessions {
		out = append(out, ts.sess)
	}
	return out
}

// Active reports whether the service has not yet been Shutdown.
func (s *Service) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ConfigStore exposes the runtime-reloadable idle-timeout knobs.
func (s *Service) ConfigStore() *control.ConfigStore { return s.cfgStore }

// Debug exposes the per-loop introspection probes.
func (s *Service) Debug() *control.DebugProbes { return s.debug }

func (s *Service) onRuntimeReload(control.RuntimeConfig) {
	// New sessions pick up cfgStore.Snapshot() at Bind/Connect time (see
	// idleTimeouts below); already-tracked sessions keep the timeouts
	// their idle.Detector bucket was scheduled with; this matches
	// spec.md's decision that idle timeouts are per-session-at-creation,
	// not retroactively rescheduled.
}

func (s *Service) idleTimeouts() (readSec, writeSec int) {
	rc := s.cfgStore.Snapshot()
	return rc.ReadIdleTimeoutSec, rc.WriteIdleTimeoutSec
}

// pickLoop returns the loop new outbound work should land on. Bind always
// anchors its accept loop on loops[0] and lets reactor.SelectorStrategy
// balance across the full pool for accepted connections; Connect balances
// directly since there's no single "accept loop" for outbound dials.
func (s *Service) pickLoop() *reactor.Loop {
	return s.cfg.Strategy.Next(s.loops)
}

// Bind starts listening on addr and registers accept readiness on
// loops[0], balancing accepted sessions across every configured loop via
// cfg.Strategy. The returned net.Listener is only useful for Unbind and
// inspecting its Addr(); all I/O happens through session callbacks.
func (s *Service) Bind(addr string) (net.Listener, error) {
	lc := net.ListenConfig{}
	if s.cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("service: bind %s: %w", addr, err)
	}

	readSec, writeSec := s.idleTimeouts()
	accept := s.loops[0]
	if err := accept.AddListener(ln, s.loops, s.cfg.Strategy, s.cfg.Filters, s.cfg.Handler, readSec, writeSec); err != nil {
		ln.Close()
		return nil, err
	}

	s.mu.Lock()
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	return ln, nil
}

// BindUDP starts a datagram socket on addr, deriving a degenerate
// session.Session (spec.md §9 open question (b)) per distinct source
// address seen on it. All resulting sessions land on the same loop that
// owns the socket; there is no accept-balancing step for a connectionless
// transport.
func (s *Service) BindUDP(addr string) (net.PacketConn, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("service: bind udp %s: %w", addr, err)
	}
	readSec, writeSec := s.idleTimeouts()
	loop := s.pickLoop()
	if err := loop.AddPacketConn(pc, s.cfg.Filters, s.cfg.Handler, readSec, writeSec); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

// UnbindUDP stops a datagram socket previously returned by BindUDP.
func (s *Service) UnbindUDP(pc net.PacketConn) error {
	for _, l := range s.loops {
		if err := l.RemovePacketConn(pc); err == nil {
			return nil
		}
	}
	return fmt.Errorf("service: unbind udp: packetconn not owned by any loop in this service")
}

// Unbind stops accepting on a listener previously returned by Bind.
// Sessions already accepted through it are unaffected.
func (s *Service) Unbind(ln net.Listener) error {
	s.mu.Lock()
	_, ok := s.listeners[ln]
	delete(s.listeners, ln)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: unbind: listener not owned by this service")
	}
	return s.loops[0].RemoveListenerConn(ln)
}

// Connect dials addr and registers the resulting connection as a session
// on a load-balanced loop. The returned session is still in Created; its
// loop moves it to Connected once it registers the connection. Call
// Service.Secure afterward to begin a TLS handshake using cfg.TLSConfig.
func (s *Service) Connect(addr string) (*session.Session, error) {
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("service: connect %s: %w", addr, err)
	}
	if err := s.applySocketOptions(conn); err != nil {
		conn.Close()
		return nil, err
	}

	readSec, writeSec := s.idleTimeouts()
	loop := s.pickLoop()
	sess, err := loop.AdoptConnection(conn, s.cfg.Filters, s.cfg.Handler, readSec, writeSec)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// applySocketOptions configures a dialed *net.TCPConn per cfg before it is
// handed to a loop for registration.
func (s *Service) applySocketOptions(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if s.cfg.KeepAlive {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(s.cfg.KeepAlivePeriod)
	}
	tc.SetNoDelay(s.cfg.TCPNoDelay)
	if s.cfg.SendBufferSize > 0 {
		tc.SetWriteBuffer(s.cfg.SendBufferSize)
	}
	if s.cfg.RecvBufferSize > 0 {
		tc.SetReadBuffer(s.cfg.RecvBufferSize)
	}
	if s.cfg.Linger >= 0 {
		tc.SetLinger(s.cfg.Linger)
	}
	if s.cfg.OOBInline {
		if err := applyOOBInline(tc); err != nil {
			return fmt.Errorf("service: SO_OOBINLINE: %w", err)
		}
	}
	return nil
}

// Secure begins a TLS handshake on an already-registered session
// (spec.md §4.5: Connected/Created -> Securing -> Secured). isClient
// selects the handshake role; the session's own read/write paths are
// automatically routed through the resulting tlsio.Helper by the owning
// loop. Handshake completion (or failure) is only observable through the
// session's state transitions and its filter chain's exceptionCaught.
func (s *Service) Secure(sess *session.Session, isClient bool) error {
	if s.cfg.TLSConfig == nil {
		return fmt.Errorf("service: Secure: no TLSConfig configured")
	}
	s.mu.RLock()
	ts, ok := s.sessions[sess.ID()]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("service: Secure: session %d not tracked by this service", sess.ID())
	}
	ts.loop.RequestSecure(sess, s.cfg.TLSConfig, isClient)
	return nil
}

// Close asks a tracked session to close, per spec.md §4.2's
// close(immediate) -> Future<void>. It is the facade counterpart of
// session.Session.Close for callers that only have a session id, or that
// want confirmation the session actually belongs to this service before
// touching it; sess.Close(immediate) itself works just as well once a
// session is in hand, since it reaches the same owning loop directly.
func (s *Service) Close(sess *session.Session, immediate bool) (*future.Future[struct{}], error) {
	s.mu.RLock()
	_, ok := s.sessions[sess.ID()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service: Close: session %d not tracked by this service", sess.ID())
	}
	return sess.Close(immediate), nil
}

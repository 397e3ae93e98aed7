package reactor

import (
	"net"
	"time"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/filter"
	"github.com/momentics/hioload-io/session"
)

// udpConnReg is one bound datagram socket shared by every peer session
// derived from it. Unlike a TCP listenerReg it never hands sessions off
// to a peer loop: spec.md §9 open question (b) models UDP as a
// degenerate, connectionless session, so there is no accept-balancing
// step to perform.
type udpConnReg struct {
	fd      int
	pc      net.PacketConn
	filters []filter.Filter
	handler session.ReceiveHandler
	readTO  int
	writeTO int
	byAddr  map[string]*session.Session
}

// udpPeer is the write-direction counterpart of a udpConnReg entry: the
// socket and destination address a given session's outbound datagrams
// are sent through.
type udpPeer struct {
	conn *udpConnReg
	addr net.Addr
}

// AddPacketConn registers pc for datagram readiness on this loop. Every
// distinct source address seen on pc becomes its own degenerate
// session.Session, built with session.NewUDPSession and run through the
// same filters/handler as a TCP session would be.
func (l *Loop) AddPacketConn(pc net.PacketConn, filters []filter.Filter, handler session.ReceiveHandler, readTimeoutSec, writeTimeoutSec int) error {
	fd, err := packetConnFD(pc)
	if err != nil {
		return err
	}
	l.addPacket <- &udpConnReg{
		fd: fd, pc: pc, filters: filters, handler: handler,
		readTO: readTimeoutSec, writeTO: writeTimeoutSec,
		byAddr: make(map[string]*session.Session),
	}
	l.ensureRunning()
	l.mux.Wakeup()
	return nil
}

// RemovePacketConn stops reading from pc, previously passed to
// AddPacketConn, and closes it. Any peer sessions derived from it are
// left as-is; callers should close them individually first if a clean
// shutdown is required.
func (l *Loop) RemovePacketConn(pc net.PacketConn) error {
	fd, err := packetConnFD(pc)
	if err != nil {
		return err
	}
	l.mu.Lock()
	_, ok := l.udpConns[fd]
	delete(l.udpConns, fd)
	l.mu.Unlock()
	if ok {
		l.mux.Unregister(uintptr(fd))
	}
	return pc.Close()
}

func (l *Loop) drainAddPacket() {
	for {
		select {
		case ur := <-l.addPacket:
			l.mu.Lock()
			l.udpConns[ur.fd] = ur
			l.mu.Unlock()
			if err := l.mux.Register(uintptr(ur.fd), InterestRead, 0); err != nil {
				l.log.Error("register packetconn failed", "fd", ur.fd, "err", err)
			}
		default:
			return
		}
	}
}

// newUDPSession mirrors NewSession for the degenerate UDP case: it
// reports the session to this loop's ServiceHook exactly like an
// accepted or dialed TCP session would.
func (l *Loop) newUDPSession(filters []filter.Filter, handler session.ReceiveHandler, addr net.Addr) *session.Session {
	sess := session.NewUDPSession(loopOwner{l}, filters, handler, l.log, addr)
	if l.hook != nil {
		l.hook.SessionOpened(sess, l)
	}
	return sess
}

func (l *Loop) dispatchUDPRead(ur *udpConnReg, scratch []byte) {
	for {
		n, addr, err := ur.pc.ReadFrom(scratch)
		if n <= 0 || addr == nil {
			return // no more datagrams buffered right now, or a transient read error
		}
		key := addr.String()
		l.mu.Lock()
		sess, ok := ur.byAddr[key]
		l.mu.Unlock()
		if !ok {
			sess = l.newUDPSession(ur.filters, ur.handler, addr)
			if sess.State() == session.Closing {
				// A filter rejected this peer from sessionCreated; the
				// queued close intent will finalize it, so just drop the
				// datagram without ever tracking the session.
				continue
			}
			if terr := sess.Transition(session.Connected); terr != nil {
				l.log.Error("udp peer session transition failed", "session", sess.ID(), "err", terr)
			}
			l.mu.Lock()
			ur.byAddr[key] = sess
			l.udpPeers[sess.ID()] = &udpPeer{conn: ur, addr: addr}
			l.mu.Unlock()
			sess.FireOpened()
			l.idleDet.Track(idleSession{sess}, time.Now(), ur.readTO, ur.writeTO)
			if l.metrics != nil {
				l.metrics.SessionOpened()
			}
		}
		payload := append([]byte(nil), scratch[:n]...)
		sess.FireReceived(buffer.Wrap(payload))
		l.idleDet.OnRead(idleSession{sess}, time.Now())
		if l.metrics != nil {
			l.metrics.BytesRead(int64(n))
		}
		if err != nil {
			return
		}
	}
}

// flushUDPPeer drains sess's write queue directly to its source address:
// datagram sockets have no write-readiness backpressure to wait for the
// way a TCP fd does, so every flush request is served immediately.
func (l *Loop) flushUDPPeer(sess *session.Session) {
	l.mu.Lock()
	peer, ok := l.udpPeers[sess.ID()]
	l.mu.Unlock()
	if !ok {
		return
	}
	written := 0
	_, err := sess.WriteQueue().Drain(func(b []byte) (int, error) {
		n, werr := peer.conn.pc.WriteTo(b, peer.addr)
		written += n
		return n, werr
	})
	sess.RecordWrite(written)
	l.idleDet.OnWrite(idleSession{sess}, time.Now())
	if l.metrics != nil {
		l.metrics.BytesWritten(int64(written))
		l.metrics.SampleQueueDepth(sess.WriteQueue().Len())
	}
	if err != nil {
		l.log.Error("udp write failed", "session", sess.ID(), "peer", peer.addr, "err", err)
		l.closeRegistrationNow(sess)
	}
}

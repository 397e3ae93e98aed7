package reactor

import (
	"errors"
	"net"
	"syscall"
)

var errNoRawConn = errors.New("reactor: connection does not expose a raw fd")

// syscallConner is satisfied by *net.TCPConn, *net.UDPConn, and
// *net.UnixConn: the concrete net types that hand out a raw fd, letting
// the loop bypass Go's built-in netpoller in favor of the EventReactor.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// extractFD pulls the raw, still-blocking-mode fd out of rc and hands it
// to the loop, which immediately sets it non-blocking itself.
func extractFD(rc syscall.RawConn) (int, error) {
	var fd int
	err := rc.Control(func(sysfd uintptr) {
		fd = int(sysfd)
	})
	if err != nil {
		return 0, err
	}
	return fd, nil
}

// connFD extracts the raw fd from an accepted or dialed connection.
func connFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscallConner)
	if !ok {
		return 0, errNoRawConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	return extractFD(rc)
}

// listenerFD extracts the raw fd from a bound listener so it can be
// registered directly with the EventReactor for accept readiness.
func listenerFD(ln net.Listener) (int, error) {
	sc, ok := ln.(syscallConner)
	if !ok {
		return 0, errNoRawConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	return extractFD(rc)
}

// packetConnFD extracts the raw fd from a bound datagram socket (e.g.
// *net.UDPConn), the same way connFD does for stream sockets.
func packetConnFD(pc net.PacketConn) (int, error) {
	sc, ok := pc.(syscallConner)
	if !ok {
		return 0, errNoRawConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	return extractFD(rc)
}

//go:build linux
// +build linux

package service

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl is passed as net.ListenConfig.Control so SO_REUSEADDR
// is set on the socket before bind(2), matching the teacher's
// accept-and-rebind-friendly listener setup.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// applyOOBInline sets SO_OOBINLINE, a socket option net.TCPConn does not
// expose directly.
func applyOOBInline(conn *net.TCPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_OOBINLINE, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

//go:build !linux
// +build !linux

package service

import (
	"errors"
	"net"
	"syscall"
)

var errUnsupportedSockopt = errors.New("service: platform socket option unsupported on this platform")

func reuseAddrControl(network, address string, c syscall.RawConn) error { return nil }

func applyOOBInline(conn *net.TCPConn) error { return errUnsupportedSockopt }

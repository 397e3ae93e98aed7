//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for platforms without a level-triggered readiness
// multiplexer wired up. Windows' IOCP is completion-based rather than
// readiness-based and does not fit this interface without restructuring
// every read/write around OVERLAPPED buffers, so no IOCP-based reactor is
// provided.

package reactor

import "errors"

// NewReactor returns an error for unsupported platforms.
func NewReactor() (EventReactor, error) {
	return nil, errors.New("reactor: this platform is not supported")
}

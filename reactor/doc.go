// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements the selector loop: registration, readiness
// polling, and accept/read/write/close dispatch, driven by a pool of
// single-threaded Loop instances each holding one EventReactor.
package reactor

// File: service/config.go
// Author: momentics <momentics@gmail.com>
//
// Programmatic configuration for a Service: no CLI, no environment
// variables, no on-disk format, following the teacher's server/options.go
// functional-option convention (server/hioload.go's Config struct plus
// server/options.go's ServerOption).
package service

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/filter"
	"github.com/momentics/hioload-io/logging"
	"github.com/momentics/hioload-io/reactor"
	"github.com/momentics/hioload-io/session"
)

// Config holds every value fixed for the lifetime of a Service. Values
// that remain safe to change after Bind/Connect live in control.ConfigStore
// instead (ReadIdleTimeoutSec/WriteIdleTimeoutSec here are only the
// startup defaults new sessions get).
type Config struct {
	Logger *slog.Logger

	Loops    int
	Strategy reactor.SelectorStrategy

	Filters []filter.Filter
	Handler session.ReceiveHandler

	ReadIdleTimeoutSec  int
	WriteIdleTimeoutSec int

	KeepAlive       bool
	KeepAlivePeriod time.Duration
	TCPNoDelay      bool
	ReuseAddr       bool
	SendBufferSize  int
	RecvBufferSize  int
	Linger          int // seconds; -1 leaves the OS default (SO_LINGER unset)
	OOBInline       bool

	TLSConfig      *tls.Config
	ConnectTimeout time.Duration

	Metrics *control.Metrics
	Tracer  control.Tracer
}

// DefaultConfig mirrors the teacher's DefaultConfig shape: sane values a
// caller can override piecemeal via Option.
func DefaultConfig() *Config {
	return &Config{
		Logger:              logging.Default(),
		Loops:               1,
		Strategy:            &reactor.RoundRobin{},
		ReadIdleTimeoutSec:  60,
		WriteIdleTimeoutSec: 60,
		KeepAlive:           true,
		KeepAlivePeriod:     30 * time.Second,
		TCPNoDelay:          true,
		ReuseAddr:           true,
		SendBufferSize:      0, // 0 leaves the OS default
		RecvBufferSize:      0,
		Linger:              -1,
		ConnectTimeout:      10 * time.Second,
	}
}

// Option customizes a Config in place.
type Option func(*Config)

func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

func WithLoops(n int) Option { return func(c *Config) { c.Loops = n } }

func WithSelectorStrategy(s reactor.SelectorStrategy) Option {
	return func(c *Config) { c.Strategy = s }
}

func WithFilters(f ...filter.Filter) Option { return func(c *Config) { c.Filters = f } }

func WithHandler(h session.ReceiveHandler) Option { return func(c *Config) { c.Handler = h } }

func WithIdleTimeouts(readSec, writeSec int) Option {
	return func(c *Config) { c.ReadIdleTimeoutSec = readSec; c.WriteIdleTimeoutSec = writeSec }
}

func WithKeepAlive(period time.Duration) Option {
	return func(c *Config) { c.KeepAlive = period > 0; c.KeepAlivePeriod = period }
}

func WithTCPNoDelay(b bool) Option { return func(c *Config) { c.TCPNoDelay = b } }

func WithReuseAddr(b bool) Option { return func(c *Config) { c.ReuseAddr = b } }

func WithBufferSizes(send, recv int) Option {
	return func(c *Config) { c.SendBufferSize = send; c.RecvBufferSize = recv }
}

func WithLinger(seconds int) Option { return func(c *Config) { c.Linger = seconds } }

func WithOOBInline(b bool) Option { return func(c *Config) { c.OOBInline = b } }

func WithTLSConfig(cfg *tls.Config) Option { return func(c *Config) { c.TLSConfig = cfg } }

func WithConnectTimeout(d time.Duration) Option { return func(c *Config) { c.ConnectTimeout = d } }

func WithMetrics(m *control.Metrics) Option { return func(c *Config) { c.Metrics = m } }

func WithTracer(t control.Tracer) Option { return func(c *Config) { c.Tracer = t } }

package service

import (
	"testing"
	"time"

	"github.com/momentics/hioload-io/reactor"
)

func TestDefaultConfigSaneValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Loops != 1 {
		t.Fatalf("Loops = %d, want 1", cfg.Loops)
	}
	if cfg.Linger != -1 {
		t.Fatalf("Linger = %d, want -1 (OS default)", cfg.Linger)
	}
	if !cfg.TCPNoDelay {
		t.Fatal("TCPNoDelay should default true")
	}
	if _, ok := cfg.Strategy.(*reactor.RoundRobin); !ok {
		t.Fatalf("Strategy = %T, want *reactor.RoundRobin", cfg.Strategy)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	cfg := DefaultConfig()
	opts := []Option{
		WithLoops(4),
		WithIdleTimeouts(30, 45),
		WithKeepAlive(0),
		WithReuseAddr(false),
		WithConnectTimeout(500 * time.Millisecond),
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.Loops != 4 {
		t.Fatalf("Loops = %d, want 4", cfg.Loops)
	}
	if cfg.ReadIdleTimeoutSec != 30 || cfg.WriteIdleTimeoutSec != 45 {
		t.Fatalf("idle timeouts = %d/%d, want 30/45", cfg.ReadIdleTimeoutSec, cfg.WriteIdleTimeoutSec)
	}
	if cfg.KeepAlive {
		t.Fatal("WithKeepAlive(0) should disable keep-alive")
	}
	if cfg.ReuseAddr {
		t.Fatal("WithReuseAddr(false) should disable SO_REUSEADDR")
	}
	if cfg.ConnectTimeout != 500*time.Millisecond {
		t.Fatalf("ConnectTimeout = %v, want 500ms", cfg.ConnectTimeout)
	}
}

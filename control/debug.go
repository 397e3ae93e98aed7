// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug/introspection probes: per-loop session counts and
// write-queue depths (idle-bucket occupancy is not exposed), without
// becoming a public wire protocol (spec.md's non-goals exclude a
// management protocol; this stays an in-process Go API).

package control

import "sync"

// DebugProbes holds registered named probe functions, each returning a
// point-in-time snapshot of some internal counter or map.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook, e.g. "loop.0.sessions" or
// "loop.0.writequeue.depth".
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// DumpState evaluates every registered probe and returns the results
// keyed by probe name.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any, len(dp.probes))
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}

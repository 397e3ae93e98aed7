package control

import "testing"

func TestDebugProbesDumpStateEvaluatesEachProbe(t *testing.T) {
	dp := NewDebugProbes()
	dp.RegisterProbe("loop.0.sessions", func() any { return 3 })
	dp.RegisterProbe("loop.0.writequeue.depth", func() any { return 7 })

	state := dp.DumpState()
	if state["loop.0.sessions"] != 3 {
		t.Fatalf("loop.0.sessions = %v, want 3", state["loop.0.sessions"])
	}
	if state["loop.0.writequeue.depth"] != 7 {
		t.Fatalf("loop.0.writequeue.depth = %v, want 7", state["loop.0.writequeue.depth"])
	}
}

func TestDebugProbesOverwriteByName(t *testing.T) {
	dp := NewDebugProbes()
	dp.RegisterProbe("x", func() any { return 1 })
	dp.RegisterProbe("x", func() any { return 2 })
	if got := dp.DumpState()["x"]; got != 2 {
		t.Fatalf("DumpState()[\"x\"] = %v, want 2 (last registration wins)", got)
	}
}

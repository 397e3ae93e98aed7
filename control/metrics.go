// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector: per-service counters a caller can snapshot,
// deliberately decoupled from any specific metrics backend (no Prometheus
// or OpenTelemetry dependency appears in the retrieval pack).

package control

import (
	"sync/atomic"
	"time"
)

// Metrics tracks the ambient observability surface for one service:
// sessions opened/closed, bytes read/written, idle fires, and write-queue
// depth samples, adapted from the teacher's untyped MetricsRegistry into
// fixed atomic counters for this domain's fixed set of signals.
type Metrics struct {
	sessionsOpened atomic.Int64
	sessionsClosed atomic.Int64
	bytesRead      atomic.Int64
	bytesWritten   atomic.Int64
	readIdleFires  atomic.Int64
	writeIdleFires atomic.Int64
	queueDepthSum  atomic.Int64
	queueDepthN    atomic.Int64
	updatedNano    atomic.Int64
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) touch() { m.updatedNano.Store(time.Now().UnixNano()) }

func (m *Metrics) SessionOpened() { m.sessionsOpened.Add(1); m.touch() }
func (m *Metrics) SessionClosed() { m.sessionsClosed.Add(1); m.touch() }
func (m *Metrics) BytesRead(n int64)    { m.bytesRead.Add(n); m.touch() }
func (m *Metrics) BytesWritten(n int64) { m.bytesWritten.Add(n); m.touch() }
func (m *Metrics) IdleFire(read bool) {
	if read {
		m.readIdleFires.Add(1)
	} else {
		m.writeIdleFires.Add(1)
	}
	m.touch()
}

// SampleQueueDepth records one write-queue depth observation for the
// running-average snapshot exposed by Snapshot.
func (m *Metrics) SampleQueueDepth(depth int) {
	m.queueDepthSum.Add(int64(depth))
	m.queueDepthN.Add(1)
}

// Snapshot is a point-in-time view of every tracked counter.
type Snapshot struct {
	SessionsOpened   int64
	SessionsClosed   int64
	BytesRead        int64
	BytesWritten     int64
	ReadIdleFires    int64
	WriteIdleFires   int64
	AvgWriteQueueLen float64
	Updated          time.Time
}

// GetSnapshot returns the latest metrics.
func (m *Metrics) GetSnapshot() Snapshot {
	n := m.queueDepthN.Load()
	var avg float64
	if n > 0 {
		avg = float64(m.queueDepthSum.Load()) / float64(n)
	}
	var updated time.Time
	if nano := m.updatedNano.Load(); nano != 0 {
		updated = time.Unix(0, nano)
	}
	return Snapshot{
		SessionsOpened:   m.sessionsOpened.Load(),
		SessionsClosed:   m.sessionsClosed.Load(),
		BytesRead:        m.bytesRead.Load(),
		BytesWritten:     m.bytesWritten.Load(),
		ReadIdleFires:    m.readIdleFires.Load(),
		WriteIdleFires:   m.writeIdleFires.Load(),
		AvgWriteQueueLen: avg,
		Updated:          updated,
	}
}

// Package idle implements the wheel-indexed idle detector of spec.md §4.6:
// a circular array of one-second buckets, one more than the largest
// configured timeout, tracking exactly one read-bucket and one write-bucket
// membership per session with O(1) amortized cost per loop tick.
package idle

import (
	"sync"
	"time"
)

// Status distinguishes read-idle from write-idle firings.
type Status int

const (
	ReadIdle Status = iota
	WriteIdle
)

// Session is the narrow handle the detector needs: just enough to key
// buckets and hand back to the fire callback.
type Session interface {
	ID() int64
}

// entry is a tracked session's per-direction bookkeeping.
type entry struct {
	session    Session
	timeoutSec int // 0 disables this direction for this session
	bucket     int // index into buckets this entry currently occupies, -1 if untracked
}

// Detector tracks read/write idleness for many sessions and fires a
// caller-supplied callback for sessions whose bucket has come due.
//
// Grounded on spec.md §4.6 and the teacher's fixed-size, pre-allocated
// collection style (pool/ring.go, core/concurrency/eventloop.go): buckets
// are a plain slice sized once at construction, never grown.
type Detector struct {
	mu       sync.Mutex
	horizon  int // number of buckets == max configured timeout in seconds + 1
	read     []map[int64]*entry
	write    []map[int64]*entry
	byID     map[int64]*trackedSession
	curTick  int64
	epoch    time.Time
	fire     func(s Session, status Status)
}

type trackedSession struct {
	session    Session
	readTO     int
	writeTO    int
	readBucket int
	writeBucket int
}

// New builds a Detector with a horizon (in seconds) at least as large as
// the largest timeout any session will be tracked with. fire is invoked
// synchronously from Tick for every session whose bucket has come due.
func New(horizonSeconds int, fire func(s Session, status Status)) *Detector {
	if horizonSeconds < 1 {
		horizonSeconds = 1
	}
	// +1 avoids the classic timing-wheel aliasing case where a timeout
	// exactly equal to the slot count maps back onto the tick it started
	// from, which would fire immediately instead of one lap later.
	slots := horizonSeconds + 1
	d := &Detector{
		horizon: slots,
		read:    make([]map[int64]*entry, slots),
		write:   make([]map[int64]*entry, slots),
		byID:    make(map[int64]*trackedSession),
		curTick: -1,
		fire:    fire,
	}
	for i := range d.read {
		d.read[i] = make(map[int64]*entry)
		d.write[i] = make(map[int64]*entry)
	}
	return d
}

// Track registers a session with per-direction idle timeouts in seconds,
// as of "now". A timeout of 0 disables idle detection for that direction.
// Track also performs the initial indexing, as if both directions had
// just seen activity at "now".
func (d *Detector) Track(s Session, now time.Time, readTimeoutSec, writeTimeoutSec int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := &trackedSession{session: s, readTO: readTimeoutSec, writeTO: writeTimeoutSec, readBucket: -1, writeBucket: -1}
	d.byID[s.ID()] = ts
	tick := d.tickFor(now)
	d.reindexLocked(ts, true, tick)
	d.reindexLocked(ts, false, tick)
}

// Untrack removes a session from both buckets. Safe to call more than
// once or on a session never tracked.
func (d *Detector) Untrack(s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.byID[s.ID()]
	if !ok {
		return
	}
	d.removeLocked(ts, true)
	d.removeLocked(ts, false)
	delete(d.byID, s.ID())
}

// OnRead re-indexes the session's read bucket after a read at "now".
func (d *Detector) OnRead(s Session, now time.Time) {
	d.reindex(s, true, now)
}

// OnWrite re-indexes the session's write bucket after a write at "now".
func (d *Detector) OnWrite(s Session, now time.Time) {
	d.reindex(s, false, now)
}

func (d *Detector) reindex(s Session, isRead bool, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.byID[s.ID()]
	if !ok {
		return
	}
	d.reindexLocked(ts, isRead, d.tickFor(now))
}

// reindexLocked removes the entry from its current bucket (if any) and
// places it into bucket (curTick + timeout) mod horizon. A zero timeout
// leaves the session unindexed for that direction.
func (d *Detector) reindexLocked(ts *trackedSession, isRead bool, atTick int64) {
	d.removeLocked(ts, isRead)
	timeout := ts.writeTO
	if isRead {
		timeout = ts.readTO
	}
	if timeout <= 0 {
		return
	}
	bucket := int((atTick + int64(timeout)) % int64(d.horizon))
	e := &entry{session: ts.session, timeoutSec: timeout, bucket: bucket}
	if isRead {
		ts.readBucket = bucket
		d.read[bucket][ts.session.ID()] = e
	} else {
		ts.writeBucket = bucket
		d.write[bucket][ts.session.ID()] = e
	}
}

func (d *Detector) removeLocked(ts *trackedSession, isRead bool) {
	if isRead {
		if ts.readBucket >= 0 {
			delete(d.read[ts.readBucket], ts.session.ID())
			ts.readBucket = -1
		}
	} else {
		if ts.writeBucket >= 0 {
			delete(d.write[ts.writeBucket], ts.session.ID())
			ts.writeBucket = -1
		}
	}
}

// tickFor converts a wall-clock time into a monotonically increasing
// second-resolution tick counter, initializing the epoch on first use.
func (d *Detector) tickFor(now time.Time) int64 {
	if d.epoch.IsZero() {
		d.epoch = now
	}
	return int64(now.Sub(d.epoch) / time.Second)
}

// Tick advances the detector to "now", firing sessionIdle for every entry
// in every bucket whose scheduled tick has elapsed since the last call,
// then re-indexing those sessions for another interval (at-least-once
// firing semantics, at-most-once per second per direction, per spec.md §8
// property 7).
func (d *Detector) Tick(now time.Time) {
	d.mu.Lock()
	newTick := d.tickFor(now)
	if newTick <= d.curTick {
		d.mu.Unlock()
		return
	}
	from := d.curTick + 1
	var fires []firedEvent
	for t := from; t <= newTick; t++ {
		bucket := int(((t % int64(d.horizon)) + int64(d.horizon)) % int64(d.horizon))
		fires = append(fires, d.drainBucketLocked(d.read, bucket, ReadIdle, t)...)
		fires = append(fires, d.drainBucketLocked(d.write, bucket, WriteIdle, t)...)
	}
	d.curTick = newTick
	d.mu.Unlock()

	for _, fe := range fires {
		d.fire(fe.session, fe.status)
	}
}

type firedEvent struct {
	session Session
	status  Status
}

// drainBucketLocked collects and clears the sessions in a bucket, then
// re-indexes each for its next interval starting at tick t (the tick this
// bucket was scheduled for), so the wheel keeps rotating even if the
// caller never observes another read/write on that session.
func (d *Detector) drainBucketLocked(buckets []map[int64]*entry, bucket int, status Status, t int64) []firedEvent {
	m := buckets[bucket]
	if len(m) == 0 {
		return nil
	}
	var out []firedEvent
	for id, e := range m {
		delete(m, id)
		ts, ok := d.byID[id]
		if !ok {
			continue // session was untracked concurrently; drop silently
		}
		out = append(out, firedEvent{session: e.session, status: status})
		d.reindexLocked(ts, status == ReadIdle, t)
	}
	return out
}

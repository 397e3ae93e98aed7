package reactor

import "sync/atomic"

// SelectorStrategy picks which of a service's read/write loops should own
// a newly accepted session, per spec.md §4.1 "Accept balancing". Grounded
// on the round-robin distribution the teacher's executor uses across its
// per-worker local queues (internal/concurrency/executor.go).
type SelectorStrategy interface {
	Next(loops []*Loop) *Loop
}

// RoundRobin cycles through loops in order. It is the default strategy.
type RoundRobin struct {
	counter atomic.Uint64
}

func (r *RoundRobin) Next(loops []*Loop) *Loop {
	if len(loops) == 0 {
		return nil
	}
	i := r.counter.Add(1) - 1
	return loops[i%uint64(len(loops))]
}

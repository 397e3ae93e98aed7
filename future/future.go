// Package future implements the one-shot completion primitive used by
// Session.WriteWithFuture and Service.Connect (spec.md §4.7).
//
// Grounded on original_source/core/.../util/DefaultIoFuture.java: a
// CountDownLatch-style single completion gate plus a listener list drained
// under the same lock that guards the result, so a listener registered
// after completion runs synchronously and exactly once, and one registered
// before completion runs exactly once when the result lands.
package future

import (
	"context"
	"sync"
	"time"

	"github.com/momentics/hioload-io/errs"
)

// state is the internal lifecycle of a Future.
type state int

const (
	statePending state = iota
	stateCompleted
	stateFailed
	stateCancelled
)

// Owner lets a pending Future delegate cancellation to whoever is doing the
// work backing it (a write-queue drain, a connect attempt). Optional: a
// Future created via New has no owner and Cancel simply marks it cancelled.
type Owner interface {
	// CancelRequested is invoked when a caller asks to cancel a pending
	// Future this owner is responsible for. mayInterrupt mirrors the
	// spec's Future.cancel(mayInterrupt) semantics: the owner should stop
	// at the next safe point, never preempt an in-flight read/write.
	CancelRequested(mayInterrupt bool)
}

// Future is a generic one-shot completion primitive. The zero value is not
// usable; construct with New.
type Future[V any] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	st        state
	value     V
	err       error
	listeners []func(V, error, bool) // (value, err, cancelled)
	owner     Owner
}

// New creates a pending Future with no owner.
func New[V any]() *Future[V] {
	return NewOwned[V](nil)
}

// NewOwned creates a pending Future whose Cancel delegates to owner.
func NewOwned[V any](owner Owner) *Future[V] {
	f := &Future[V]{owner: owner}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Set completes the future successfully. Calling Set or Fail a second time
// on the same Future is a programming error and panics, matching the
// spec's "second completion is a programming error detected by assertion".
func (f *Future[V]) Set(value V) {
	f.complete(func() {
		f.st = stateCompleted
		f.value = value
	})
}

// Fail completes the future with a failure.
func (f *Future[V]) Fail(err error) {
	f.complete(func() {
		f.st = stateFailed
		f.err = err
	})
}

func (f *Future[V]) complete(mutate func()) {
	f.mu.Lock()
	if f.st != statePending {
		f.mu.Unlock()
		panic(errs.ErrFutureAlreadySet)
	}
	mutate()
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()
	f.cond.Broadcast()

	value, err, cancelled := f.snapshot()
	for _, l := range listeners {
		l(value, err, cancelled)
	}
}

func (f *Future[V]) snapshot() (V, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.st == stateCancelled
}

// Register attaches a listener. If the Future is already complete, the
// listener runs synchronously and immediately, exactly once. Otherwise it
// is queued and invoked inline (from the completing goroutine) once the
// Future completes.
func (f *Future[V]) Register(listener func(value V, err error, cancelled bool)) {
	f.mu.Lock()
	if f.st == statePending {
		f.listeners = append(f.listeners, listener)
		f.mu.Unlock()
		return
	}
	value, err, st := f.value, f.err, f.st
	f.mu.Unlock()
	listener(value, err, st == stateCancelled)
}

// Get blocks until the Future completes and returns its value or error.
func (f *Future[V]) Get() (V, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.st == statePending {
		f.cond.Wait()
	}
	return f.resultLocked()
}

// GetWithTimeout blocks until completion or the timeout elapses, whichever
// comes first. This is the one mandatory timeout of spec.md §5: it never
// mutates the Future itself, it only bounds how long the caller waits.
func (f *Future[V]) GetWithTimeout(timeout time.Duration) (V, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.GetContext(ctx)
}

// GetContext blocks until completion or ctx is done.
func (f *Future[V]) GetContext(ctx context.Context) (V, error) {
	done := make(chan struct{})
	go func() {
		f.mu.Lock()
		for f.st == statePending {
			f.cond.Wait()
		}
		f.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.resultLocked()
	case <-ctx.Done():
		var zero V
		return zero, errs.ErrTimeout
	}
}

// resultLocked must be called with f.mu held and f.st != pending.
func (f *Future[V]) resultLocked() (V, error) {
	switch f.st {
	case stateCompleted:
		return f.value, nil
	case stateCancelled:
		var zero V
		return zero, errs.ErrCancelled
	default:
		var zero V
		return zero, f.err
	}
}

// Cancel transitions a pending Future to cancelled and, if it has an
// owner, asks the owner to stop the backing work at its next safe point.
// Cancelling an already-complete Future is a no-op and returns false.
func (f *Future[V]) Cancel(mayInterrupt bool) bool {
	f.mu.Lock()
	if f.st != statePending {
		f.mu.Unlock()
		return false
	}
	f.st = stateCancelled
	owner := f.owner
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()
	f.cond.Broadcast()

	if owner != nil {
		owner.CancelRequested(mayInterrupt)
	}
	var zero V
	for _, l := range listeners {
		l(zero, nil, true)
	}
	return true
}

// Done reports whether the Future has reached a terminal state.
func (f *Future[V]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st != statePending
}

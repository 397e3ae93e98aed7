package filter

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/future"
)

type fakeSession struct{ id int64 }

func (s fakeSession) ID() int64            { return s.id }
func (s fakeSession) RemoteAddr() net.Addr { return nil }
func (s fakeSession) Close(bool) *future.Future[struct{}] {
	fut := future.New[struct{}]()
	fut.Set(struct{}{})
	return fut
}

func TestEmptyChainReceiveTailUnchanged(t *testing.T) {
	var got buffer.Buffer
	c := New(nil, func(s Session, msg buffer.Buffer) { got = msg }, nil, nil)
	c.FireMessageReceived(fakeSession{1}, buffer.Wrap([]byte("ping")))
	if !bytes.Equal(got.Bytes(), []byte("ping")) {
		t.Fatalf("tail received %q, want ping", got.Bytes())
	}
}

func TestEmptyChainWriteTailUnchanged(t *testing.T) {
	var got buffer.Buffer
	c := New(nil, nil, func(s Session, msg buffer.Buffer, fut *future.Future[struct{}]) { got = msg }, nil)
	c.FireMessageWriting(fakeSession{1}, buffer.Wrap([]byte("pong")), nil)
	if !bytes.Equal(got.Bytes(), []byte("pong")) {
		t.Fatalf("tail wrote %q, want pong", got.Bytes())
	}
}

// upperFilter transforms message bytes to upper case then continues.
type upperFilter struct{ BaseFilter }

func (upperFilter) MessageReceived(s Session, msg buffer.Buffer, ctrl *Controller) error {
	up := bytes.ToUpper(msg.Bytes())
	ctrl.CallReadNext(buffer.Wrap(up))
	return nil
}

func TestFilterTransformsMessage(t *testing.T) {
	var got buffer.Buffer
	c := New([]Filter{upperFilter{}}, func(s Session, msg buffer.Buffer) { got = msg }, nil, nil)
	c.FireMessageReceived(fakeSession{1}, buffer.Wrap([]byte("abc")))
	if string(got.Bytes()) != "ABC" {
		t.Fatalf("got %q, want ABC", got.Bytes())
	}
}

// dropFilter never calls next, short-circuiting propagation.
type dropFilter struct{ BaseFilter }

func (dropFilter) MessageReceived(s Session, msg buffer.Buffer, ctrl *Controller) error {
	return nil
}

func TestFilterShortCircuits(t *testing.T) {
	called := false
	c := New([]Filter{dropFilter{}}, func(s Session, msg buffer.Buffer) { called = true }, nil, nil)
	c.FireMessageReceived(fakeSession{1}, buffer.Wrap([]byte("x")))
	if called {
		t.Fatal("tail sink should not have been reached")
	}
}

// errorFilter returns an error to trigger exceptionCaught.
type errorFilter struct{ BaseFilter }

var errBoom = errors.New("boom")

func (errorFilter) MessageReceived(s Session, msg buffer.Buffer, ctrl *Controller) error {
	return errBoom
}

type exceptionRecorder struct {
	BaseFilter
	got error
}

func (r *exceptionRecorder) ExceptionCaught(s Session, cause error) { r.got = cause }

func TestExceptionCaughtReentersAtHead(t *testing.T) {
	rec := &exceptionRecorder{}
	c := New([]Filter{rec, errorFilter{}}, nil, nil, nil)
	c.FireMessageReceived(fakeSession{1}, buffer.Wrap([]byte("x")))
	if rec.got != errBoom {
		t.Fatalf("exceptionCaught got %v, want %v", rec.got, errBoom)
	}
}

type panicFilter struct{ BaseFilter }

func (panicFilter) MessageWriting(s Session, msg buffer.Buffer, ctrl *Controller) error {
	panic("kaboom")
}

func TestPanicIsConvertedToException(t *testing.T) {
	rec := &exceptionRecorder{}
	c := New([]Filter{rec, panicFilter{}}, nil, nil, nil)
	c.FireMessageWriting(fakeSession{1}, buffer.Wrap([]byte("x")), nil)
	if rec.got == nil {
		t.Fatal("expected exceptionCaught to be invoked after panic")
	}
}

func TestExceptionCaughtPanicIsSuppressed(t *testing.T) {
	c := New([]Filter{panicInHandler{}, errorFilter{}}, nil, nil, nil)
	// Must not panic out of FireMessageReceived.
	c.FireMessageReceived(fakeSession{1}, buffer.Wrap([]byte("x")))
}

type panicInHandler struct{ BaseFilter }

func (panicInHandler) ExceptionCaught(s Session, cause error) { panic("handler panic") }

func TestLifecycleOrderedAcrossFilters(t *testing.T) {
	var order []string
	f1 := &orderFilter{name: "f1", order: &order}
	f2 := &orderFilter{name: "f2", order: &order}
	c := New([]Filter{f1, f2}, nil, nil, nil)
	c.FireSessionCreated(fakeSession{1})
	if len(order) != 2 || order[0] != "f1" || order[1] != "f2" {
		t.Fatalf("order = %v, want [f1 f2]", order)
	}
}

type orderFilter struct {
	BaseFilter
	name  string
	order *[]string
}

func (f *orderFilter) SessionCreated(s Session) { *f.order = append(*f.order, f.name) }

package reactor

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/filter"
	"github.com/momentics/hioload-io/session"
)

// newLoopPair creates a loop and an unregistered TCP loopback listener for
// the test to attach to it. Real TCP loopback sockets are used throughout this file, since the loop's
// registration path requires a raw, non-blocking fd (net.Pipe has none).
func newLoopPair(t *testing.T) (*Loop, net.Listener) {
	t.Helper()
	l, err := New(nil, 5)
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() err = %v", err)
	}
	return l, ln
}

func TestConnectSessionDeliversReadsToHandler(t *testing.T) {
	l, ln := newLoopPair(t)
	defer ln.Close()

	received := make(chan []byte, 1)
	handler := func(s *session.Session, msg buffer.Buffer) {
		received <- append([]byte(nil), msg.Bytes()...)
	}

	if err := l.AddListener(ln, []*Loop{l}, nil, nil, handler, 60, 60); err != nil {
		t.Fatalf("AddListener() err = %v", err)
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() err = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() err = %v", err)
	}

	select {
	case msg := <-received:
		if !bytes.Equal(msg, []byte("hello")) {
			t.Fatalf("handler got %q, want hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted session to deliver a read")
	}
}

func TestAcceptedSessionEchoesWrite(t *testing.T) {
	l, ln := newLoopPair(t)
	defer ln.Close()

	echo := func(s *session.Session, msg buffer.Buffer) {
		s.Write(buffer.Wrap(append([]byte(nil), msg.Bytes()...)))
	}
	if err := l.AddListener(ln, []*Loop{l}, nil, nil, echo, 60, 60); err != nil {
		t.Fatalf("AddListener() err = %v", err)
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() err = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() err = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("Read() err = %v", err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Fatalf("echoed %q, want ping", buf)
	}
}

func TestRequestCloseTearsDownRegistration(t *testing.T) {
	l, ln := newLoopPair(t)
	defer ln.Close()

	opened := make(chan *session.Session, 1)
	l.SetHook(recordingHook{opened: opened})

	if err := l.AddListener(ln, []*Loop{l}, nil, nil, nil, 60, 60); err != nil {
		t.Fatalf("AddListener() err = %v", err)
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() err = %v", err)
	}
	defer conn.Close()

	var sess *session.Session
	select {
	case sess = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session open")
	}

	fut := sess.Close(false)

	if _, err := fut.GetWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("close future failed: %v", err)
	}
	if sess.State() != session.Closed {
		t.Fatalf("State() = %v, want Closed", sess.State())
	}
}

func TestCloseGracefullyDrainsQueuedWriteBeforeClosing(t *testing.T) {
	l, ln := newLoopPair(t)
	defer ln.Close()

	opened := make(chan *session.Session, 1)
	l.SetHook(recordingHook{opened: opened})

	if err := l.AddListener(ln, []*Loop{l}, nil, nil, nil, 60, 60); err != nil {
		t.Fatalf("AddListener() err = %v", err)
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() err = %v", err)
	}
	defer conn.Close()

	var sess *session.Session
	select {
	case sess = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session open")
	}

	sess.Write(buffer.Wrap([]byte("bye")))
	fut := sess.Close(false)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 3)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("Read() err = %v", err)
	}
	if !bytes.Equal(buf, []byte("bye")) {
		t.Fatalf("read %q, want the queued write to survive a graceful close", buf)
	}

	if _, err := fut.GetWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("close future failed: %v", err)
	}
	if sess.State() != session.Closed {
		t.Fatalf("State() = %v, want Closed", sess.State())
	}
}

func TestAcceptRejectedBySessionCreatedFilterNeverDeliversReads(t *testing.T) {
	l, ln := newLoopPair(t)
	defer ln.Close()

	sub, err := filter.NewSubnetFilter(nil, "10.0.0.0/8")
	if err != nil {
		t.Fatalf("NewSubnetFilter() err = %v", err)
	}
	received := make(chan []byte, 1)
	handler := func(s *session.Session, msg buffer.Buffer) {
		received <- append([]byte(nil), msg.Bytes()...)
	}
	if err := l.AddListener(ln, []*Loop{l}, nil, []filter.Filter{sub}, handler, 60, 60); err != nil {
		t.Fatalf("AddListener() err = %v", err)
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() err = %v", err)
	}
	defer conn.Close()

	// 127.0.0.1 is outside the allowed 10.0.0.0/8 range, so the accepted
	// session should be rejected from sessionCreated and never reach the
	// handler.
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() err = %v", err)
	}
	select {
	case msg := <-received:
		t.Fatalf("handler should not have been reached, got %q", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

type recordingHook struct {
	opened chan *session.Session
}

func (h recordingHook) SessionOpened(s *session.Session, owner *Loop) { h.opened <- s }
func (h recordingHook) SessionClosed(s *session.Session)              {}

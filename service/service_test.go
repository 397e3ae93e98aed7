package service

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/session"
)

func TestBindConnectEcho(t *testing.T) {
	received := make(chan []byte, 1)
	echo := func(s *session.Session, msg buffer.Buffer) {
		s.Write(buffer.Wrap(append([]byte(nil), msg.Bytes()...)))
	}
	server, err := New(WithHandler(echo))
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	ln, err := server.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() err = %v", err)
	}
	defer server.Unbind(ln)

	client, err := New(WithHandler(func(s *session.Session, msg buffer.Buffer) {
		received <- append([]byte(nil), msg.Bytes()...)
	}))
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}

	sess, err := client.Connect(ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect() err = %v", err)
	}
	sess.Write(buffer.Wrap([]byte("hello")))

	select {
	case msg := <-received:
		if !bytes.Equal(msg, []byte("hello")) {
			t.Fatalf("echoed %q, want hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed reply")
	}
}

func TestServiceTracksSessionLifecycle(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	ln, err := svc.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() err = %v", err)
	}
	defer svc.Unbind(ln)

	other, err := New()
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	sess, err := other.Connect(ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect() err = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(svc.Sessions()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(svc.Sessions()) == 0 {
		t.Fatal("expected the accepted session to be tracked by the server-side service")
	}

	// Session() on the client-side service returns the same tracked
	// session it created via Connect, distinct from the server-side
	// accept tracked by svc above.
	if got, ok := other.Session(sess.ID()); !ok || got != sess {
		t.Fatalf("Session(%d) = %v, %v, want %v, true", sess.ID(), got, ok, sess)
	}
}

func TestBindUDPEchoesDatagram(t *testing.T) {
	echo := func(s *session.Session, msg buffer.Buffer) {
		s.Write(buffer.Wrap(append([]byte(nil), msg.Bytes()...)))
	}
	svc, err := New(WithHandler(echo))
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	pc, err := svc.BindUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("BindUDP() err = %v", err)
	}
	defer pc.Close()

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() err = %v", err)
	}
	defer client.Close()

	if _, err := client.WriteTo([]byte("ping"), pc.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() err = %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	n, _, err := client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() err = %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("ping")) {
		t.Fatalf("echoed %q, want ping", buf[:n])
	}
}

func TestCloseTracksThroughToSessionClosed(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	ln, err := svc.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() err = %v", err)
	}
	defer svc.Unbind(ln)

	sess, err := svc.Connect(ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect() err = %v", err)
	}

	fut, err := svc.Close(sess, false)
	if err != nil {
		t.Fatalf("Close() err = %v", err)
	}
	if _, err := fut.GetWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("close future failed: %v", err)
	}
	if sess.State() != session.Closed {
		t.Fatalf("State() = %v, want Closed", sess.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := svc.Session(sess.ID()); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := svc.Session(sess.ID()); ok {
		t.Fatal("closed session should have been dropped from the service's tracking map")
	}
}

func TestCloseRejectsUntrackedSession(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	other, err := New()
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	ln, err := other.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() err = %v", err)
	}
	defer other.Unbind(ln)

	sess, err := other.Connect(ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect() err = %v", err)
	}
	if _, err := svc.Close(sess, false); err == nil {
		t.Fatal("Close() on a session tracked by a different service should error")
	}
}

type recordingListener struct {
	BaseListener
	mu          sync.Mutex
	activated   bool
	deactivated bool
	opened      []int64
	closed      []int64
}

func (l *recordingListener) Activated(*Service) {
	l.mu.Lock()
	l.activated = true
	l.mu.Unlock()
}
func (l *recordingListener) Deactivated(*Service) {
	l.mu.Lock()
	l.deactivated = true
	l.mu.Unlock()
}
func (l *recordingListener) SessionOpened(sess *session.Session) {
	l.mu.Lock()
	l.opened = append(l.opened, sess.ID())
	l.mu.Unlock()
}
func (l *recordingListener) SessionClosed(sess *session.Session) {
	l.mu.Lock()
	l.closed = append(l.closed, sess.ID())
	l.mu.Unlock()
}

func TestListenerObservesLifecycleAndSessions(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	ln, err := svc.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() err = %v", err)
	}
	defer svc.Unbind(ln)

	rec := &recordingListener{}
	svc.AddListener(rec)
	rec.mu.Lock()
	activated := rec.activated
	rec.mu.Unlock()
	if !activated {
		t.Fatal("AddListener should fire Activated immediately")
	}

	sess, err := svc.Connect(ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect() err = %v", err)
	}
	fut, err := svc.Close(sess, false)
	if err != nil {
		t.Fatalf("Close() err = %v", err)
	}
	if _, err := fut.GetWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("close future failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.closed)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.opened) == 0 {
		t.Fatal("expected SessionOpened to be reported to the listener")
	}
	if len(rec.closed) == 0 {
		t.Fatal("expected SessionClosed to be reported to the listener")
	}

	svc.RemoveListener(rec)
	if err := svc.Shutdown(); err != nil {
		t.Fatalf("Shutdown() err = %v", err)
	}
	if rec.deactivated {
		t.Fatal("a removed listener should not observe Deactivated")
	}
	if svc.Active() {
		t.Fatal("Active() should be false after Shutdown")
	}
}

// TestPeerDisconnectClosesSession drives the fault path (EOF on a read,
// reactor.Loop.dispatchRead -> closeRegistrationNow) rather than an
// explicit Session.Close, and asserts it still tears the session all the
// way down: sessionClosed observed and the session dropped from the
// service's tracking map. This is the dominant real-world close path and
// previously left the session stuck mid-lifecycle because closeRegistration
// finalized a session that was never transitioned to Closing first.
func TestPeerDisconnectClosesSession(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	ln, err := svc.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() err = %v", err)
	}
	defer svc.Unbind(ln)

	rec := &recordingListener{}
	svc.AddListener(rec)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() err = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(svc.Sessions()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(svc.Sessions()) == 0 {
		t.Fatal("expected the accepted session to be tracked before the peer disconnects")
	}

	// Close the raw peer connection directly: this triggers an EOF on the
	// server-side session's next read, not a graceful Session.Close.
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.closed)
		rec.mu.Unlock()
		if n > 0 && len(svc.Sessions()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec.mu.Lock()
	closedCount := len(rec.closed)
	rec.mu.Unlock()
	if closedCount == 0 {
		t.Fatal("expected sessionClosed to be reported after the peer disconnected")
	}
	if len(svc.Sessions()) != 0 {
		t.Fatal("expected the session to be dropped from the service's tracking map after peer disconnect")
	}
}

func TestSecureWithoutTLSConfigErrors(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	ln, err := svc.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() err = %v", err)
	}
	defer svc.Unbind(ln)

	sess, err := svc.Connect(ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect() err = %v", err)
	}
	if err := svc.Secure(sess, true); err == nil {
		t.Fatal("Secure() with no TLSConfig should error")
	}
}

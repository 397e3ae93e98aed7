// Package tlsio implements the TLS helper of spec.md §4.5: it interposes
// between the plaintext filter chain and the write queue, driving the
// standard library's crypto/tls engine as the "platform TLS engine" the
// spec calls for (the teacher's highlevel.Options already surfaces
// *tls.Config as its own TLS knob, see highlevel/client.go).
//
// crypto/tls has no network transport built in that we can bypass: it
// wants an io.ReadWriteCloser it owns. We give it one half of an
// in-process net.Pipe and pump ciphertext between the pipe and the
// session's real socket ourselves, which is the standard trick for
// driving *tls.Conn against a non-blocking, event-driven transport
// instead of a blocking net.Conn.
package tlsio

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/errs"
)

// Sink identifies the session a Helper works for. The Helper itself does
// not use it: ciphertext and plaintext leave the Helper through the
// callbacks passed to New.
type Sink interface {
	// ID identifies the session for error/log context.
	ID() int64
}

// Helper wraps a *tls.Config into a full-duplex ciphertext<->plaintext
// pump. One Helper is created per session when a TLS handshake is
// requested for it (spec.md §4.5).
type Helper struct {
	log *slog.Logger

	conn   *tls.Conn // application-facing half: Read/Write are plaintext
	feed   net.Conn  // our half of the net.Pipe: Read/Write are ciphertext
	sinkID int64

	onOutboundCiphertext func(b []byte)
	onInboundPlaintext   func(b []byte)
	onHandshakeDone      func(err error)

	closeOnce sync.Once
	pumpDone  chan struct{}
}

// New builds a Helper for a server-side (isClient=false) or client-side
// (isClient=true) handshake. onOutboundCiphertext is called every time
// the TLS engine has bytes that must be written to the real socket;
// onInboundPlaintext is called with decrypted application bytes as they
// become available; onHandshakeDone fires once, when the handshake
// resolves (success or failure).
func New(cfg *tls.Config, isClient bool, sinkID int64, log *slog.Logger,
	onOutboundCiphertext func(b []byte),
	onInboundPlaintext func(b []byte),
	onHandshakeDone func(err error),
) *Helper {
	if log == nil {
		log = slog.Default()
	}
	engineSide, feedSide := net.Pipe()
	var conn *tls.Conn
	if isClient {
		conn = tls.Client(engineSide, cfg)
	} else {
		conn = tls.Server(engineSide, cfg)
	}
	h := &Helper{
		log:                  log,
		conn:                 conn,
		feed:                 feedSide,
		sinkID:               sinkID,
		onOutboundCiphertext: onOutboundCiphertext,
		onInboundPlaintext:   onInboundPlaintext,
		onHandshakeDone:      onHandshakeDone,
		pumpDone:             make(chan struct{}),
	}
	go h.pumpCiphertextOut()
	go h.handshakeAndPumpPlaintextIn()
	return h
}

// pumpCiphertextOut copies whatever the TLS engine writes onto its pipe
// half out to the real socket via onOutboundCiphertext. It runs for the
// life of the Helper; net.Pipe reads block until the engine writes or the
// pipe is closed, which is fine since this runs on its own goroutine, not
// the selector loop's thread.
func (h *Helper) pumpCiphertextOut() {
	buf := make([]byte, 16*1024)
	for {
		n, err := h.feed.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			h.onOutboundCiphertext(cp)
		}
		if err != nil {
			return
		}
	}
}

// handshakeAndPumpPlaintextIn drives the handshake, reports completion,
// then continuously drains decrypted application bytes.
func (h *Helper) handshakeAndPumpPlaintextIn() {
	err := h.conn.HandshakeContext(context.Background())
	if h.onHandshakeDone != nil {
		h.onHandshakeDone(wrapTLSErr(h.sinkID, err))
	}
	if err != nil {
		close(h.pumpDone)
		return
	}
	buf := make([]byte, 16*1024)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			h.onInboundPlaintext(cp)
		}
		if err != nil {
			close(h.pumpDone)
			return
		}
	}
}

// FeedCiphertext delivers ciphertext read from the real socket into the
// TLS engine (spec.md §4.5: "Inbound ciphertext is fed to the engine").
func (h *Helper) FeedCiphertext(b []byte) error {
	_, err := h.feed.Write(b)
	if err != nil {
		return wrapTLSErr(h.sinkID, err)
	}
	return nil
}

// EncryptWrite substitutes an outbound plaintext write with its
// ciphertext: it blocks until the TLS engine has encrypted the payload and
// the resulting record(s) have been read off the pipe by the outbound pump,
// which hands them to onOutboundCiphertext on its own goroutine, possibly
// just after EncryptWrite returns (spec.md §4.5: "the helper
// encrypts and substitutes the ciphertext write request").
func (h *Helper) EncryptWrite(payload buffer.Buffer) error {
	_, err := h.conn.Write(payload.Copy())
	if err != nil {
		return wrapTLSErr(h.sinkID, err)
	}
	return nil
}

// Close tears down both the TLS engine and the in-process pipe.
func (h *Helper) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.conn.Close()
		_ = h.feed.Close()
	})
	return err
}

// Done reports the channel closed once the plaintext-in pump has
// stopped, either because the handshake failed or the connection closed.
func (h *Helper) Done() <-chan struct{} { return h.pumpDone }

func wrapTLSErr(sessionID int64, err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		return errs.New(errs.KindTLS, "tlsio", sessionID, io.ErrUnexpectedEOF)
	}
	return errs.New(errs.KindTLS, "tlsio", sessionID, err)
}

package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := New(KindTransport, "reactor", 7, cause)
	if !errors.Is(e, cause) {
		t.Fatalf("errors.Is(e, cause) = false, want true")
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := New(KindState, "session", 1, ErrClosed)
	b := New(KindState, "filter", 2, ErrInvalidTransition)
	if !errors.Is(a, b) {
		t.Fatal("two *Error values with the same Kind should satisfy errors.Is")
	}
	c := New(KindTLS, "tlsio", 1, ErrClosed)
	if errors.Is(a, c) {
		t.Fatal("*Error values with different Kinds should not satisfy errors.Is")
	}
}

func TestErrorMessageIncludesSessionIDWhenNonzero(t *testing.T) {
	e := New(KindProtocol, "filter", 42, errors.New("bad frame"))
	got := e.Error()
	if got == "" {
		t.Fatal("Error() returned empty string")
	}
	if want := "session=42"; !strings.Contains(got, want) {
		t.Fatalf("Error() = %q, want it to contain %q", got, want)
	}
}

func TestErrorMessageOmitsSessionIDWhenZero(t *testing.T) {
	e := New(KindTransport, "listener", 0, errors.New("bind failed"))
	if strings.Contains(e.Error(), "session=") {
		t.Fatalf("Error() = %q, should omit session= when SessionID is 0", e.Error())
	}
}

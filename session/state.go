// Package session implements the per-connection session: its state
// lattice, attribute store, statistics, and the write/close/suspend
// contract that filters and the reactor drive it through.
//
// Grounded on the teacher's internal/session/session.go and store.go for
// identity and thread-safety conventions, generalized from the teacher's
// simple cancel-once lifecycle to the full state lattice below.
package session

import (
	"fmt"
	"sync"

	"github.com/momentics/hioload-io/errs"
)

// State is a node in the session lifecycle lattice.
type State int

const (
	Created State = iota
	Connected
	Securing
	Secured
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Connected:
		return "CONNECTED"
	case Securing:
		return "SECURING"
	case Secured:
		return "SECURED"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// transitions enumerates every legal edge in the lattice. Closed has no
// outgoing edges: it is terminal.
var transitions = map[State]map[State]bool{
	Created:   {Connected: true, Securing: true, Closing: true},
	Connected: {Securing: true, Closing: true},
	Securing:  {Secured: true, Closing: true},
	Secured:   {Connected: true, Securing: true, Closing: true},
	Closing:   {Closed: true},
	Closed:    {},
}

// stateMachine guards State with a mutex and rejects illegal transitions.
type stateMachine struct {
	mu  sync.Mutex
	cur State
}

func newStateMachine() *stateMachine {
	return &stateMachine{cur: Created}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// transition attempts to move to next, returning errs.ErrInvalidTransition
// if the edge is not in the lattice. No state has a self-loop, so
// repeating the current state (including Closing->Closing on a second
// Close call, or Closed->Closed on a second Finalize) is rejected like
// any other edge absent from the table: spec.md §8 property 2 requires
// every illegal transition to be rejected, and callers rely on the
// Closing->Closing rejection to make Close/Finalize idempotent.
func (m *stateMachine) transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !transitions[m.cur][next] {
		return fmt.Errorf("%s -> %s: %w", m.cur, next, errs.ErrInvalidTransition)
	}
	m.cur = next
	return nil
}

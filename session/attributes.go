package session

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/momentics/hioload-io/errs"
)

// AttributeKey is a typed descriptor: name plus the expected Go type of
// values stored under it. Declaring the type up front lets setters reject
// mismatched values instead of panicking on a later type assertion.
type AttributeKey struct {
	name    string
	typ     reflect.Type
}

// NewAttributeKey builds a key for values of type V. Callers typically
// declare these as package-level vars, e.g.
//
//	var UserID = session.NewAttributeKey[int64]("userID")
func NewAttributeKey[V any](name string) AttributeKey {
	var zero V
	return AttributeKey{name: name, typ: reflect.TypeOf(zero)}
}

func (k AttributeKey) String() string { return k.name }

// attributeStore is a thread-safe, typed attribute map. Per spec.md's
// open question (c), attribute access is safe from any goroutine,
// including from a receive callback while another thread mutates it.
type attributeStore struct {
	mu    sync.RWMutex
	store map[string]any
}

func newAttributeStore() *attributeStore {
	return &attributeStore{store: make(map[string]any)}
}

// Set assigns value under key, rejecting a value whose dynamic type
// doesn't match the key's declared type.
func (a *attributeStore) Set(key AttributeKey, value any) error {
	if key.typ != nil && value != nil && reflect.TypeOf(value) != key.typ {
		return fmt.Errorf("attribute %q: value type %T, want %s: %w", key.name, value, key.typ, errs.ErrAttributeType)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store[key.name] = value
	return nil
}

// Get returns the value under key and whether it was present.
func (a *attributeStore) Get(key AttributeKey) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.store[key.name]
	return v, ok
}

// Remove deletes the value under key, if any.
func (a *attributeStore) Remove(key AttributeKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.store, key.name)
}

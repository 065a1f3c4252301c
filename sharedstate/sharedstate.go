// Package sharedstate provides key/value stores for attributes that must be
// visible to all processes serving the same mailbox.
//
// A Store hands out an Accessor per object key. An accessor holds the string
// representation of named attributes of that one object. Values are never
// empty: callers remove an attribute with Unset instead of storing an empty
// value.
package sharedstate

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("shared store closed")

// Accessor reads and writes attributes of a single object in the shared store.
// Implementations are safe for concurrent use.
type Accessor interface {
	// Key returns the object key this accessor is scoped to.
	Key() string

	// Get returns the value for name. ok is false if the attribute is absent.
	Get(ctx context.Context, name string) (value string, ok bool, err error)

	Set(ctx context.Context, name, value string) error

	// Unset removes the attribute. Removing an absent attribute is not an error.
	Unset(ctx context.Context, name string) error

	// Delete removes all attributes of the object.
	Delete(ctx context.Context) error
}

// Store is a shared key/value store.
type Store interface {
	Accessor(objectKey string) Accessor
	Close() error
}

// Timeout returns a store whose accessors apply timeout d to each operation.
// A zero d returns s itself.
func Timeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return timeoutStore{s, d}
}

type timeoutStore struct {
	Store
	d time.Duration
}

func (s timeoutStore) Accessor(objectKey string) Accessor {
	return timeoutAccessor{s.Store.Accessor(objectKey), s.d}
}

type timeoutAccessor struct {
	a Accessor
	d time.Duration
}

func (a timeoutAccessor) Key() string {
	return a.a.Key()
}

func (a timeoutAccessor) Get(ctx context.Context, name string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.d)
	defer cancel()
	return a.a.Get(ctx, name)
}

func (a timeoutAccessor) Set(ctx context.Context, name, value string) error {
	ctx, cancel := context.WithTimeout(ctx, a.d)
	defer cancel()
	return a.a.Set(ctx, name, value)
}

func (a timeoutAccessor) Unset(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, a.d)
	defer cancel()
	return a.a.Unset(ctx, name)
}

func (a timeoutAccessor) Delete(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.d)
	defer cancel()
	return a.a.Delete(ctx)
}

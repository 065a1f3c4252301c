// Package itemstate keeps attributes of cached objects both in local memory
// and, when attached, in a shared store, so other processes serving the same
// mailbox see changes.
//
// Each write has an AccessMode deciding which of the two homes it touches.
// Reads prefer the shared store when attached and repair the local value with
// what they find. Errors from the shared store are logged and counted, never
// returned: operations then continue with the local value.
package itemstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mjl-/mboxcache/metrics"
	"github.com/mjl-/mboxcache/mlog"
	"github.com/mjl-/mboxcache/sharedstate"
)

var pkglog = mlog.New("itemstate", nil)

// AccessMode determines where a write goes.
type AccessMode int

const (
	Default    AccessMode = iota // Local value and shared store (if attached).
	LocalOnly                    // Local value only.
	RemoteOnly                   // Shared store only (if attached), local value unchanged.
)

func (m AccessMode) String() string {
	switch m {
	case Default:
		return "default"
	case LocalOnly:
		return "localonly"
	case RemoteOnly:
		return "remoteonly"
	}
	return fmt.Sprintf("AccessMode(%d)", int(m))
}

type syncer interface {
	Name() string
	Sync(ctx context.Context) bool
	join(ctx context.Context, acc sharedstate.Accessor) bool
}

// State holds the fields of one object and its binding to the shared store.
type State struct {
	log mlog.Log

	sync.Mutex // Protects acc and local values of fields. Never held during shared store operations.
	acc        sharedstate.Accessor
	fields     []syncer // In order of registration.
	names      map[string]bool
}

// NewState returns a state without fields and not attached to a shared store.
// The object name is used in logging only.
func NewState(object string) *State {
	return &State{
		log:   pkglog.With(slog.String("object", object)),
		names: map[string]bool{},
	}
}

// accessor returns the current accessor, or nil.
func (s *State) accessor() sharedstate.Accessor {
	s.Lock()
	defer s.Unlock()
	return s.acc
}

// Accessor returns the attached accessor, or nil.
func (s *State) Accessor() sharedstate.Accessor {
	return s.accessor()
}

// Attached returns whether an accessor is attached.
func (s *State) Attached() bool {
	return s.accessor() != nil
}

// FieldNames returns the names of registered fields, in registration order.
func (s *State) FieldNames() []string {
	s.Lock()
	defer s.Unlock()
	l := make([]string, len(s.fields))
	for i, f := range s.fields {
		l[i] = f.Name()
	}
	return l
}

// Attach binds acc, replacing a previously attached accessor, and syncs all
// fields to it. The number of fields pushed to the shared store is returned.
func (s *State) Attach(ctx context.Context, acc sharedstate.Accessor) int {
	s.Lock()
	s.acc = acc
	s.Unlock()
	n := s.Sync(ctx)
	s.log.Debug("attached shared state", slog.String("key", acc.Key()), slog.Int("synced", n))
	return n
}

// Join binds acc for an object loaded while other processes may already hold
// its state. Fields present in the shared store take the shared value locally,
// the other fields are synced. The number of fields pushed is returned.
func (s *State) Join(ctx context.Context, acc sharedstate.Accessor) int {
	s.Lock()
	s.acc = acc
	fields := append([]syncer{}, s.fields...)
	s.Unlock()
	var n int
	for _, f := range fields {
		if f.join(ctx, acc) {
			n++
		}
	}
	s.log.Debug("joined shared state", slog.String("key", acc.Key()), slog.Int("synced", n))
	return n
}

// Detach removes all entries of the object from the shared store and clears
// the binding. Local values are kept. Detach without an attached accessor does
// nothing.
func (s *State) Detach(ctx context.Context) {
	s.Lock()
	acc := s.acc
	s.acc = nil
	s.Unlock()
	if acc == nil {
		return
	}
	if err := acc.Delete(ctx); err != nil {
		metrics.SharedStateErrorInc("delete")
		s.log.Errorx("deleting shared state while detaching", err, slog.String("key", acc.Key()))
	}
	s.log.Debug("detached shared state", slog.String("key", acc.Key()))
}

// Unbind clears the binding without touching the shared store, for an object
// dropped from memory while other processes keep using its shared entries.
// Local values are kept.
func (s *State) Unbind() {
	s.Lock()
	acc := s.acc
	s.acc = nil
	s.Unlock()
	if acc != nil {
		s.log.Debug("unbound shared state", slog.String("key", acc.Key()))
	}
}

// Sync pushes all fields with local data to the shared store, in registration
// order. It returns the number of fields pushed.
func (s *State) Sync(ctx context.Context) int {
	s.Lock()
	fields := append([]syncer{}, s.fields...)
	s.Unlock()
	var n int
	for _, f := range fields {
		if f.Sync(ctx) {
			n++
		}
	}
	return n
}

func (s *State) register(f syncer) {
	s.Lock()
	defer s.Unlock()
	name := f.Name()
	if s.names[name] {
		panic(fmt.Sprintf("duplicate field %q", name))
	}
	s.names[name] = true
	s.fields = append(s.fields, f)
}

// Field is a named attribute with a local value and, while the state is
// attached, a remote value in the shared store.
type Field[T any] struct {
	state *State
	name  string
	codec Codec[T]

	// Protected by state lock.
	local   T
	present bool
}

// NewField registers a new field with s. The name must be unique within s, it is
// the attribute name in the shared store.
func NewField[T any](s *State, name string, codec Codec[T]) *Field[T] {
	f := &Field[T]{state: s, name: name, codec: codec}
	s.register(f)
	return f
}

func (f *Field[T]) Name() string {
	return f.name
}

// Local returns the local value, and whether it is present.
func (f *Field[T]) Local() (T, bool) {
	f.state.Lock()
	defer f.state.Unlock()
	return f.local, f.present
}

func (f *Field[T]) setLocal(v T) {
	f.state.Lock()
	defer f.state.Unlock()
	f.local = v
	f.present = true
}

// SetDefault sets the local value if none is present yet, without touching the
// shared store.
func (f *Field[T]) SetDefault(v T) {
	f.state.Lock()
	defer f.state.Unlock()
	if !f.present {
		f.local = v
		f.present = true
	}
}

// remote reads the value from the shared store. ok is false if no accessor is
// attached, the value is absent, or it could not be read.
func (f *Field[T]) remote(ctx context.Context, acc sharedstate.Accessor) (v T, ok bool) {
	s, ok, err := acc.Get(ctx, f.name)
	if err != nil {
		metrics.SharedStateErrorInc("get")
		f.state.log.Errorx("getting field from shared state, using local value", err, slog.String("field", f.name))
		return v, false
	} else if !ok {
		return v, false
	}
	v, err = f.codec.Decode(s)
	if err != nil {
		metrics.SharedStateErrorInc("decode")
		f.state.log.Errorx("parsing field from shared state, using local value", err, slog.String("field", f.name), slog.String("value", s))
		return v, false
	}
	return v, true
}

// Get returns the current value. If attached and the shared store has a value,
// it is stored as local value and returned. Otherwise the local value is
// returned, the zero value if absent.
func (f *Field[T]) Get(ctx context.Context) T {
	if acc := f.state.accessor(); acc != nil {
		if v, ok := f.remote(ctx, acc); ok {
			f.setLocal(v)
			return v
		}
	}
	v, _ := f.Local()
	return v
}

// Refresh overwrites the local value with the value from the shared store, if
// attached and present. Used before modifying the local value based on its
// current value.
func (f *Field[T]) Refresh(ctx context.Context) {
	if acc := f.state.accessor(); acc != nil {
		if v, ok := f.remote(ctx, acc); ok {
			f.setLocal(v)
		}
	}
}

// Set stores v according to mode. A value without data is never written to the
// shared store: for Default and RemoteOnly, its remote entry is removed instead.
func (f *Field[T]) Set(ctx context.Context, v T, mode AccessMode) {
	if n, ok := f.codec.(normalizer[T]); ok {
		v = n.Normalize(v)
	}
	if mode != RemoteOnly {
		f.setLocal(v)
	}
	if mode == LocalOnly {
		return
	}
	acc := f.state.accessor()
	if acc == nil {
		return
	}
	if !f.codec.HasData(v) {
		f.unsetRemote(ctx, acc)
		return
	}
	f.setRemote(ctx, acc, v)
}

func (f *Field[T]) setRemote(ctx context.Context, acc sharedstate.Accessor, v T) bool {
	s, err := f.codec.Encode(v)
	if err != nil {
		metrics.SharedStateErrorInc("encode")
		f.state.log.Errorx("encoding field for shared state", err, slog.String("field", f.name))
		return false
	}
	if err := acc.Set(ctx, f.name, s); err != nil {
		metrics.SharedStateErrorInc("set")
		f.state.log.Errorx("setting field in shared state", err, slog.String("field", f.name))
		return false
	}
	return true
}

func (f *Field[T]) unsetRemote(ctx context.Context, acc sharedstate.Accessor) {
	if err := acc.Unset(ctx, f.name); err != nil {
		metrics.SharedStateErrorInc("unset")
		f.state.log.Errorx("removing field from shared state", err, slog.String("field", f.name))
	}
}

// Sync pushes the local value to the shared store if attached and the local
// value has data, and returns whether it was stored. The local value is not
// changed.
func (f *Field[T]) Sync(ctx context.Context) bool {
	acc := f.state.accessor()
	if acc == nil {
		return false
	}
	v, present := f.Local()
	if !present || !f.codec.HasData(v) {
		return false
	}
	return f.setRemote(ctx, acc, v)
}

func (f *Field[T]) join(ctx context.Context, acc sharedstate.Accessor) bool {
	if v, ok := f.remote(ctx, acc); ok {
		f.setLocal(v)
		return false
	}
	return f.Sync(ctx)
}

// Unset clears the local value and removes the remote entry.
func (f *Field[T]) Unset(ctx context.Context) {
	f.state.Lock()
	var zero T
	f.local = zero
	f.present = false
	f.state.Unlock()

	if acc := f.state.accessor(); acc != nil {
		f.unsetRemote(ctx, acc)
	}
}

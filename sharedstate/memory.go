package sharedstate

import (
	"context"
	"sync"
)

// Memory is a Store that keeps all state in memory of the current process.
// Multiple Mailbox instances in the same process that are handed accessors
// from the same Memory see each other's values.
type Memory struct {
	sync.Mutex
	objects map[string]map[string]string // Object key, attribute name, value.
	closed  bool
}

// NewMemory returns a new, empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: map[string]map[string]string{}}
}

func (m *Memory) Accessor(objectKey string) Accessor {
	return memoryAccessor{m, objectKey}
}

func (m *Memory) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of attributes stored for objectKey.
func (m *Memory) Len(objectKey string) int {
	m.Lock()
	defer m.Unlock()
	return len(m.objects[objectKey])
}

type memoryAccessor struct {
	m   *Memory
	key string
}

func (a memoryAccessor) Key() string {
	return a.key
}

func (a memoryAccessor) Get(ctx context.Context, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	a.m.Lock()
	defer a.m.Unlock()
	if a.m.closed {
		return "", false, ErrClosed
	}
	v, ok := a.m.objects[a.key][name]
	return v, ok, nil
}

func (a memoryAccessor) Set(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.m.Lock()
	defer a.m.Unlock()
	if a.m.closed {
		return ErrClosed
	}
	o := a.m.objects[a.key]
	if o == nil {
		o = map[string]string{}
		a.m.objects[a.key] = o
	}
	o[name] = value
	return nil
}

func (a memoryAccessor) Unset(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.m.Lock()
	defer a.m.Unlock()
	if a.m.closed {
		return ErrClosed
	}
	if o := a.m.objects[a.key]; o != nil {
		delete(o, name)
		if len(o) == 0 {
			delete(a.m.objects, a.key)
		}
	}
	return nil
}

func (a memoryAccessor) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.m.Lock()
	defer a.m.Unlock()
	if a.m.closed {
		return ErrClosed
	}
	delete(a.m.objects, a.key)
	return nil
}

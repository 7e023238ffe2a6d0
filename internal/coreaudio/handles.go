package coreaudio

import (
	"sync"
	"sync/atomic"
)

// handleTable hands out integer handles for values passed through native
// callbacks. Looking up a removed handle misses instead of panicking, so a
// callback that races with its removal is dropped. Zero is never issued.
type handleTable[T any] struct {
	next atomic.Uintptr
	m    sync.Map
}

func (t *handleTable[T]) add(v T) uintptr {
	h := t.next.Add(1)
	t.m.Store(h, v)
	return h
}

func (t *handleTable[T]) get(h uintptr) (T, bool) {
	v, ok := t.m.Load(h)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true //nolint:forcetypeassert // Only add stores values
}

func (t *handleTable[T]) remove(h uintptr) {
	t.m.Delete(h)
}

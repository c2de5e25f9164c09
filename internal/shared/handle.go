// Package shared provides a manually reference-counted handle with a
// companion non-owning handle.
//
// The garbage collector keeps memory alive; Handle tracks logical ownership
// so that an object can be retired (its release hook run) at a well defined
// point once the last owner lets go. The count is not synchronized. Callers
// mutate it under whatever lock protects the structure holding the handle.
package shared

import "fmt"

type block[T any] struct {
	refs    int
	value   *T
	release func(*T)
}

// Handle is an owning reference. The zero Handle is empty.
type Handle[T any] struct {
	b *block[T]
}

// New allocates a control block for value with a count of one. release, if
// non-nil, runs exactly once when the count drops to zero.
func New[T any](value *T, release func(*T)) Handle[T] {
	if value == nil {
		panic("shared: New with nil value")
	}
	return Handle[T]{b: &block[T]{refs: 1, value: value, release: release}}
}

// Clone returns another owning handle to the same referent.
func (h Handle[T]) Clone() Handle[T] {
	if h.b == nil {
		return Handle[T]{}
	}
	if h.b.refs <= 0 {
		panic("shared: clone of released handle")
	}
	h.b.refs++
	return Handle[T]{b: h.b}
}

// Move transfers ownership out of h without touching the count. h is left
// empty.
func (h *Handle[T]) Move() Handle[T] {
	out := Handle[T]{b: h.b}
	h.b = nil
	return out
}

// Reset drops this handle's reference. When it was the last one, the release
// hook runs and the payload is dropped.
func (h *Handle[T]) Reset() {
	b := h.b
	if b == nil {
		return
	}
	h.b = nil
	if b.refs <= 0 {
		panic("shared: reset of released handle")
	}
	b.refs--
	if b.refs > 0 {
		return
	}
	value := b.value
	b.value = nil
	if b.release != nil {
		b.release(value)
	}
}

// Get returns the referent, or nil for an empty handle.
func (h Handle[T]) Get() *T {
	if h.b == nil {
		return nil
	}
	return h.b.value
}

// Valid reports whether h refers to anything.
func (h Handle[T]) Valid() bool { return h.b != nil }

// Count returns the current number of owning handles.
func (h Handle[T]) Count() int {
	if h.b == nil {
		return 0
	}
	return h.b.refs
}

// Weak returns a non-owning handle to the same referent.
func (h Handle[T]) Weak() Weak[T] {
	return Weak[T]{b: h.b}
}

func (h Handle[T]) String() string {
	if h.b == nil {
		return "shared.Handle(nil)"
	}
	return fmt.Sprintf("shared.Handle(%p, refs=%d)", h.b.value, h.b.refs)
}

// Weak observes a referent without keeping it owned. It confers no liveness
// guarantee: only dereference it while an owning Handle is known to exist.
type Weak[T any] struct {
	b *block[T]
}

// Get returns the referent, or nil if the weak handle is empty or the
// referent has been released.
func (w Weak[T]) Get() *T {
	if w.b == nil {
		return nil
	}
	return w.b.value
}

// Valid reports whether w refers to anything.
func (w Weak[T]) Valid() bool { return w.b != nil }

// Promote returns a new owning handle. It panics if every owner has already
// released the referent.
func (w Weak[T]) Promote() Handle[T] {
	if w.b == nil {
		return Handle[T]{}
	}
	if w.b.refs <= 0 {
		panic("shared: promote of released handle")
	}
	w.b.refs++
	return Handle[T]{b: w.b}
}

// Package spin implements a non-sleeping lock for code that runs in
// interrupt context.
package spin

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// spins before yielding the processor.
const spinBudget = 64

// Lock is a test-and-test-and-set spin lock. The zero value is unlocked.
// It is not reentrant.
type Lock struct {
	_     cpu.CacheLinePad
	state atomic.Uint32
	_     cpu.CacheLinePad
}

// Lock acquires l, spinning until it is available.
func (l *Lock) Lock() {
	for n := 0; ; n++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		if n >= spinBudget {
			// Without this a single-P runtime never lets the holder run.
			runtime.Gosched()
			n = 0
		}
	}
}

// TryLock acquires l if it is free and reports whether it did.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases l. Unlocking an unlocked Lock panics.
func (l *Lock) Unlock() {
	if !l.state.CompareAndSwap(1, 0) {
		panic("spin: unlock of unlocked lock")
	}
}

// Held reports whether l is currently locked by anyone.
func (l *Lock) Held() bool {
	return l.state.Load() != 0
}

// Package clock defines the monotonic time source handed to the interrupt
// core and its consumers at construction time.
package clock

import (
	"sync/atomic"
	"time"
)

// Source reports monotonic time in nanoseconds since an arbitrary origin.
type Source interface {
	CurrentNanos() uint64
}

type systemSource struct {
	origin time.Time
}

// System returns a Source backed by the runtime's monotonic clock.
func System() Source {
	return systemSource{origin: time.Now()}
}

func (s systemSource) CurrentNanos() uint64 {
	return uint64(time.Since(s.origin).Nanoseconds())
}

// Manual is a Source that only moves when told to. It is safe for concurrent
// use.
type Manual struct {
	nanos atomic.Uint64
}

// NewManual returns a Manual source starting at start nanoseconds.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.nanos.Store(start)
	return m
}

func (m *Manual) CurrentNanos() uint64 { return m.nanos.Load() }

// Set moves the clock to nanos.
func (m *Manual) Set(nanos uint64) { m.nanos.Store(nanos) }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.nanos.Add(uint64(d.Nanoseconds()))
}

var (
	_ Source = systemSource{}
	_ Source = (*Manual)(nil)
)

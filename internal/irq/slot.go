package irq

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Slot is one entry of a CPU's interrupt table. Slots may be global or
// per-CPU.
type Slot struct {
	vector int
	pin    atomic.Pointer[Pin]
	table  *Table
}

// Vector returns the table index of the slot.
func (s *Slot) Vector() int { return s.vector }

// Link binds pin to this slot. From then on every raise of the slot goes to
// pin. Linking a slot to a second pin panics.
func (s *Slot) Link(pin *Pin) {
	if pin == nil {
		panic(fmt.Sprintf("irq: link of vector %d to nil pin", s.vector))
	}
	if s.pin.CompareAndSwap(nil, pin) {
		return
	}
	if cur := s.pin.Load(); cur != pin {
		panic(fmt.Sprintf("irq: vector %d already linked to pin %s, cannot link %s",
			s.vector, cur.Name(), pin.Name()))
	}
}

// Pin returns the linked pin or nil.
func (s *Slot) Pin() *Pin {
	return s.pin.Load()
}

// Raise forwards a hardware raise to the linked pin. A raise on an unlinked
// slot is logged and dropped.
func (s *Slot) Raise() Status {
	pin := s.pin.Load()
	if pin == nil {
		if s.table != nil {
			s.table.spurious(s.vector)
		}
		return StatusNull
	}
	return pin.Raise()
}

// Table is a vector table.
type Table struct {
	slots  []Slot
	logger *slog.Logger

	unexpected atomic.Uint64
	warn       rate.Sometimes
}

// NewTable returns a table of n unlinked slots.
func NewTable(n int) *Table {
	if n <= 0 {
		n = 256
	}
	t := &Table{
		slots:  make([]Slot, n),
		logger: slog.Default(),
		warn:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for i := range t.slots {
		t.slots[i].vector = i
		t.slots[i].table = t
	}
	return t
}

// SetLogger overrides the logger used for spurious-interrupt warnings. It
// must be called before the table is used.
func (t *Table) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	t.logger = logger
}

// Len returns the number of slots.
func (t *Table) Len() int { return len(t.slots) }

// Slot returns the slot for vector, or nil when out of range.
func (t *Table) Slot(vector int) *Slot {
	if vector < 0 || vector >= len(t.slots) {
		return nil
	}
	return &t.slots[vector]
}

// Raise delivers vector. Out-of-range vectors count as spurious.
func (t *Table) Raise(vector int) Status {
	slot := t.Slot(vector)
	if slot == nil {
		t.spurious(vector)
		return StatusNull
	}
	return slot.Raise()
}

// Spurious returns the number of raises that reached no pin.
func (t *Table) Spurious() uint64 {
	return t.unexpected.Load()
}

func (t *Table) spurious(vector int) {
	n := t.unexpected.Add(1)
	t.warn.Do(func() {
		t.logger.Warn("irq: spurious interrupt", "vector", vector, "count", n)
	})
}

// Package hpet emulates a high precision event timer whose comparators raise
// IO-APIC lines. A comparator can serve as the alarm of a timer engine.
package hpet

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/irq/internal/clock"
	"github.com/tinyrange/irq/internal/timer"
)

// LineDriver receives the HPET's interrupt outputs. *ioapic.IOAPIC
// implements it.
type LineDriver interface {
	SetIRQ(line int, high bool) error
}

const (
	clockPeriodFemtoseconds = 10_000_000 // 10ns
	tickNanos               = clockPeriodFemtoseconds / 1_000_000
	vendorID                = 0x8086

	// NumTimers is the number of comparators.
	NumTimers = 3

	timerConfIntType     uint64 = 1 << 1 // level vs edge
	timerConfIntEnable   uint64 = 1 << 2 // INT_ENB_CNF
	timerConfPeriodic    uint64 = 1 << 3 // TYPE_CNF
	timerConfPeriodicCap uint64 = 1 << 4 // PER_INT_CAP
	timerConfSizeCap     uint64 = 1 << 5 // SIZE_CAP
	timerConfValSet      uint64 = 1 << 6 // VAL_SET_CNF
	timerConf32Bit       uint64 = 1 << 8 // 32MODE_CNF

	timerConfIntRouteShift uint64 = 9
	timerConfIntRouteMask  uint64 = 0x1F << timerConfIntRouteShift

	timerConfFSBEnable uint64 = 1 << 14
	timerConfFSBCap    uint64 = 1 << 15

	timerWritableMask = timerConfIntType | timerConfIntEnable | timerConfPeriodic |
		timerConfValSet | timerConf32Bit | timerConfIntRouteMask | timerConfFSBEnable

	legacyReplacementCap = uint64(1 << 15)

	regGenCap      = 0x000
	regGenConfig   = 0x010
	regIntStatus   = 0x020
	regMainCounter = 0x0F0
	regTimerConfig = 0x100
	timerStride    = 0x20

	// BaseAddress is the conventional MMIO base.
	BaseAddress    = 0xfed00000
	MMIOWindowSize = 0x400
)

type comparator struct {
	config     uint64
	caps       uint64
	comparator uint64
	period     uint64
	fsRoute    uint64

	// wake polls the device when the comparator is due.
	wake *time.Timer
}

// Device is an HPET block. The main counter is derived from the clock
// source; comparators are checked by Poll, which each armed comparator
// schedules for its own expiry.
type Device struct {
	base  uint64
	clock clock.Source
	sink  LineDriver

	mu            sync.Mutex
	generalConfig uint64
	intStatus     uint64
	counter       uint64
	lastUpdate    uint64
	enabled       bool
	stopped       bool

	timers [NumTimers]comparator
	irqs   [NumTimers]uint64
	// Lines that fired but have not been pulsed yet.
	pending []int
}

// New returns an HPET at base driving sink.
func New(base uint64, src clock.Source, sink LineDriver) *Device {
	if src == nil {
		src = clock.System()
	}
	dev := &Device{
		base:       base,
		clock:      src,
		sink:       sink,
		lastUpdate: src.CurrentNanos(),
	}
	for i := range dev.timers {
		caps := timerConfPeriodicCap | timerConfSizeCap | (uint64(0xffffffff) << 32)
		caps &^= timerConfFSBCap
		dev.timers[i].caps = caps
		dev.timers[i].config = caps
	}
	return dev
}

// Counter returns the main counter.
func (d *Device) Counter() uint64 {
	d.mu.Lock()
	d.advanceCounterLocked(d.clock.CurrentNanos())
	counter := d.counter
	lines := d.takePendingLocked()
	d.mu.Unlock()

	d.deliver(lines)
	return counter
}

// Interrupts returns how many times comparator idx has fired.
func (d *Device) Interrupts(idx int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= NumTimers {
		return 0
	}
	return d.irqs[idx]
}

// Poll advances the counter and raises every comparator that has come due.
func (d *Device) Poll() {
	d.mu.Lock()
	d.advanceCounterLocked(d.clock.CurrentNanos())
	lines := d.takePendingLocked()
	d.mu.Unlock()
	d.deliver(lines)
}

func (d *Device) takePendingLocked() []int {
	lines := d.pending
	d.pending = nil
	return lines
}

// Stop cancels every scheduled wake-up. Afterwards the device only advances
// on Poll or register access.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for i := range d.timers {
		if t := d.timers[i].wake; t != nil {
			t.Stop()
			d.timers[i].wake = nil
		}
	}
}

// deliver pulses lines. It runs without the device lock: the pulse reaches
// the interrupt core, whose sinks may re-arm a comparator.
func (d *Device) deliver(lines []int) {
	if d.sink == nil {
		return
	}
	for _, line := range lines {
		_ = d.sink.SetIRQ(line, true)
		_ = d.sink.SetIRQ(line, false)
	}
}

// ReadMMIO handles HPET register reads.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if len(data) > 8 {
		return fmt.Errorf("hpet: invalid read size %d", len(data))
	}
	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.advanceCounterLocked(d.clock.CurrentNanos())

	// Registers are 64 bits wide; narrower reads see the addressed bytes.
	val := d.readRegisterLocked(offset&^7) >> ((offset & 7) * 8)
	lines := d.takePendingLocked()
	d.mu.Unlock()

	for i := 0; i < len(data); i++ {
		data[i] = byte(val >> (i * 8))
	}
	d.deliver(lines)
	return nil
}

func (d *Device) readRegisterLocked(reg uint64) uint64 {
	switch {
	case reg == regGenCap:
		return uint64(clockPeriodFemtoseconds)<<32 | uint64(vendorID)<<16 | uint64(1)<<13 | (NumTimers - 1) | legacyReplacementCap
	case reg == regGenConfig:
		return d.generalConfig
	case reg == regIntStatus:
		return d.intStatus
	case reg == regMainCounter:
		return d.counter
	case reg >= regTimerConfig:
		idx := (reg - regTimerConfig) / timerStride
		if idx >= NumTimers {
			return 0
		}
		t := &d.timers[idx]
		switch (reg - regTimerConfig) % timerStride {
		case 0x00:
			return t.config
		case 0x08:
			return t.comparator
		case 0x10:
			return t.fsRoute
		}
	}
	return 0
}

// WriteMMIO handles HPET register writes.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 8 || int(offset&7)+len(data) > 8 {
		return fmt.Errorf("hpet: invalid write of %d bytes at offset 0x%x", len(data), offset)
	}
	var val uint64
	for i := 0; i < len(data); i++ {
		val |= uint64(data[i]) << (i * 8)
	}
	shift := (offset & 7) * 8
	mask := ^uint64(0)
	if len(data) < 8 {
		mask = (uint64(1)<<(len(data)*8) - 1) << shift
	}
	val <<= shift
	offset &^= 7

	d.mu.Lock()
	now := d.clock.CurrentNanos()
	d.advanceCounterLocked(now)

	// Narrow writes keep the bytes they do not cover. Interrupt status is
	// write-one-to-clear, so it takes only the written bytes.
	if offset != regIntStatus {
		val = d.readRegisterLocked(offset)&^mask | val&mask
	}

	switch {
	case offset == regGenConfig:
		d.setEnabledLocked(val&1 == 1, now)
		d.generalConfig = val & 0x3
		for i := range d.timers {
			d.scheduleLocked(i, now)
		}
	case offset == regIntStatus:
		d.intStatus &^= val
	case offset == regMainCounter:
		d.counter = val
		d.lastUpdate = now
	case offset >= regTimerConfig:
		idx := (offset - regTimerConfig) / timerStride
		if idx >= NumTimers {
			break
		}
		t := &d.timers[idx]
		switch (offset - regTimerConfig) % timerStride {
		case 0x00:
			t.config = (val & timerWritableMask) | t.caps
			if (t.config & timerConf32Bit) != 0 {
				t.comparator &= 0xffffffff
				t.period &= 0xffffffff
			}
		case 0x08:
			if (t.config & timerConf32Bit) != 0 {
				val &= 0xffffffff
			}
			t.comparator = val
			t.period = val
		case 0x10:
			t.fsRoute = val
		}
		d.scheduleLocked(int(idx), now)
	}
	lines := d.takePendingLocked()
	d.mu.Unlock()

	d.deliver(lines)
	return nil
}

func (d *Device) offsetFor(addr uint64) (uint64, error) {
	if addr >= d.base && addr < d.base+MMIOWindowSize {
		return addr - d.base, nil
	}
	return 0, fmt.Errorf("hpet: address 0x%x outside MMIO window", addr)
}

func (d *Device) setEnabledLocked(enabled bool, now uint64) {
	if enabled && !d.enabled {
		d.lastUpdate = now
	}
	d.enabled = enabled
}

// advanceCounterLocked brings the counter up to now and queues the lines of
// comparators that fired. Sub-tick remainders carry over so the counter
// never lags the clock.
func (d *Device) advanceCounterLocked(now uint64) {
	if now < d.lastUpdate {
		d.lastUpdate = now
		return
	}

	prev := d.counter
	if !d.enabled {
		d.lastUpdate = now
		return
	}
	ticks := (now - d.lastUpdate) / tickNanos
	d.counter += ticks
	d.lastUpdate += ticks * tickNanos

	d.checkTimersLocked(prev)
}

func (d *Device) checkTimersLocked(prev uint64) {
	current := d.counter
	for i := range d.timers {
		t := &d.timers[i]
		if (t.config & timerConfIntEnable) == 0 {
			continue
		}
		// MSI/FSB delivery is not implemented.
		if (t.config & timerConfFSBEnable) != 0 {
			continue
		}

		period := t.period
		if (t.config&timerConfPeriodic) == 0 || period == 0 {
			if prev < t.comparator && current >= t.comparator {
				d.raiseLocked(i, t)
			}
			continue
		}

		fired := false
		comp := t.comparator
		for current >= comp {
			fired = true
			comp += period
		}
		t.comparator = comp
		if fired {
			d.raiseLocked(i, t)
			d.scheduleLocked(i, d.lastUpdate)
		}
	}
}

func (d *Device) raiseLocked(idx int, t *comparator) {
	d.intStatus |= 1 << idx
	d.irqs[idx]++
	d.pending = append(d.pending, d.routeForTimerLocked(idx, t))
}

func (d *Device) routeForTimerLocked(idx int, t *comparator) int {
	if (d.generalConfig & 2) != 0 {
		if idx == 0 {
			return 0
		}
		if idx == 1 {
			return 8
		}
	}
	return int((t.config & timerConfIntRouteMask) >> timerConfIntRouteShift)
}

// scheduleLocked arranges for Poll to run when comparator idx comes due.
func (d *Device) scheduleLocked(idx int, now uint64) {
	t := &d.timers[idx]
	if t.wake != nil {
		t.wake.Stop()
		t.wake = nil
	}
	if d.stopped || !d.enabled || (t.config&timerConfIntEnable) == 0 {
		return
	}
	var delay time.Duration
	if t.comparator > d.counter {
		due := d.lastUpdate + (t.comparator-d.counter)*tickNanos
		if due > now {
			delay = time.Duration(due - now)
		}
	}
	t.wake = time.AfterFunc(delay, d.Poll)
}

// Comparator returns comparator idx as a timer alarm routed to line.
func (d *Device) Comparator(idx int, line int) (*Comparator, error) {
	if idx < 0 || idx >= NumTimers {
		return nil, fmt.Errorf("hpet: comparator %d out of range", idx)
	}
	if line < 0 || uint64(line) > timerConfIntRouteMask>>timerConfIntRouteShift {
		return nil, fmt.Errorf("hpet: line %d cannot be routed", line)
	}
	return &Comparator{dev: d, idx: idx, line: line}, nil
}

// Comparator drives one HPET comparator in one-shot mode.
type Comparator struct {
	dev  *Device
	idx  int
	line int
}

// Arm implements timer.Alarm. deadline is in clock source nanoseconds. The
// comparator is rounded up to the next tick so it never fires early.
func (c *Comparator) Arm(deadline uint64) {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.CurrentNanos()
	d.advanceCounterLocked(now)
	if len(d.pending) > 0 && !d.stopped {
		// Arm runs under the engine lock, so lines that fired while catching
		// up are left for Poll.
		time.AfterFunc(0, d.Poll)
	}
	d.setEnabledLocked(true, now)
	d.generalConfig |= 1

	t := &d.timers[c.idx]
	var ticks uint64
	if deadline > d.lastUpdate {
		ticks = (deadline - d.lastUpdate + tickNanos - 1) / tickNanos
	}
	// A deadline that has passed fires on the next tick.
	t.comparator = d.counter + max(ticks, 1)
	t.period = 0
	t.config &^= timerConfPeriodic | timerConfIntRouteMask | timerConfIntType
	t.config |= timerConfIntEnable | uint64(c.line)<<timerConfIntRouteShift
	d.scheduleLocked(c.idx, now)
}

// Disarm implements timer.Alarm.
func (c *Comparator) Disarm() {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &d.timers[c.idx]
	t.config &^= timerConfIntEnable
	if t.wake != nil {
		t.wake.Stop()
		t.wake = nil
	}
}

var _ timer.Alarm = (*Comparator)(nil)

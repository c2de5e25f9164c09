// Package ioapic emulates an x86 IO-APIC whose input lines back irq pins.
package ioapic

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/irq/internal/irq"
	"github.com/tinyrange/irq/internal/spin"
)

const (
	// BaseAddress is the legacy MMIO base for the first IO-APIC.
	BaseAddress uint64 = 0xFEC00000

	registerWindowSize = 0x20

	registerSelect = 0x00
	registerData   = 0x10

	idRegister           = 0x00
	versionRegister      = 0x01
	arbitrationRegister  = 0x02
	redirectionTableBase = 0x10

	version = 0x11

	// DefaultLines is the entry count of a standard IO-APIC.
	DefaultLines = 24
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
)

// Redirection bits that register writes may change.
const redirectionWriteMask uint64 = 0xFFFF0000000000FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask bit

// Router delivers a vector to the CPU side. *irq.Table implements it.
type Router interface {
	Raise(vector int) irq.Status
}

type noopRouter struct{}

func (noopRouter) Raise(int) irq.Status { return irq.StatusNull }

// IOAPIC models the redirection table of one IO-APIC. Deliveries are routed
// after the device lock is dropped so the receiving pin can call back into
// the line's controller.
type IOAPIC struct {
	mu spin.Lock

	entries []redirection
	index   uint8
	id      uint8

	router Router
	stats  Stats
}

// Stats counts deliveries.
type Stats struct {
	Interrupts uint64
	PerLine    []uint64
}

// New builds an IO-APIC with numEntries input lines, all masked.
func New(numEntries int) *IOAPIC {
	if numEntries <= 0 {
		numEntries = DefaultLines
	}
	entries := make([]redirection, numEntries)
	for i := range entries {
		entries[i] = newRedirection()
	}
	return &IOAPIC{
		entries: entries,
		router:  noopRouter{},
		stats: Stats{
			PerLine: make([]uint64, numEntries),
		},
	}
}

// Lines returns the number of input lines.
func (a *IOAPIC) Lines() int { return len(a.entries) }

// SetRouter sets the destination of deliveries.
func (a *IOAPIC) SetRouter(r Router) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r == nil {
		a.router = noopRouter{}
	} else {
		a.router = r
	}
}

// SetIRQ changes the logical level of input line.
func (a *IOAPIC) SetIRQ(line int, high bool) error {
	a.mu.Lock()
	if line < 0 || line >= len(a.entries) {
		a.mu.Unlock()
		return fmt.Errorf("ioapic: line %d out of range", line)
	}
	entry := &a.entries[line]
	var vector int
	deliver := false
	if high {
		vector, deliver = entry.assert(&a.stats, line)
	} else {
		entry.deassert()
	}
	router := a.router
	a.mu.Unlock()

	if deliver {
		router.Raise(vector)
	}
	return nil
}

// Pulse raises and lowers line, producing one edge.
func (a *IOAPIC) Pulse(line int) error {
	if err := a.SetIRQ(line, true); err != nil {
		return err
	}
	return a.SetIRQ(line, false)
}

// SetVector writes the destination vector of line.
func (a *IOAPIC) SetVector(line int, vector uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if line < 0 || line >= len(a.entries) {
		return fmt.Errorf("ioapic: line %d out of range", line)
	}
	a.entries[line].setVector(vector)
	return nil
}

// Line returns the pin controller for input line.
func (a *IOAPIC) Line(line int) (*Line, error) {
	if line < 0 || line >= len(a.entries) {
		return nil, fmt.Errorf("ioapic: line %d out of range", line)
	}
	return &Line{apic: a, line: line}, nil
}

// SetupPin routes line to vector and returns an unconfigured pin for it.
func (a *IOAPIC) SetupPin(name string, line int, vector uint8) (*irq.Pin, error) {
	ctrl, err := a.Line(line)
	if err != nil {
		return nil, err
	}
	if err := a.SetVector(line, vector); err != nil {
		return nil, err
	}
	return irq.NewPin(name, ctrl), nil
}

// Stats returns a copy of the delivery counters.
func (a *IOAPIC) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Stats{Interrupts: a.stats.Interrupts, PerLine: make([]uint64, len(a.stats.PerLine))}
	copy(out.PerLine, a.stats.PerLine)
	return out
}

// Line is one IO-APIC input seen as an irq.Controller.
type Line struct {
	apic *IOAPIC
	line int
}

// Program implements irq.Controller. Edge lines are acknowledged with a
// plain EOI; level lines stay masked until the consumer acknowledges.
func (l *Line) Program(mode irq.TriggerMode, polarity irq.Polarity) irq.Strategy {
	l.apic.mu.Lock()
	defer l.apic.mu.Unlock()

	entry := &l.apic.entries[l.line]
	entry.r.setTriggerLevel(mode == irq.TriggerLevel)
	entry.r.setActiveLow(polarity == irq.PolarityLow)
	entry.r.setMasked(false)

	if mode == irq.TriggerLevel {
		return irq.StrategyMaskThenEOI
	}
	return irq.StrategyJustEOI
}

// Mask implements irq.Controller.
func (l *Line) Mask() {
	l.apic.mu.Lock()
	defer l.apic.mu.Unlock()
	l.apic.entries[l.line].r.setMasked(true)
}

// Unmask implements irq.Controller. A line that is still asserted is not
// redelivered here; the pin's Kick re-evaluates it.
func (l *Line) Unmask() {
	l.apic.mu.Lock()
	defer l.apic.mu.Unlock()
	l.apic.entries[l.line].r.setMasked(false)
}

// SendEOI implements irq.Controller by clearing remote-IRR.
func (l *Line) SendEOI() {
	l.apic.mu.Lock()
	defer l.apic.mu.Unlock()
	l.apic.entries[l.line].r.setRemoteIRR(false)
}

// Asserted implements irq.LevelSensor.
func (l *Line) Asserted() bool {
	l.apic.mu.Lock()
	defer l.apic.mu.Unlock()
	return l.apic.entries[l.line].lineLevel
}

// Masked reports the mask bit of the line.
func (l *Line) Masked() bool {
	l.apic.mu.Lock()
	defer l.apic.mu.Unlock()
	return l.apic.entries[l.line].r.masked()
}

var (
	_ irq.Controller  = (*Line)(nil)
	_ irq.LevelSensor = (*Line)(nil)
)

// ReadMMIO reads the select or data register.
func (a *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	if !inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: read outside MMIO window: 0x%x", addr)
	}

	offset := addr - BaseAddress
	var value uint32

	a.mu.Lock()
	switch offset {
	case registerSelect:
		value = uint32(a.index)
	case registerData:
		value = a.readRegister(a.index)
	default:
		a.mu.Unlock()
		return fmt.Errorf("ioapic: invalid read offset 0x%x", offset)
	}
	a.mu.Unlock()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, value)
	copy(data, buf[:min(len(data), 8)])
	return nil
}

// WriteMMIO writes the select or data register. Unmasking a line that is
// high delivers it.
func (a *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	if !inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: write outside MMIO window: 0x%x", addr)
	}
	offset := addr - BaseAddress

	a.mu.Lock()
	var (
		vector  int
		deliver bool
	)
	switch offset {
	case registerSelect:
		if len(data) == 0 {
			a.mu.Unlock()
			return fmt.Errorf("ioapic: empty write to select register")
		}
		a.index = data[0]
	case registerData:
		if len(data) != 4 && len(data) != 8 {
			a.mu.Unlock()
			return fmt.Errorf("ioapic: invalid data register write size %d", len(data))
		}
		vector, deliver = a.writeRegister(a.index, binary.LittleEndian.Uint32(data))
	default:
		a.mu.Unlock()
		return fmt.Errorf("ioapic: invalid write offset 0x%x", offset)
	}
	router := a.router
	a.mu.Unlock()

	if deliver {
		router.Raise(vector)
	}
	return nil
}

func (a *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == idRegister:
		return uint32(a.id&0x0f) << 24
	case index == versionRegister:
		return uint32(version) | uint32(len(a.entries)-1)<<16
	case index == arbitrationRegister:
		return 0
	case index >= redirectionTableBase:
		entry := a.entryForIndex(index - redirectionTableBase)
		if entry == nil {
			return 0
		}
		raw := entry.r.value
		if (index-redirectionTableBase)&1 == 1 {
			return uint32(raw >> 32)
		}
		return uint32(raw)
	default:
		return 0
	}
}

func (a *IOAPIC) writeRegister(index uint8, value uint32) (int, bool) {
	switch {
	case index == idRegister:
		a.id = uint8((value >> 24) & 0x0f)
	case index == versionRegister, index == arbitrationRegister:
		// Read-only.
	case index >= redirectionTableBase:
		return a.writeRedirection(index-redirectionTableBase, value)
	}
	return 0, false
}

func (a *IOAPIC) writeRedirection(index uint8, value uint32) (int, bool) {
	entry := a.entryForIndex(index)
	if entry == nil {
		return 0, false
	}

	raw := entry.r.value
	val := uint64(value)
	lowMask := redirectionWriteMask & 0xffffffff
	highMask := redirectionWriteMask & 0xffffffff00000000

	wasMasked := entry.r.masked()
	if index&1 == 1 {
		raw &= ^highMask
		raw |= (val << 32) & highMask
	} else {
		raw &= ^lowMask
		raw |= val & lowMask
	}
	entry.r.value = raw

	// An unmask while the input is high counts as a rising edge.
	forceEdge := wasMasked && !entry.r.masked() && entry.lineLevel
	return entry.evaluate(&a.stats, int(index/2), forceEdge)
}

func (a *IOAPIC) entryForIndex(index uint8) *redirection {
	n := int(index / 2)
	if n >= len(a.entries) {
		return nil
	}
	return &a.entries[n]
}

func inRange(addr uint64, size uint64) bool {
	if addr < BaseAddress {
		return false
	}
	return addr+size <= BaseAddress+registerWindowSize
}

type redirection struct {
	r         entryBits
	lineLevel bool
}

func newRedirection() redirection {
	var value uint64
	value |= 1 << 16 // masked until programmed
	return redirection{r: entryBits{value: value}}
}

func (r *redirection) setVector(vector uint8) {
	r.r.value = r.r.value&^0xff | uint64(vector)
}

func (r *redirection) assert(stats *Stats, line int) (int, bool) {
	edge := !r.lineLevel
	r.lineLevel = true
	return r.evaluate(stats, line, edge)
}

func (r *redirection) deassert() {
	r.lineLevel = false
}

// evaluate decides whether the entry delivers now and returns its vector.
func (r *redirection) evaluate(stats *Stats, line int, edge bool) (int, bool) {
	if r.r.masked() {
		return 0, false
	}
	isLevel := r.r.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.r.remoteIRR()):
		return 0, false
	case !isLevel && !edge:
		return 0, false
	}

	r.r.setRemoteIRR(isLevel)
	stats.Interrupts++
	if line < len(stats.PerLine) {
		stats.PerLine[line]++
	}
	return int(r.r.vector()), true
}

type entryBits struct {
	value uint64
}

func (r entryBits) vector() uint8 { return uint8(r.value & 0xff) }

func (r entryBits) deliveryMode() uint8 { return uint8((r.value >> 8) & 0x7) }

func (r entryBits) masked() bool { return (r.value>>16)&1 == 1 }

func (r entryBits) remoteIRR() bool { return (r.value>>14)&1 == 1 }

func (r entryBits) triggerModeLevel() bool { return (r.value>>15)&1 == 1 }

func (r *entryBits) setBit(bit uint, on bool) {
	if on {
		r.value |= 1 << bit
	} else {
		r.value &^= 1 << bit
	}
}

func (r *entryBits) setRemoteIRR(on bool) { r.setBit(14, on) }
func (r *entryBits) setMasked(on bool) { r.setBit(16, on) }
func (r *entryBits) setTriggerLevel(on bool) { r.setBit(15, on) }
func (r *entryBits) setActiveLow(on bool) { r.setBit(13, on) }

func (r entryBits) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}

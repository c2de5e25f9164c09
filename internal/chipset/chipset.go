package chipset

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tinyrange/irq/internal/clock"
	"github.com/tinyrange/irq/internal/devices/hpet"
	"github.com/tinyrange/irq/internal/devices/ioapic"
	"github.com/tinyrange/irq/internal/devices/msi"
	"github.com/tinyrange/irq/internal/irq"
	"github.com/tinyrange/irq/internal/shared"
	"github.com/tinyrange/irq/internal/spin"
	"github.com/tinyrange/irq/internal/timer"
)

// KickRecorder is optionally implemented by the recorder passed to
// Builder.WithRecorder to time Chipset.Kick.
type KickRecorder interface {
	RecordKick(d time.Duration)
}

type pinBinding struct {
	pin    *irq.Pin
	vector int
	assert func(high bool) error
	pulse  func() error
}

type endpoint struct {
	pin    string
	handle shared.Handle[irq.Object]
}

type timerBinding struct {
	pin    string
	engine *timer.Engine
	stop   func()
}

// Chipset is a built interrupt topology: the slot table, the controllers
// behind it, and the named objects and timers consuming its pins.
type Chipset struct {
	logger   *slog.Logger
	clock    clock.Source
	table    *irq.Table
	recorder irq.Recorder
	watchdog time.Duration

	ioapics map[string]*ioapic.IOAPIC
	msis    map[string]*msi.Controller
	// hpets are keyed by the IO-APIC they drive.
	hpets map[string]*hpet.Device

	pins     map[string]*pinBinding
	pinNames []string
	timers   map[string]*timerBinding

	// mu guards endpoint handles and closed.
	mu        sync.Mutex
	endpoints map[string]*endpoint
	closed    bool
}

// Table returns the slot table that controllers deliver into.
func (cs *Chipset) Table() *irq.Table { return cs.table }

// Clock returns the time source shared by pins and timers.
func (cs *Chipset) Clock() clock.Source { return cs.clock }

// Pins returns the pin names in sorted order.
func (cs *Chipset) Pins() []string {
	return append([]string(nil), cs.pinNames...)
}

// Pin returns the named pin.
func (cs *Chipset) Pin(name string) (*irq.Pin, error) {
	binding, ok := cs.pins[name]
	if !ok {
		return nil, fmt.Errorf("chipset: %w %q", ErrUnknownPin, name)
	}
	return binding.pin, nil
}

// Vector returns the slot vector the named pin is linked to.
func (cs *Chipset) Vector(name string) (int, error) {
	binding, ok := cs.pins[name]
	if !ok {
		return 0, fmt.Errorf("chipset: %w %q", ErrUnknownPin, name)
	}
	return binding.vector, nil
}

// IOAPIC returns the named IO-APIC, or nil.
func (cs *Chipset) IOAPIC(name string) *ioapic.IOAPIC { return cs.ioapics[name] }

// HPET returns the HPET wired to the named IO-APIC, or nil if no timer
// uses one.
func (cs *Chipset) HPET(controller string) *hpet.Device { return cs.hpets[controller] }

// MSI returns the named MSI controller, or nil.
func (cs *Chipset) MSI(name string) *msi.Controller { return cs.msis[name] }

// Endpoint returns a new owning handle to the named interrupt object. The
// caller must Reset it when done; the object is retired once the chipset is
// closed and every handle has been reset.
func (cs *Chipset) Endpoint(name string) (shared.Handle[irq.Object], error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return shared.Handle[irq.Object]{}, fmt.Errorf("chipset: endpoint %q: %w", name, ErrClosed)
	}
	ep, ok := cs.endpoints[name]
	if !ok {
		return shared.Handle[irq.Object]{}, fmt.Errorf("chipset: %w %q", ErrUnknownEndpoint, name)
	}
	return ep.handle.Clone(), nil
}

// ReleaseEndpoint drops a handle obtained from Endpoint. Handles must be
// released through the chipset because their count is guarded by its lock.
func (cs *Chipset) ReleaseEndpoint(h *shared.Handle[irq.Object]) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	h.Reset()
}

// Endpoints returns the endpoint names in sorted order.
func (cs *Chipset) Endpoints() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	names := make([]string, 0, len(cs.endpoints))
	for name := range cs.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timer returns the named timer engine.
func (cs *Chipset) Timer(name string) (*timer.Engine, error) {
	binding, ok := cs.timers[name]
	if !ok {
		return nil, fmt.Errorf("chipset: %w %q", ErrUnknownTimer, name)
	}
	return binding.engine, nil
}

// After installs a timer on the named engine that runs fn once d has
// elapsed on the chipset clock. fn runs inside the raise of the timer's pin
// with that pin locked: it must not block, and it must not Acknowledge, Kick,
// Pulse or Assert the same pin.
func (cs *Chipset) After(name string, d time.Duration, fn func()) (*timer.Timer, error) {
	engine, err := cs.Timer(name)
	if err != nil {
		return nil, err
	}
	t := timer.NewTimer(cs.clock.CurrentNanos()+uint64(d.Nanoseconds()), fn)
	if err := engine.Install(t); err != nil {
		return nil, fmt.Errorf("chipset: timer %q: %w", name, err)
	}
	return t, nil
}

// Assert drives the input of the named pin. For MSI pins a high level sends
// one message and a low level does nothing.
func (cs *Chipset) Assert(name string, high bool) error {
	binding, ok := cs.pins[name]
	if !ok {
		return fmt.Errorf("chipset: %w %q", ErrUnknownPin, name)
	}
	if err := binding.assert(high); err != nil {
		return fmt.Errorf("chipset: assert %q: %w", name, err)
	}
	return nil
}

// Pulse produces a single edge on the named pin.
func (cs *Chipset) Pulse(name string) error {
	binding, ok := cs.pins[name]
	if !ok {
		return fmt.Errorf("chipset: %w %q", ErrUnknownPin, name)
	}
	if err := binding.pulse(); err != nil {
		return fmt.Errorf("chipset: pulse %q: %w", name, err)
	}
	return nil
}

// Raise delivers vector straight into the slot table, as if the CPU had
// taken it. Vectors without a pin count as spurious.
func (cs *Chipset) Raise(vector int) irq.Status {
	return cs.table.Raise(vector)
}

// Acknowledge acknowledges the pin behind the named endpoint.
func (cs *Chipset) Acknowledge(name string) error {
	obj, err := cs.object(name)
	if err != nil {
		return err
	}
	if err := obj.Acknowledge(); err != nil {
		return fmt.Errorf("chipset: acknowledge %q: %w", name, err)
	}
	return nil
}

// Kick re-raises the pin behind the named endpoint if its input is still
// asserted.
func (cs *Chipset) Kick(name string) (bool, error) {
	obj, err := cs.object(name)
	if err != nil {
		return false, err
	}
	start := time.Now()
	kicked, err := obj.Kick()
	if r, ok := cs.recorder.(KickRecorder); ok {
		r.RecordKick(time.Since(start))
	}
	if err != nil {
		return false, fmt.Errorf("chipset: kick %q: %w", name, err)
	}
	return kicked, nil
}

// object returns the endpoint object without taking a handle. The chipset's
// own handle keeps it alive until Close.
func (cs *Chipset) object(name string) (*irq.Object, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return nil, fmt.Errorf("chipset: endpoint %q: %w", name, ErrClosed)
	}
	ep, ok := cs.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("chipset: %w %q", ErrUnknownEndpoint, name)
	}
	return ep.handle.Get(), nil
}

// States returns a snapshot of every pin, sorted by name.
func (cs *Chipset) States() []irq.PinState {
	out := make([]irq.PinState, 0, len(cs.pinNames))
	for _, name := range cs.pinNames {
		out = append(out, cs.pins[name].pin.State())
	}
	return out
}

// CheckPending runs one watchdog pass and returns how many pins reported a
// new stuck episode.
func (cs *Chipset) CheckPending() int {
	n := 0
	for _, name := range cs.pinNames {
		if cs.pins[name].pin.WarnIfPending() {
			n++
		}
	}
	return n
}

// Poll runs the pending-acknowledge watchdog until ctx is done.
func (cs *Chipset) Poll(ctx context.Context) error {
	ticker := time.NewTicker(cs.watchdog)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := cs.CheckPending(); n > 0 {
				cs.logger.Debug("chipset: watchdog pass", "stuck", n)
			}
		}
	}
}

// Close stops every timer alarm and drops the chipset's endpoint handles.
// Objects with no outstanding handles are retired immediately; the rest are
// retired when their last handle is released.
func (cs *Chipset) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return fmt.Errorf("chipset: %w", ErrClosed)
	}
	cs.closed = true
	for _, ep := range cs.endpoints {
		ep.handle.Reset()
	}
	cs.mu.Unlock()

	for _, binding := range cs.timers {
		binding.stop()
	}
	return nil
}

// softAlarm backs a timer engine's compare register with a runtime timer.
// On expiry it pulses the engine's pin, so the engine runs from interrupt
// delivery like any other sink.
type softAlarm struct {
	clock clock.Source
	fire  func() error

	mu      spin.Lock
	t       *time.Timer
	stopped bool
}

func (a *softAlarm) Arm(deadline uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if a.t != nil {
		a.t.Stop()
	}
	var delay time.Duration
	if now := a.clock.CurrentNanos(); deadline > now {
		delay = time.Duration(deadline - now)
	}
	a.t = time.AfterFunc(delay, func() { _ = a.fire() })
}

func (a *softAlarm) Disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
}

func (a *softAlarm) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
}

var _ timer.Alarm = (*softAlarm)(nil)

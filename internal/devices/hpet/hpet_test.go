package hpet

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/irq/internal/clock"
	"github.com/tinyrange/irq/internal/devices/ioapic"
	"github.com/tinyrange/irq/internal/irq"
	"github.com/tinyrange/irq/internal/timer"
)

type lineLog struct {
	mu    sync.Mutex
	edges []int
}

func (l *lineLog) SetIRQ(line int, high bool) error {
	if high {
		l.mu.Lock()
		l.edges = append(l.edges, line)
		l.mu.Unlock()
	}
	return nil
}

func (l *lineLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.edges)
}

// newManualDevice returns a device that only advances when the test polls.
func newManualDevice(sink LineDriver) (*Device, *clock.Manual) {
	src := clock.NewManual(1000)
	dev := New(BaseAddress, src, sink)
	dev.Stop()
	return dev, src
}

func TestComparatorFiresAtDeadline(t *testing.T) {
	log := &lineLog{}
	dev, src := newManualDevice(log)

	c, err := dev.Comparator(0, 2)
	if err != nil {
		t.Fatalf("comparator: %v", err)
	}
	c.Arm(src.CurrentNanos() + 100)

	src.Advance(50 * time.Nanosecond)
	dev.Poll()
	if log.count() != 0 {
		t.Fatalf("fired before deadline")
	}

	src.Advance(50 * time.Nanosecond)
	dev.Poll()
	if log.count() != 1 || log.edges[0] != 2 {
		t.Fatalf("edges = %v, want [2]", log.edges)
	}
	if dev.Interrupts(0) != 1 {
		t.Fatalf("interrupts = %d, want 1", dev.Interrupts(0))
	}

	src.Advance(time.Microsecond)
	dev.Poll()
	if log.count() != 1 {
		t.Fatalf("one-shot comparator fired again")
	}
}

func TestDeadlineRoundsUp(t *testing.T) {
	log := &lineLog{}
	dev, src := newManualDevice(log)
	c, _ := dev.Comparator(1, 3)

	c.Arm(src.CurrentNanos() + 15)
	src.Advance(10 * time.Nanosecond)
	dev.Poll()
	if log.count() != 0 {
		t.Fatalf("fired 5ns early")
	}
	src.Advance(10 * time.Nanosecond)
	dev.Poll()
	if log.count() != 1 {
		t.Fatalf("did not fire after deadline")
	}
}

func TestPastDeadlineFiresOnNextTick(t *testing.T) {
	log := &lineLog{}
	dev, src := newManualDevice(log)
	c, _ := dev.Comparator(0, 2)

	c.Arm(0)
	src.Advance(10 * time.Nanosecond)
	dev.Poll()
	if log.count() != 1 {
		t.Fatalf("past deadline did not fire")
	}
}

func TestDisarmSuppressesInterrupt(t *testing.T) {
	log := &lineLog{}
	dev, src := newManualDevice(log)
	c, _ := dev.Comparator(0, 2)

	c.Arm(src.CurrentNanos() + 100)
	c.Disarm()
	src.Advance(time.Microsecond)
	dev.Poll()
	if log.count() != 0 {
		t.Fatalf("disarmed comparator fired")
	}
}

func TestComparatorRange(t *testing.T) {
	dev, _ := newManualDevice(nil)
	if _, err := dev.Comparator(NumTimers, 0); err == nil {
		t.Fatalf("expected error for comparator out of range")
	}
	if _, err := dev.Comparator(0, 32); err == nil {
		t.Fatalf("expected error for unroutable line")
	}
}

func TestGuestProgrammedPeriodicTimer(t *testing.T) {
	log := &lineLog{}
	dev, src := newManualDevice(log)

	capsLow := read32(t, dev, regGenCap)
	if got := capsLow & 0x1f; got != NumTimers-1 {
		t.Fatalf("timer count field = %d, want %d", got, NumTimers-1)
	}
	if got := read32(t, dev, regGenCap+4); got != clockPeriodFemtoseconds {
		t.Fatalf("period = %d, want %d", got, clockPeriodFemtoseconds)
	}

	write64(t, dev, regGenConfig, 1)
	write64(t, dev, regTimerConfig, timerConfIntEnable|timerConfPeriodic|5<<timerConfIntRouteShift)
	write64(t, dev, regTimerConfig+0x08, 10)

	src.Advance(250 * time.Nanosecond)
	dev.Poll()
	if log.count() != 1 || log.edges[0] != 5 {
		t.Fatalf("edges = %v, want [5]", log.edges)
	}
	if status := read32(t, dev, regIntStatus); status&1 == 0 {
		t.Fatalf("interrupt status not set")
	}
	write64(t, dev, regIntStatus, 1)
	if status := read32(t, dev, regIntStatus); status&1 != 0 {
		t.Fatalf("interrupt status not cleared")
	}

	src.Advance(100 * time.Nanosecond)
	dev.Poll()
	if log.count() != 2 {
		t.Fatalf("periodic timer did not fire again")
	}
}

func TestNarrowRegisterAccess(t *testing.T) {
	dev, _ := newManualDevice(&lineLog{})

	write32(t, dev, regMainCounter+4, 1)
	write32(t, dev, regMainCounter, 5)
	if got := read64(t, dev, regMainCounter); got != 1<<32|5 {
		t.Fatalf("counter = 0x%x, want 0x100000005", got)
	}
	if got := read32(t, dev, regMainCounter+4); got != 1 {
		t.Fatalf("counter high half = %d, want 1", got)
	}

	write32(t, dev, regTimerConfig+0x08, 7)
	write32(t, dev, regTimerConfig+0x0c, 2)
	if got := read64(t, dev, regTimerConfig+0x08); got != 2<<32|7 {
		t.Fatalf("comparator = 0x%x, want 0x200000007", got)
	}

	buf := make([]byte, 4)
	if err := dev.WriteMMIO(BaseAddress+regMainCounter+6, buf); err == nil {
		t.Fatalf("expected error for write crossing a register")
	}
}

func TestAlarmDrivesTimerEngineThroughIOAPIC(t *testing.T) {
	apic := ioapic.New(24)
	table := irq.NewTable(256)
	apic.SetRouter(table)

	pin, err := apic.SetupPin("hpet0", 2, 0x30)
	if err != nil {
		t.Fatalf("setup pin: %v", err)
	}
	pin.Configure(irq.TriggerEdge, irq.PolarityHigh)
	table.Slot(0x30).Link(pin)

	dev, src := newManualDevice(apic)
	alarm, _ := dev.Comparator(0, 2)
	engine := timer.NewEngine(src, alarm)
	irq.AttachIrq(pin, engine.Sink())

	var fired []int
	for i, d := range []time.Duration{3 * time.Microsecond, time.Microsecond} {
		t0 := timer.NewTimer(src.CurrentNanos()+uint64(d), func() { fired = append(fired, i) })
		if err := engine.Install(t0); err != nil {
			t.Fatalf("install: %v", err)
		}
	}

	src.Advance(time.Microsecond)
	dev.Poll()
	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("fired = %v, want [1]", fired)
	}

	// The engine re-armed the comparator for the later timer.
	src.Advance(2 * time.Microsecond)
	dev.Poll()
	if len(fired) != 2 || fired[1] != 0 {
		t.Fatalf("fired = %v, want [1 0]", fired)
	}
	if engine.Pending() != 0 {
		t.Fatalf("pending timers = %d", engine.Pending())
	}
	if pin.State().RaiseSequence != 2 {
		t.Fatalf("pin raised %d times, want 2", pin.State().RaiseSequence)
	}
}

func read32(t *testing.T, dev *Device, offset uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := dev.ReadMMIO(BaseAddress+offset, buf); err != nil {
		t.Fatalf("read 0x%x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func write64(t *testing.T, dev *Device, offset uint64, value uint64) {
	t.Helper()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	if err := dev.WriteMMIO(BaseAddress+offset, buf); err != nil {
		t.Fatalf("write 0x%x: %v", offset, err)
	}
}

func read64(t *testing.T, dev *Device, offset uint64) uint64 {
	t.Helper()
	buf := make([]byte, 8)
	if err := dev.ReadMMIO(BaseAddress+offset, buf); err != nil {
		t.Fatalf("read 0x%x: %v", offset, err)
	}
	return binary.LittleEndian.Uint64(buf)
}

func write32(t *testing.T, dev *Device, offset uint64, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := dev.WriteMMIO(BaseAddress+offset, buf); err != nil {
		t.Fatalf("write 0x%x: %v", offset, err)
	}
}

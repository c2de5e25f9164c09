package ioapic

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/irq/internal/irq"
)

type testRouter struct {
	vectors []int
}

func (r *testRouter) Raise(vector int) irq.Status {
	r.vectors = append(r.vectors, vector)
	return irq.StatusHandled
}

func TestVersionRegister(t *testing.T) {
	dev := New(24)

	writeIndex(t, dev, versionRegister)
	value := readData(t, dev)
	if got, want := value&0xff, uint32(version); got != want {
		t.Fatalf("version register = 0x%x, want 0x%x", got, want)
	}
	if got, want := (value>>16)&0xff, uint32(dev.Lines()-1); got != want {
		t.Fatalf("max redirection entry = %d, want %d", got, want)
	}
}

func TestGuestProgrammedEdgeDelivery(t *testing.T) {
	dev := New(24)
	router := &testRouter{}
	dev.SetRouter(router)

	programRedirection(t, dev, 0, 0x45, false, false)

	mustSetIRQ(t, dev, 0, true)
	if len(router.vectors) != 1 || router.vectors[0] != 0x45 {
		t.Fatalf("deliveries = %v, want [0x45]", router.vectors)
	}

	// Holding the line high does not retrigger.
	mustSetIRQ(t, dev, 0, true)
	if len(router.vectors) != 1 {
		t.Fatalf("retriggered while line high")
	}

	mustSetIRQ(t, dev, 0, false)
	mustSetIRQ(t, dev, 0, true)
	if len(router.vectors) != 2 {
		t.Fatalf("expected second delivery, got %d", len(router.vectors))
	}
}

func TestUnmaskWhileHighDelivers(t *testing.T) {
	dev := New(24)
	router := &testRouter{}
	dev.SetRouter(router)

	programRedirection(t, dev, 2, 0x50, false, true)
	mustSetIRQ(t, dev, 2, true)
	if len(router.vectors) != 0 {
		t.Fatalf("masked line delivered")
	}

	programRedirection(t, dev, 2, 0x50, false, false)
	if len(router.vectors) != 1 {
		t.Fatalf("unmask of high line did not deliver")
	}
}

func TestEdgePinThroughTable(t *testing.T) {
	dev := New(24)
	table := irq.NewTable(256)
	dev.SetRouter(table)

	pin, err := dev.SetupPin("com1", 4, 0x34)
	if err != nil {
		t.Fatalf("setup pin: %v", err)
	}
	pin.Configure(irq.TriggerEdge, irq.PolarityHigh)
	table.Slot(0x34).Link(pin)

	var seqs []uint64
	irq.AttachIrq(pin, irq.NewSinkFunc(func(seq uint64) irq.Status {
		seqs = append(seqs, seq)
		return irq.StatusHandled
	}))

	for i := 0; i < 3; i++ {
		if err := dev.Pulse(4); err != nil {
			t.Fatalf("pulse: %v", err)
		}
	}

	if len(seqs) != 3 || seqs[2] != 3 {
		t.Fatalf("sink sequences = %v, want [1 2 3]", seqs)
	}
	line, _ := dev.Line(4)
	if line.Masked() {
		t.Fatalf("edge line left masked")
	}
	if got := dev.Stats().PerLine[4]; got != 3 {
		t.Fatalf("per-line deliveries = %d, want 3", got)
	}
}

func TestLevelPinMaskedUntilAcknowledged(t *testing.T) {
	dev := New(24)
	table := irq.NewTable(256)
	dev.SetRouter(table)

	pin, err := dev.SetupPin("ahci", 11, 0x3b)
	if err != nil {
		t.Fatalf("setup pin: %v", err)
	}
	pin.Configure(irq.TriggerLevel, irq.PolarityLow)
	table.Slot(0x3b).Link(pin)

	obj := irq.NewObject()
	irq.AttachIrq(pin, obj)

	mustSetIRQ(t, dev, 11, true)
	line, _ := dev.Line(11)
	if !line.Masked() {
		t.Fatalf("level line not masked after raise")
	}
	if obj.CurrentSequence() != 1 {
		t.Fatalf("object sequence = %d, want 1", obj.CurrentSequence())
	}

	// The device keeps the line asserted; nothing new is delivered.
	mustSetIRQ(t, dev, 11, true)
	if obj.CurrentSequence() != 1 {
		t.Fatalf("masked level line redelivered")
	}

	if err := obj.Acknowledge(); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if line.Masked() {
		t.Fatalf("line still masked after acknowledge")
	}

	// Still asserted after acknowledge, so a kick re-raises.
	if kicked, _ := obj.Kick(); !kicked {
		t.Fatalf("kick did not re-raise asserted line")
	}
	if obj.CurrentSequence() != 2 {
		t.Fatalf("object sequence = %d, want 2", obj.CurrentSequence())
	}

	mustSetIRQ(t, dev, 11, false)
	obj.Acknowledge()
	if kicked, _ := obj.Kick(); kicked {
		t.Fatalf("kick re-raised a cleared line")
	}
}

func TestSetIRQOutOfRange(t *testing.T) {
	dev := New(4)
	if err := dev.SetIRQ(4, true); err == nil {
		t.Fatalf("expected error for out of range line")
	}
	if _, err := dev.Line(-1); err == nil {
		t.Fatalf("expected error for negative line")
	}
}

func mustSetIRQ(t *testing.T, dev *IOAPIC, line int, high bool) {
	t.Helper()
	if err := dev.SetIRQ(line, high); err != nil {
		t.Fatalf("SetIRQ(%d, %v): %v", line, high, err)
	}
}

func programRedirection(t *testing.T, dev *IOAPIC, line uint32, vector byte, level bool, masked bool) {
	t.Helper()
	low := uint32(vector)
	if level {
		low |= 1 << 15
	}
	if masked {
		low |= 1 << 16
	}

	writeIndex(t, dev, redirectionTableBase+uint8(line*2))
	writeData(t, dev, low)

	writeIndex(t, dev, redirectionTableBase+uint8(line*2)+1)
	writeData(t, dev, 0)
}

func writeIndex(t *testing.T, dev *IOAPIC, index uint8) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(index))
	if err := dev.WriteMMIO(BaseAddress+registerSelect, buf); err != nil {
		t.Fatalf("write select: %v", err)
	}
}

func writeData(t *testing.T, dev *IOAPIC, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := dev.WriteMMIO(BaseAddress+registerData, buf); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func readData(t *testing.T, dev *IOAPIC) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := dev.ReadMMIO(BaseAddress+registerData, buf); err != nil {
		t.Fatalf("read data: %v", err)
	}
	return binary.LittleEndian.Uint32(buf)
}

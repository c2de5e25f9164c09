package chipset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tinyrange/irq/internal/clock"
	"github.com/tinyrange/irq/internal/irq"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTestChipset(t *testing.T, src clock.Source) *Chipset {
	t.Helper()
	topo, err := LoadTopology("testdata/topology.yaml")
	if err != nil {
		t.Fatalf("load topology: %v", err)
	}
	b := NewBuilder(*topo).WithLogger(quietLogger())
	if src != nil {
		b.WithClock(src)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestLoadTopology(t *testing.T) {
	topo, err := LoadTopology("testdata/topology.yaml")
	if err != nil {
		t.Fatalf("load topology: %v", err)
	}
	if got := topo.PendingThreshold.Duration(); got != 50*time.Millisecond {
		t.Fatalf("pending threshold = %v, want 50ms", got)
	}
	if len(topo.Pins) != 5 || topo.Pins[0].Vector != 0x24 {
		t.Fatalf("unexpected pins: %+v", topo.Pins)
	}
}

func TestParseTopologyRejectsUnknownFields(t *testing.T) {
	if _, err := ParseTopology([]byte("pins:\n  - name: a\n    colour: red\n")); err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if _, err := ParseTopology([]byte("watchdog: soon\n")); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestBuildWiresPinsAndEndpoints(t *testing.T) {
	cs := buildTestChipset(t, nil)

	if got := cs.Pins(); len(got) != 5 || got[0] != "ahci" {
		t.Fatalf("pins = %v", got)
	}
	pin, err := cs.Pin("ahci")
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if pin.Strategy() != irq.StrategyMaskThenEOI {
		t.Fatalf("ahci strategy = %v, want mask-then-eoi", pin.Strategy())
	}
	if cs.Table().Slot(0x2b).Pin() != pin {
		t.Fatalf("slot 0x2b not linked to ahci")
	}
	if _, err := cs.Pin("missing"); !errors.Is(err, ErrUnknownPin) {
		t.Fatalf("missing pin error = %v", err)
	}
	if _, err := cs.Endpoint("missing"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("missing endpoint error = %v", err)
	}
	if cs.IOAPIC("ioapic0") == nil || cs.MSI("msi0") == nil {
		t.Fatalf("controllers not registered")
	}

	// The timer pin carries both the engine's alarm sink and an endpoint.
	for _, st := range cs.States() {
		if st.Name == "tick" && st.Sinks != 2 {
			t.Fatalf("tick sinks = %d, want 2", st.Sinks)
		}
	}
}

func TestValidateRejectsBadTopologies(t *testing.T) {
	ioapic := ControllerConfig{Name: "io", Kind: KindIOAPIC, Lines: 4}
	msi := ControllerConfig{Name: "msi", Kind: KindMSI, FirstVector: 64, Vectors: 4}

	tests := []struct {
		name string
		topo Topology
	}{
		{"unknown kind", Topology{Controllers: []ControllerConfig{{Name: "x", Kind: "pic"}}}},
		{"duplicate controller", Topology{Controllers: []ControllerConfig{ioapic, ioapic}}},
		{"msi outside table", Topology{Vectors: 32, Controllers: []ControllerConfig{msi}}},
		{"duplicate pin", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins: []PinConfig{
				{Name: "a", Controller: "io", Line: 0, Vector: 40},
				{Name: "a", Controller: "io", Line: 1, Vector: 41},
			},
		}},
		{"duplicate vector", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins: []PinConfig{
				{Name: "a", Controller: "io", Line: 0, Vector: 40},
				{Name: "b", Controller: "io", Line: 1, Vector: 40},
			},
		}},
		{"duplicate line", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins: []PinConfig{
				{Name: "a", Controller: "io", Line: 2, Vector: 40},
				{Name: "b", Controller: "io", Line: 2, Vector: 41},
			},
		}},
		{"line out of range", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins:        []PinConfig{{Name: "a", Controller: "io", Line: 4, Vector: 40}},
		}},
		{"unknown controller", Topology{
			Pins: []PinConfig{{Name: "a", Controller: "io", Vector: 40}},
		}},
		{"bad trigger", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins:        []PinConfig{{Name: "a", Controller: "io", Vector: 40, Trigger: "rising"}},
		}},
		{"level msi", Topology{
			Controllers: []ControllerConfig{msi},
			Pins:        []PinConfig{{Name: "a", Controller: "msi", Vector: 64, Trigger: "level"}},
		}},
		{"msi vector outside pool", Topology{
			Controllers: []ControllerConfig{msi},
			Pins:        []PinConfig{{Name: "a", Controller: "msi", Vector: 80}},
		}},
		{"endpoint on unknown pin", Topology{
			Endpoints: []EndpointConfig{{Name: "e", Pin: "nope"}},
		}},
		{"duplicate endpoint", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins:        []PinConfig{{Name: "a", Controller: "io", Vector: 40}},
			Endpoints:   []EndpointConfig{{Name: "e", Pin: "a"}, {Name: "e", Pin: "a"}},
		}},
		{"hpet alarm on msi pin", Topology{
			Controllers: []ControllerConfig{msi},
			Pins:        []PinConfig{{Name: "a", Controller: "msi", Vector: 64}},
			Timers:      []TimerConfig{{Name: "t", Pin: "a", Alarm: AlarmHPET}},
		}},
		{"hpet comparator reused", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins: []PinConfig{
				{Name: "a", Controller: "io", Line: 0, Vector: 40},
				{Name: "b", Controller: "io", Line: 1, Vector: 41},
			},
			Timers: []TimerConfig{
				{Name: "t", Pin: "a", Alarm: AlarmHPET, Comparator: 1},
				{Name: "u", Pin: "b", Alarm: AlarmHPET, Comparator: 1},
			},
		}},
		{"unknown alarm", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins:        []PinConfig{{Name: "a", Controller: "io", Vector: 40}},
			Timers:      []TimerConfig{{Name: "t", Pin: "a", Alarm: "rtc"}},
		}},
		{"timer on level pin", Topology{
			Controllers: []ControllerConfig{ioapic},
			Pins:        []PinConfig{{Name: "a", Controller: "io", Vector: 40, Trigger: "level"}},
			Timers:      []TimerConfig{{Name: "t", Pin: "a"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewBuilder(tt.topo).Validate()
			if !errors.Is(err, ErrInvalidTopology) {
				t.Fatalf("Validate() = %v, want ErrInvalidTopology", err)
			}
			if _, err := NewBuilder(tt.topo).Build(); err == nil {
				t.Fatalf("Build() succeeded on invalid topology")
			}
		})
	}
}

func TestPlayLevelScenario(t *testing.T) {
	cs := buildTestChipset(t, nil)
	sc, err := LoadScenario("testdata/level.yaml")
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}

	if err := cs.Play(context.Background(), sc); err != nil {
		t.Fatalf("play: %v", err)
	}
	if cs.Table().Spurious() != 1 {
		t.Fatalf("spurious = %d, want 1", cs.Table().Spurious())
	}
}

func TestPlayReportsFailedExpectation(t *testing.T) {
	cs := buildTestChipset(t, nil)
	sc, err := ParseScenario([]byte(`
steps:
  - op: pulse
    pin: com1
  - op: expect
    endpoint: serial
    sequence: 2
`))
	if err != nil {
		t.Fatalf("parse scenario: %v", err)
	}
	if err := cs.Play(context.Background(), sc); !errors.Is(err, ErrExpectation) {
		t.Fatalf("play = %v, want ErrExpectation", err)
	}
}

func TestMSIAssertLowIsNoop(t *testing.T) {
	cs := buildTestChipset(t, nil)
	h, err := cs.Endpoint("nvme")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	defer cs.ReleaseEndpoint(&h)

	if err := cs.Assert("nvme0", false); err != nil {
		t.Fatalf("assert low: %v", err)
	}
	if h.Get().CurrentSequence() != 0 {
		t.Fatalf("deassert of MSI delivered")
	}
	if err := cs.Assert("nvme0", true); err != nil {
		t.Fatalf("assert high: %v", err)
	}
	if h.Get().CurrentSequence() != 1 {
		t.Fatalf("MSI not delivered")
	}
}

func TestWaiterWakesOnPulse(t *testing.T) {
	cs := buildTestChipset(t, nil)
	h, err := cs.Endpoint("serial")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	defer cs.ReleaseEndpoint(&h)
	w := NewWaiter(h.Get())

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		seq, err := w.Wait(ctx, 1)
		if err == nil && seq < 1 {
			err = errors.New("woke before sequence 1")
		}
		done <- err
	}()

	// Keep pulsing until the waiter has seen one; the goroutine may not have
	// submitted yet.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("wait: %v", err)
			}
			return
		case <-deadline:
			t.Fatalf("waiter never woke")
		case <-time.After(time.Millisecond):
			if h.Get().CurrentSequence() == 0 {
				cs.Pulse("com1")
			}
		}
	}
}

func TestWaiterCancelOnContext(t *testing.T) {
	cs := buildTestChipset(t, nil)
	h, err := cs.Endpoint("serial")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	defer cs.ReleaseEndpoint(&h)
	obj := h.Get()
	w := NewWaiter(obj)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := w.Wait(ctx, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait = %v, want deadline exceeded", err)
	}
	if obj.Pending() != 0 {
		t.Fatalf("canceled node still queued")
	}

	// The node is reusable after cancellation.
	cs.Pulse("com1")
	seq, err := w.Wait(context.Background(), 1)
	if err != nil || seq != 1 {
		t.Fatalf("wait after cancel = %d, %v", seq, err)
	}
}

func TestCloseRetiresAfterLastHandle(t *testing.T) {
	topo, err := LoadTopology("testdata/topology.yaml")
	if err != nil {
		t.Fatalf("load topology: %v", err)
	}
	cs, err := NewBuilder(*topo).WithLogger(quietLogger()).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	h, err := cs.Endpoint("serial")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	obj := h.Get()
	w := NewWaiter(obj)

	result := make(chan error, 1)
	obj.SubmitAwait(irq.NewAwaitNode(func(err error, _ uint64) { result <- err }), 10)

	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cs.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second close = %v, want ErrClosed", err)
	}
	if _, err := cs.Endpoint("serial"); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint after close = %v, want ErrClosed", err)
	}

	// Our handle still owns the object, so it keeps receiving interrupts.
	cs.Pulse("com1")
	if obj.CurrentSequence() != 1 {
		t.Fatalf("object stopped receiving before its last handle was released")
	}

	cs.ReleaseEndpoint(&h)
	select {
	case err := <-result:
		if !errors.Is(err, irq.ErrRetired) {
			t.Fatalf("pending await completed with %v, want ErrRetired", err)
		}
	default:
		t.Fatalf("pending await not completed on retire")
	}
	if _, err := w.Wait(context.Background(), 2); !errors.Is(err, irq.ErrRetired) {
		t.Fatalf("wait on retired object = %v", err)
	}
	if obj.Pin() != nil {
		t.Fatalf("retired object still attached")
	}
}

func TestCheckPendingWarnsOncePerEpisode(t *testing.T) {
	src := clock.NewManual(1)
	cs := buildTestChipset(t, src)

	if err := cs.Assert("ahci", true); err != nil {
		t.Fatalf("assert: %v", err)
	}
	if n := cs.CheckPending(); n != 0 {
		t.Fatalf("warned before threshold: %d", n)
	}
	src.Advance(100 * time.Millisecond)
	if n := cs.CheckPending(); n != 1 {
		t.Fatalf("CheckPending = %d, want 1", n)
	}
	if n := cs.CheckPending(); n != 0 {
		t.Fatalf("warned twice in one episode")
	}
}

func TestPollStopsOnCancel(t *testing.T) {
	cs := buildTestChipset(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := cs.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
}

func TestTimerFiresThroughAlarmPin(t *testing.T) {
	cs := buildTestChipset(t, nil)

	fired := make(chan struct{})
	if _, err := cs.After("sched", 5*time.Millisecond, func() { close(fired) }); err != nil {
		t.Fatalf("after: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("timer never fired")
	}

	engine, _ := cs.Timer("sched")
	if engine.Pending() != 0 {
		t.Fatalf("expired timer still pending")
	}
	pin, _ := cs.Pin("tick")
	if pin.State().RaiseSequence == 0 {
		t.Fatalf("alarm did not raise the tick pin")
	}
	if _, err := cs.Timer("missing"); !errors.Is(err, ErrUnknownTimer) {
		t.Fatalf("missing timer error = %v", err)
	}
}

func TestHPETTimerFires(t *testing.T) {
	cs := buildTestChipset(t, nil)
	if cs.HPET("ioapic0") == nil {
		t.Fatalf("HPET not created for ioapic0")
	}

	fired := make(chan struct{})
	if _, err := cs.After("precise", 2*time.Millisecond, func() { close(fired) }); err != nil {
		t.Fatalf("after: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("HPET timer never fired")
	}
	if cs.HPET("ioapic0").Interrupts(0) == 0 {
		t.Fatalf("comparator 0 never raised")
	}
}

type kickRecorder struct {
	raises, acks, kicks int
}

func (r *kickRecorder) RecordRaise(string, time.Duration)       { r.raises++ }
func (r *kickRecorder) RecordAcknowledge(string, time.Duration) { r.acks++ }
func (r *kickRecorder) RecordKick(time.Duration)                { r.kicks++ }

func TestRecorderSeesKick(t *testing.T) {
	topo, err := LoadTopology("testdata/topology.yaml")
	if err != nil {
		t.Fatalf("load topology: %v", err)
	}
	rec := &kickRecorder{}
	cs, err := NewBuilder(*topo).WithLogger(quietLogger()).WithRecorder(rec).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cs.Close()

	cs.Assert("ahci", true)
	cs.Acknowledge("disk")
	if _, err := cs.Kick("disk"); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if rec.raises != 2 || rec.acks != 1 || rec.kicks != 1 {
		t.Fatalf("recorder saw raises=%d acks=%d kicks=%d", rec.raises, rec.acks, rec.kicks)
	}
}

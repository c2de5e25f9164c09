package irq

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/irq/internal/clock"
	"github.com/tinyrange/irq/internal/spin"
)

// DefaultPendingThreshold is how long a mask-then-eoi pin may stay masked
// before WarnIfPending complains.
const DefaultPendingThreshold = time.Second

// Pin is one (possibly virtual) interrupt line. It owns the trigger
// configuration, the acknowledgement protocol and the list of sinks.
type Pin struct {
	name string
	ctrl Controller

	// Acquired from interrupt context; never a sleeping lock.
	mu spin.Lock

	clock     clock.Source
	logger    *slog.Logger
	recorder  Recorder
	threshold time.Duration

	strategy Strategy
	mode     TriggerMode
	polarity Polarity

	raiseSeq uint64
	sinkSeq  uint64

	// masked is true between a mask-then-eoi raise and its Acknowledge.
	masked   bool
	acked    bool
	maskedAt uint64
	ackedAt  uint64
	warned   bool

	// Dispatch order is attach order.
	sinks []Sink

	spurious rate.Sometimes
}

// NewPin returns an unconfigured pin named name driven by ctrl.
func NewPin(name string, ctrl Controller) *Pin {
	if ctrl == nil {
		panic("irq: NewPin with nil controller")
	}
	return &Pin{
		name:      name,
		ctrl:      ctrl,
		clock:     clock.System(),
		logger:    slog.Default(),
		recorder:  noopRecorder{},
		threshold: DefaultPendingThreshold,
		spurious:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Name returns the diagnostic name of the pin.
func (p *Pin) Name() string {
	if p == nil {
		return "<nil>"
	}
	return p.name
}

// SetClock replaces the time source used for acknowledge bookkeeping.
func (p *Pin) SetClock(src clock.Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if src == nil {
		src = clock.System()
	}
	p.clock = src
}

// SetLogger overrides the logger used for warnings.
func (p *Pin) SetLogger(logger *slog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	p.logger = logger
}

// SetPendingThreshold sets how long the line may stay masked before
// WarnIfPending reports it.
func (p *Pin) SetPendingThreshold(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threshold = d
}

// SetRecorder installs a timing recorder for raise and acknowledge.
func (p *Pin) SetRecorder(r Recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r == nil {
		r = noopRecorder{}
	}
	p.recorder = r
}

// Strategy returns the acknowledgement strategy chosen by Configure.
func (p *Pin) Strategy() Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

// Configure programs the controller for mode and polarity and adopts the
// strategy it returns. Configuring a pin that already has sinks or has
// already been raised panics.
func (p *Pin) Configure(mode TriggerMode, polarity Polarity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sinks) > 0 || p.raiseSeq > 0 {
		panic(fmt.Sprintf("irq: pin %s reconfigured after use", p.name))
	}

	strategy := p.ctrl.Program(mode, polarity)
	switch strategy {
	case StrategyNone, StrategyJustEOI, StrategyMaskThenEOI:
	default:
		panic(fmt.Sprintf("irq: controller of pin %s returned invalid %v", p.name, strategy))
	}

	p.strategy = strategy
	p.mode = mode
	p.polarity = polarity
	p.logger.Debug("irq: pin configured",
		"pin", p.name, "trigger", mode, "polarity", polarity, "strategy", strategy)
}

// Raise runs the raise protocol. It is called from Slot.Raise in interrupt
// context.
func (p *Pin) Raise() Status {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	status := p.raiseLocked()
	p.recorder.RecordRaise(p.name, time.Since(start))
	return status
}

func (p *Pin) raiseLocked() Status {
	p.raiseSeq++
	seq := p.raiseSeq

	if p.strategy == StrategyMaskThenEOI {
		// Keep a still-asserted level line from storming while sinks run.
		p.ctrl.Mask()
		p.masked = true
		p.acked = false
		p.maskedAt = p.clock.CurrentNanos()
	}

	if len(p.sinks) == 0 {
		p.spurious.Do(func() {
			p.logger.Warn("irq: raise on pin without sinks", "pin", p.name, "sequence", seq)
		})
	}

	// Every sink observes every raise.
	var status Status
	for _, sink := range p.sinks {
		status |= sink.Raise(seq)
	}

	if p.strategy == StrategyJustEOI {
		p.ctrl.SendEOI()
	}

	p.sinkSeq = seq
	return status
}

// Acknowledge unmasks a mask-then-eoi line and sends EOI. It is a no-op when
// the line is not masked, so racing consumers may acknowledge twice.
func (p *Pin) Acknowledge() {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.strategy != StrategyMaskThenEOI || !p.masked {
		return
	}

	p.ctrl.Unmask()
	p.ctrl.SendEOI()
	p.masked = false
	p.acked = true
	p.ackedAt = p.clock.CurrentNanos()
	p.warned = false

	p.recorder.RecordAcknowledge(p.name, time.Since(start))
}

// Kick re-runs the raise protocol if the line is acknowledged but its level
// condition is still asserted. It reports whether a raise happened.
//
// Kick must not be called from a sink's Raise.
func (p *Pin) Kick() bool {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.strategy != StrategyMaskThenEOI || p.masked {
		return false
	}
	sensor, ok := p.ctrl.(LevelSensor)
	if !ok || !sensor.Asserted() {
		return false
	}

	p.raiseLocked()
	p.recorder.RecordRaise(p.name, time.Since(start))
	return true
}

// WarnIfPending logs once per episode if the line has been masked for longer
// than the pending threshold. It reports whether it warned.
func (p *Pin) WarnIfPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.strategy != StrategyMaskThenEOI || !p.masked || p.warned {
		return false
	}
	now := p.clock.CurrentNanos()
	if now < p.maskedAt || time.Duration(now-p.maskedAt) < p.threshold {
		return false
	}

	p.warned = true
	p.logger.Warn("irq: pin masked without acknowledge",
		"pin", p.name,
		"sequence", p.raiseSeq,
		"pending", time.Duration(now-p.maskedAt))
	return true
}

// Attach subscribes sink to p. Attaching a sink twice panics.
func (p *Pin) Attach(sink Sink) {
	if sink == nil {
		panic("irq: attach of nil sink")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if slices.Contains(p.sinks, sink) {
		panic(fmt.Sprintf("irq: sink attached twice to pin %s", p.name))
	}
	sink.attach(p)
	p.sinks = append(p.sinks, sink)
}

// AttachIrq subscribes sink to pin.
func AttachIrq(pin *Pin, sink Sink) {
	pin.Attach(sink)
}

// Detach removes sink from the dispatch list and clears its back-reference.
func (p *Pin) Detach(sink Sink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := slices.Index(p.sinks, sink)
	if idx < 0 {
		return false
	}
	p.sinks = slices.Delete(p.sinks, idx, idx+1)
	sink.detach(p)
	return true
}

// PinState is a point-in-time copy of a pin's bookkeeping.
type PinState struct {
	Name     string
	Strategy Strategy
	Trigger  TriggerMode
	Polarity Polarity

	RaiseSequence uint64
	SinkSequence  uint64

	Masked       bool
	Acknowledged bool
	Warned       bool

	// LastAcknowledge is in clock source nanoseconds; zero if never.
	LastAcknowledge uint64
	Sinks           int
}

// State returns a snapshot of the pin.
func (p *Pin) State() PinState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PinState{
		Name:            p.name,
		Strategy:        p.strategy,
		Trigger:         p.mode,
		Polarity:        p.polarity,
		RaiseSequence:   p.raiseSeq,
		SinkSequence:    p.sinkSeq,
		Masked:          p.masked,
		Acknowledged:    p.acked,
		Warned:          p.warned,
		LastAcknowledge: p.ackedAt,
		Sinks:           len(p.sinks),
	}
}

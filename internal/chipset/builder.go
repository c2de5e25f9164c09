package chipset

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/irq/internal/clock"
	"github.com/tinyrange/irq/internal/devices/hpet"
	"github.com/tinyrange/irq/internal/devices/ioapic"
	"github.com/tinyrange/irq/internal/devices/msi"
	"github.com/tinyrange/irq/internal/irq"
	"github.com/tinyrange/irq/internal/shared"
	"github.com/tinyrange/irq/internal/timer"
)

var (
	// ErrInvalidTopology wraps every validation failure reported by the
	// builder.
	ErrInvalidTopology = errors.New("invalid topology")
	ErrUnknownPin      = errors.New("unknown pin")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrUnknownTimer    = errors.New("unknown timer")
	ErrClosed          = errors.New("chipset closed")
)

// Builder validates a Topology and wires it into the interrupt core.
type Builder struct {
	topo     Topology
	logger   *slog.Logger
	clock    clock.Source
	recorder irq.Recorder
}

// NewBuilder returns a builder for topo.
func NewBuilder(topo Topology) *Builder {
	return &Builder{topo: topo}
}

// WithLogger sets the logger handed to the table, pins and chipset.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock sets the time source for pins and timers.
func (b *Builder) WithClock(src clock.Source) *Builder {
	b.clock = src
	return b
}

// WithRecorder installs r on every pin.
func (b *Builder) WithRecorder(r irq.Recorder) *Builder {
	b.recorder = r
	return b
}

type controllerInfo struct {
	cfg   ControllerConfig
	lines map[int]string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("chipset: %w: %s", ErrInvalidTopology, fmt.Sprintf(format, args...))
}

// Validate checks the topology without building anything. Every condition
// the core would treat as fatal (a slot linked twice, a level MSI, a sink on
// two pins) is reported here as an error.
func (b *Builder) Validate() error {
	_, err := b.validate()
	return err
}

func (b *Builder) validate() (map[string]*controllerInfo, error) {
	vectors := b.vectors()
	if vectors <= 0 {
		return nil, invalid("table size %d", vectors)
	}

	controllers := make(map[string]*controllerInfo, len(b.topo.Controllers))
	for _, c := range b.topo.Controllers {
		if c.Name == "" {
			return nil, invalid("controller name is empty")
		}
		if _, exists := controllers[c.Name]; exists {
			return nil, invalid("controller %q defined twice", c.Name)
		}
		switch c.Kind {
		case KindIOAPIC:
			if c.Lines < 0 {
				return nil, invalid("controller %q: negative line count", c.Name)
			}
		case KindMSI:
			if c.Vectors <= 0 {
				return nil, invalid("controller %q: empty vector pool", c.Name)
			}
			if c.FirstVector < 0 || c.FirstVector+c.Vectors > vectors {
				return nil, invalid("controller %q: vectors [%d, %d) outside table of %d",
					c.Name, c.FirstVector, c.FirstVector+c.Vectors, vectors)
			}
		default:
			return nil, invalid("controller %q: unknown kind %q", c.Name, c.Kind)
		}
		controllers[c.Name] = &controllerInfo{cfg: c, lines: make(map[int]string)}
	}

	pins := make(map[string]irq.TriggerMode, len(b.topo.Pins))
	slots := make(map[int]string, len(b.topo.Pins))
	for _, p := range b.topo.Pins {
		if p.Name == "" {
			return nil, invalid("pin name is empty")
		}
		if _, exists := pins[p.Name]; exists {
			return nil, invalid("pin %q defined twice", p.Name)
		}
		ctrl, ok := controllers[p.Controller]
		if !ok {
			return nil, invalid("pin %q: unknown controller %q", p.Name, p.Controller)
		}
		mode, _, err := pinMode(p)
		if err != nil {
			return nil, invalid("pin %q: %v", p.Name, err)
		}
		if p.Vector < 0 || p.Vector >= vectors {
			return nil, invalid("pin %q: vector %d outside table of %d", p.Name, p.Vector, vectors)
		}
		if other, taken := slots[p.Vector]; taken {
			return nil, invalid("pin %q: vector %d already linked to pin %q", p.Name, p.Vector, other)
		}

		switch ctrl.cfg.Kind {
		case KindIOAPIC:
			if p.Line < 0 || p.Line >= ioapicLines(ctrl.cfg) {
				return nil, invalid("pin %q: line %d out of range for %q", p.Name, p.Line, p.Controller)
			}
			if p.Vector > 0xff {
				return nil, invalid("pin %q: vector %d does not fit an IO-APIC entry", p.Name, p.Vector)
			}
			if other, taken := ctrl.lines[p.Line]; taken {
				return nil, invalid("pin %q: line %d of %q already used by pin %q", p.Name, p.Line, p.Controller, other)
			}
			ctrl.lines[p.Line] = p.Name
		case KindMSI:
			if p.Vector < ctrl.cfg.FirstVector || p.Vector >= ctrl.cfg.FirstVector+ctrl.cfg.Vectors {
				return nil, invalid("pin %q: vector %d outside pool of %q", p.Name, p.Vector, p.Controller)
			}
			if mode == irq.TriggerLevel {
				return nil, invalid("pin %q: MSI vectors cannot be level triggered", p.Name)
			}
		}

		pins[p.Name] = mode
		slots[p.Vector] = p.Name
	}

	endpoints := make(map[string]struct{}, len(b.topo.Endpoints))
	for _, e := range b.topo.Endpoints {
		if e.Name == "" {
			return nil, invalid("endpoint name is empty")
		}
		if _, exists := endpoints[e.Name]; exists {
			return nil, invalid("endpoint %q defined twice", e.Name)
		}
		if _, ok := pins[e.Pin]; !ok {
			return nil, invalid("endpoint %q: unknown pin %q", e.Name, e.Pin)
		}
		endpoints[e.Name] = struct{}{}
	}

	timers := make(map[string]struct{}, len(b.topo.Timers))
	comparators := make(map[string]map[int]string)
	pinCfgs := pinConfigs(b.topo)
	for _, t := range b.topo.Timers {
		if t.Name == "" {
			return nil, invalid("timer name is empty")
		}
		if _, exists := timers[t.Name]; exists {
			return nil, invalid("timer %q defined twice", t.Name)
		}
		mode, ok := pins[t.Pin]
		if !ok {
			return nil, invalid("timer %q: unknown pin %q", t.Name, t.Pin)
		}
		if mode == irq.TriggerLevel {
			return nil, invalid("timer %q: alarm pin %q must be edge triggered", t.Name, t.Pin)
		}
		switch t.Alarm {
		case "", AlarmSoft:
		case AlarmHPET:
			p := pinCfgs[t.Pin]
			if controllers[p.Controller].cfg.Kind != KindIOAPIC {
				return nil, invalid("timer %q: HPET alarm needs an IO-APIC pin, %q is on %q", t.Name, t.Pin, p.Controller)
			}
			if t.Comparator < 0 || t.Comparator >= hpet.NumTimers {
				return nil, invalid("timer %q: HPET comparator %d out of range", t.Name, t.Comparator)
			}
			if p.Line > hpetMaxLine {
				return nil, invalid("timer %q: HPET cannot route to line %d", t.Name, p.Line)
			}
			used := comparators[p.Controller]
			if used == nil {
				used = make(map[int]string)
				comparators[p.Controller] = used
			}
			if other, taken := used[t.Comparator]; taken {
				return nil, invalid("timer %q: HPET comparator %d already used by timer %q", t.Name, t.Comparator, other)
			}
			used[t.Comparator] = t.Name
		default:
			return nil, invalid("timer %q: unknown alarm %q", t.Name, t.Alarm)
		}
		timers[t.Name] = struct{}{}
	}

	return controllers, nil
}

// pinMode parses the trigger and polarity of cfg. Unset fields default to
// an active-high edge.
func pinMode(cfg PinConfig) (irq.TriggerMode, irq.Polarity, error) {
	mode, err := irq.ParseTriggerMode(cfg.Trigger)
	if err != nil {
		return irq.TriggerNone, irq.PolarityNone, err
	}
	polarity, err := irq.ParsePolarity(cfg.Polarity)
	if err != nil {
		return irq.TriggerNone, irq.PolarityNone, err
	}
	if mode == irq.TriggerNone {
		mode = irq.TriggerEdge
	}
	if polarity == irq.PolarityNone {
		polarity = irq.PolarityHigh
	}
	return mode, polarity, nil
}

func (b *Builder) vectors() int {
	if b.topo.Vectors == 0 {
		return DefaultVectors
	}
	return b.topo.Vectors
}

// hpetMaxLine is the highest IO-APIC input an HPET comparator can route to.
const hpetMaxLine = 31

func ioapicLines(c ControllerConfig) int {
	if c.Lines == 0 {
		return DefaultIOAPICLines
	}
	return c.Lines
}

// Build validates the topology and returns the wired chipset.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}
	controllers, err := b.validate()
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	src := b.clock
	if src == nil {
		src = clock.System()
	}

	table := irq.NewTable(b.vectors())
	table.SetLogger(logger)

	cs := &Chipset{
		logger:    logger,
		clock:     src,
		table:     table,
		recorder:  b.recorder,
		watchdog:  b.topo.Watchdog.Duration(),
		ioapics:   make(map[string]*ioapic.IOAPIC),
		hpets:     make(map[string]*hpet.Device),
		msis:      make(map[string]*msi.Controller),
		pins:      make(map[string]*pinBinding, len(b.topo.Pins)),
		endpoints: make(map[string]*endpoint, len(b.topo.Endpoints)),
		timers:    make(map[string]*timerBinding, len(b.topo.Timers)),
	}
	if cs.watchdog <= 0 {
		cs.watchdog = DefaultWatchdog
	}

	names := make([]string, 0, len(controllers))
	for name := range controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cfg := controllers[name].cfg
		switch cfg.Kind {
		case KindIOAPIC:
			dev := ioapic.New(ioapicLines(cfg))
			dev.SetRouter(table)
			cs.ioapics[name] = dev
		case KindMSI:
			cs.msis[name] = msi.New(cfg.FirstVector, cfg.Vectors, table)
		}
	}

	for _, cfg := range b.topo.Pins {
		binding, err := cs.setupPin(cfg, controllers[cfg.Controller].cfg.Kind)
		if err != nil {
			return nil, fmt.Errorf("chipset: pin %q: %w", cfg.Name, err)
		}
		if b.topo.PendingThreshold > 0 {
			binding.pin.SetPendingThreshold(b.topo.PendingThreshold.Duration())
		}
		binding.pin.SetLogger(logger)
		binding.pin.SetClock(src)
		if b.recorder != nil {
			binding.pin.SetRecorder(b.recorder)
		}
		mode, polarity, _ := pinMode(cfg)
		binding.pin.Configure(mode, polarity)
		table.Slot(cfg.Vector).Link(binding.pin)

		cs.pins[cfg.Name] = binding
		cs.pinNames = append(cs.pinNames, cfg.Name)
	}
	sort.Strings(cs.pinNames)

	for _, cfg := range b.topo.Endpoints {
		obj := irq.NewObject()
		irq.AttachIrq(cs.pins[cfg.Pin].pin, obj)
		cs.endpoints[cfg.Name] = &endpoint{
			pin:    cfg.Pin,
			handle: shared.New(obj, retireObject),
		}
	}

	pinCfgs := pinConfigs(b.topo)
	for _, cfg := range b.topo.Timers {
		binding := cs.pins[cfg.Pin]
		tb := &timerBinding{pin: cfg.Pin}

		var alarm timer.Alarm
		if cfg.Alarm == AlarmHPET {
			pinCfg := pinCfgs[cfg.Pin]
			dev := cs.hpets[pinCfg.Controller]
			if dev == nil {
				dev = hpet.New(hpet.BaseAddress, src, cs.ioapics[pinCfg.Controller])
				cs.hpets[pinCfg.Controller] = dev
			}
			comparator, err := dev.Comparator(cfg.Comparator, pinCfg.Line)
			if err != nil {
				return nil, fmt.Errorf("chipset: timer %q: %w", cfg.Name, err)
			}
			alarm = comparator
			tb.stop = dev.Stop
		} else {
			soft := &softAlarm{clock: src, fire: binding.pulse}
			alarm = soft
			tb.stop = soft.stop
		}

		tb.engine = timer.NewEngine(src, alarm)
		irq.AttachIrq(binding.pin, tb.engine.Sink())
		cs.timers[cfg.Name] = tb
	}

	logger.Debug("chipset: built",
		"controllers", len(controllers),
		"pins", len(cs.pins),
		"endpoints", len(cs.endpoints),
		"timers", len(cs.timers))

	return cs, nil
}

func (cs *Chipset) setupPin(cfg PinConfig, kind string) (*pinBinding, error) {
	switch kind {
	case KindIOAPIC:
		dev := cs.ioapics[cfg.Controller]
		pin, err := dev.SetupPin(cfg.Name, cfg.Line, uint8(cfg.Vector))
		if err != nil {
			return nil, err
		}
		line := cfg.Line
		return &pinBinding{
			pin:    pin,
			vector: cfg.Vector,
			assert: func(high bool) error { return dev.SetIRQ(line, high) },
			pulse:  func() error { return dev.Pulse(line) },
		}, nil
	case KindMSI:
		ctrl := cs.msis[cfg.Controller]
		if err := ctrl.Reserve(cfg.Vector); err != nil {
			return nil, err
		}
		pin, err := ctrl.SetupPin(cfg.Name, cfg.Vector)
		if err != nil {
			return nil, err
		}
		vector := cfg.Vector
		fire := func() error { return ctrl.Fire(vector) }
		return &pinBinding{
			pin:    pin,
			vector: cfg.Vector,
			// A message has no level: asserting sends one, deasserting is a no-op.
			assert: func(high bool) error {
				if !high {
					return nil
				}
				return fire()
			},
			pulse: fire,
		}, nil
	}
	return nil, fmt.Errorf("unknown controller kind %q", kind)
}

func pinConfigs(topo Topology) map[string]PinConfig {
	out := make(map[string]PinConfig, len(topo.Pins))
	for _, p := range topo.Pins {
		out[p.Name] = p
	}
	return out
}

func retireObject(obj *irq.Object) {
	obj.Retire(irq.ErrRetired)
}

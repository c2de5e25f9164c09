package chipset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/irq/internal/irq"
	"github.com/tinyrange/irq/internal/shared"
)

// Scenario operations.
const (
	OpAssert   = "assert"
	OpDeassert = "deassert"
	OpPulse    = "pulse"
	OpRaise    = "raise"
	OpAck      = "ack"
	OpKick     = "kick"
	OpWait     = "wait"
	OpExpect   = "expect"
	OpArm      = "arm"
	OpSleep    = "sleep"
)

// DefaultWaitTimeout bounds a wait step without an explicit timeout.
const DefaultWaitTimeout = 5 * time.Second

// ErrExpectation is wrapped by every failed expect, kick or wait check.
var ErrExpectation = errors.New("expectation failed")

// Scenario is a scripted sequence of device and consumer actions.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one scenario action. Which fields apply depends on Op.
type Step struct {
	Op       string `yaml:"op"`
	Pin      string `yaml:"pin"`
	Endpoint string `yaml:"endpoint"`
	Timer    string `yaml:"timer"`
	Vector   int    `yaml:"vector"`
	// Repeat runs the step this many times. Zero means once.
	Repeat int `yaml:"repeat"`

	// Sequence is the target of a wait, or the expected sequence of an
	// expect step.
	Sequence uint64   `yaml:"sequence"`
	Timeout  Duration `yaml:"timeout"`
	// After is the delay of an arm step, or the length of a sleep.
	After Duration `yaml:"after"`

	Masked  *bool `yaml:"masked"`
	Kicked  *bool `yaml:"kicked"`
	Pending *int  `yaml:"pending"`
}

// ParseScenario decodes a YAML scenario. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := decodeStrict(data, &sc); err != nil {
		return nil, fmt.Errorf("chipset: parse scenario: %w", err)
	}
	return &sc, nil
}

// LoadScenario reads and decodes a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chipset: read scenario: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// player holds the handles and waiters a scenario needs while it runs.
type player struct {
	cs      *Chipset
	handles map[string]shared.Handle[irq.Object]
	waiters map[string]*Waiter
}

// Play runs sc against the chipset, stopping at the first failing step.
func (cs *Chipset) Play(ctx context.Context, sc *Scenario) error {
	p := &player{
		cs:      cs,
		handles: make(map[string]shared.Handle[irq.Object]),
		waiters: make(map[string]*Waiter),
	}
	defer p.release()

	for i, step := range sc.Steps {
		n := max(step.Repeat, 1)
		for range n {
			if err := p.step(ctx, step); err != nil {
				return fmt.Errorf("chipset: step %d (%s): %w", i+1, step.Op, err)
			}
		}
		cs.logger.Debug("chipset: scenario step", "index", i+1, "op", step.Op, "repeat", n)
	}
	return nil
}

func (p *player) release() {
	for name, h := range p.handles {
		p.cs.ReleaseEndpoint(&h)
		delete(p.handles, name)
	}
}

func (p *player) object(name string) (*irq.Object, error) {
	if h, ok := p.handles[name]; ok {
		return h.Get(), nil
	}
	h, err := p.cs.Endpoint(name)
	if err != nil {
		return nil, err
	}
	p.handles[name] = h
	return h.Get(), nil
}

func (p *player) waiter(name string) (*Waiter, error) {
	if w, ok := p.waiters[name]; ok {
		return w, nil
	}
	obj, err := p.object(name)
	if err != nil {
		return nil, err
	}
	w := NewWaiter(obj)
	p.waiters[name] = w
	return w, nil
}

func (p *player) step(ctx context.Context, step Step) error {
	cs := p.cs
	switch step.Op {
	case OpAssert:
		return cs.Assert(step.Pin, true)
	case OpDeassert:
		return cs.Assert(step.Pin, false)
	case OpPulse:
		return cs.Pulse(step.Pin)
	case OpRaise:
		cs.Raise(step.Vector)
		return nil
	case OpAck:
		return cs.Acknowledge(step.Endpoint)
	case OpKick:
		kicked, err := cs.Kick(step.Endpoint)
		if err != nil {
			return err
		}
		if step.Kicked != nil && kicked != *step.Kicked {
			return fmt.Errorf("%w: kick of %q returned %v", ErrExpectation, step.Endpoint, kicked)
		}
		return nil
	case OpWait:
		w, err := p.waiter(step.Endpoint)
		if err != nil {
			return err
		}
		timeout := step.Timeout.Duration()
		if timeout <= 0 {
			timeout = DefaultWaitTimeout
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := w.Wait(wctx, step.Sequence); err != nil {
			return fmt.Errorf("%w: wait on %q for sequence %d: %w", ErrExpectation, step.Endpoint, step.Sequence, err)
		}
		return nil
	case OpExpect:
		return p.expect(step)
	case OpArm:
		_, err := cs.After(step.Timer, step.After.Duration(), nil)
		return err
	case OpSleep:
		t := time.NewTimer(step.After.Duration())
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

func (p *player) expect(step Step) error {
	if step.Endpoint != "" {
		obj, err := p.object(step.Endpoint)
		if err != nil {
			return err
		}
		if got := obj.CurrentSequence(); got != step.Sequence {
			return fmt.Errorf("%w: endpoint %q at sequence %d, want %d", ErrExpectation, step.Endpoint, got, step.Sequence)
		}
		if step.Pending != nil && obj.Pending() != *step.Pending {
			return fmt.Errorf("%w: endpoint %q has %d pending waiters, want %d", ErrExpectation, step.Endpoint, obj.Pending(), *step.Pending)
		}
	}
	if step.Pin != "" {
		pin, err := p.cs.Pin(step.Pin)
		if err != nil {
			return err
		}
		state := pin.State()
		if step.Masked != nil && state.Masked != *step.Masked {
			return fmt.Errorf("%w: pin %q masked=%v", ErrExpectation, step.Pin, state.Masked)
		}
	}
	return nil
}

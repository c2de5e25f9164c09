// Package irq routes raised interrupt vectors to pins and from pins to the
// sinks subscribed to them.
//
// Control flows slot → pin → sinks. A pin owns the acknowledgement protocol
// for its line; an Object is the sink consumers wait on.
package irq

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRetired completes waiters of an Object that was retired while they
	// were pending.
	ErrRetired = errors.New("irq: object retired")
	// ErrNotAttached is returned by Object operations that need a pin.
	ErrNotAttached = errors.New("irq: sink not attached to a pin")
	// ErrCanceled completes an await node removed by Cancel.
	ErrCanceled = errors.New("irq: await canceled")
)

// Strategy is the acknowledgement protocol of a pin.
type Strategy uint8

const (
	StrategyNone Strategy = iota
	// StrategyJustEOI sends end-of-interrupt right after dispatch.
	StrategyJustEOI
	// StrategyMaskThenEOI masks the line on raise and leaves it masked until
	// Acknowledge.
	StrategyMaskThenEOI
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyJustEOI:
		return "just-eoi"
	case StrategyMaskThenEOI:
		return "mask-then-eoi"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// TriggerMode is how the line signals.
type TriggerMode uint8

const (
	TriggerNone TriggerMode = iota
	TriggerEdge
	TriggerLevel
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerNone:
		return "none"
	case TriggerEdge:
		return "edge"
	case TriggerLevel:
		return "level"
	default:
		return fmt.Sprintf("TriggerMode(%d)", uint8(m))
	}
}

// ParseTriggerMode parses "edge", "level" or "" / "none".
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TriggerNone, nil
	case "edge":
		return TriggerEdge, nil
	case "level":
		return TriggerLevel, nil
	default:
		return TriggerNone, fmt.Errorf("irq: unknown trigger mode %q", s)
	}
}

// Polarity is the active level of the line.
type Polarity uint8

const (
	PolarityNone Polarity = iota
	PolarityHigh
	PolarityLow
)

func (p Polarity) String() string {
	switch p {
	case PolarityNone:
		return "none"
	case PolarityHigh:
		return "high"
	case PolarityLow:
		return "low"
	default:
		return fmt.Sprintf("Polarity(%d)", uint8(p))
	}
}

// ParsePolarity parses "high", "low" or "" / "none".
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PolarityNone, nil
	case "high":
		return PolarityHigh, nil
	case "low":
		return PolarityLow, nil
	default:
		return PolarityNone, fmt.Errorf("irq: unknown polarity %q", s)
	}
}

// Status is the result of dispatching a raise to a sink. Results of several
// sinks are combined with bitwise OR.
type Status uint32

const (
	StatusNull Status = 0
	// StatusHandled means the sink consumed the raise.
	StatusHandled Status = 1 << 0
)

func (s Status) Handled() bool { return s&StatusHandled != 0 }

func (s Status) String() string {
	if s.Handled() {
		return "handled"
	}
	return "null"
}

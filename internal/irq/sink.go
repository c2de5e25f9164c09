package irq

import "sync/atomic"

// Sink is notified when the pin it is attached to raises.
//
// Raise is called from interrupt context with the pin locked. It must not
// block and must return promptly. Implementations embed SinkBase.
type Sink interface {
	Raise(sequence uint64) Status
	// Pin returns the pin the sink is attached to, or nil.
	Pin() *Pin

	attach(p *Pin)
	detach(p *Pin)
}

// SinkBase holds the back-reference from a sink to its pin. The reference is
// set by AttachIrq, cleared by Detach, and does not own the pin.
type SinkBase struct {
	pin atomic.Pointer[Pin]
}

// Pin returns the pin this sink is attached to, or nil before attach.
func (s *SinkBase) Pin() *Pin {
	return s.pin.Load()
}

func (s *SinkBase) attach(p *Pin) {
	if !s.pin.CompareAndSwap(nil, p) {
		panic("irq: sink is already attached to pin " + s.pin.Load().Name())
	}
}

func (s *SinkBase) detach(p *Pin) {
	s.pin.CompareAndSwap(p, nil)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc struct {
	SinkBase
	fn func(sequence uint64) Status
}

// NewSinkFunc returns a Sink that calls fn on every raise.
func NewSinkFunc(fn func(sequence uint64) Status) *SinkFunc {
	return &SinkFunc{fn: fn}
}

func (s *SinkFunc) Raise(sequence uint64) Status {
	if s.fn == nil {
		return StatusNull
	}
	return s.fn(sequence)
}

var _ Sink = (*SinkFunc)(nil)

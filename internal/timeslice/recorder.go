package timeslice

import (
	"time"

	"github.com/tinyrange/irq/internal/irq"
)

var (
	KindRaise       = RegisterKind("irq.raise", SliceFlagInterrupt)
	KindAcknowledge = RegisterKind("irq.acknowledge", 0)
	KindKick        = RegisterKind("irq.kick", SliceFlagInterrupt)
)

type pinKinds struct {
	raise TimesliceID
	ack   TimesliceID
}

// PinRecorder records pin timings under the shared irq kinds and, for pins
// named at construction, under per-pin kinds "irq.raise/<pin>" and
// "irq.acknowledge/<pin>".
//
// Per-pin kinds land in the stream header, so NewPinRecorder must run before
// StartRecording.
type PinRecorder struct {
	pins map[string]pinKinds
}

// NewPinRecorder registers per-pin kinds for names.
func NewPinRecorder(names ...string) *PinRecorder {
	r := &PinRecorder{pins: make(map[string]pinKinds, len(names))}
	for _, name := range names {
		if _, ok := r.pins[name]; ok {
			continue
		}
		r.pins[name] = pinKinds{
			raise: RegisterKind("irq.raise/"+name, SliceFlagInterrupt),
			ack:   RegisterKind("irq.acknowledge/"+name, 0),
		}
	}
	return r
}

func (r *PinRecorder) RecordRaise(pin string, d time.Duration) {
	Record(KindRaise, d)
	if k, ok := r.pins[pin]; ok {
		Record(k.raise, d)
	}
}

func (r *PinRecorder) RecordAcknowledge(pin string, d time.Duration) {
	Record(KindAcknowledge, d)
	if k, ok := r.pins[pin]; ok {
		Record(k.ack, d)
	}
}

// RecordKick records the time taken by a kick.
func (r *PinRecorder) RecordKick(d time.Duration) {
	Record(KindKick, d)
}

var _ irq.Recorder = (*PinRecorder)(nil)

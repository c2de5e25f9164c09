// Package timer multiplexes software timers onto one hardware alarm whose
// expiry arrives as an interrupt.
package timer

import (
	"fmt"

	"github.com/google/btree"

	"github.com/tinyrange/irq/internal/clock"
	"github.com/tinyrange/irq/internal/irq"
	"github.com/tinyrange/irq/internal/spin"
)

// Alarm is a one-shot compare register. Arm programs an absolute deadline in
// clock source nanoseconds, replacing any previous one. Both are called with
// the engine lock held and must not block.
type Alarm interface {
	Arm(deadline uint64)
	Disarm()
}

// Timer fires its callback once the engine's clock passes Deadline.
type Timer struct {
	deadline uint64
	fn       func()

	// Tie-breaker among equal deadlines; assigned on Install.
	seq       uint64
	installed bool
}

// NewTimer returns a timer for deadline (clock source nanoseconds). fn runs
// after the engine lock is dropped but still in interrupt context, with the
// alarm pin locked. It must not block or call back into that pin.
func NewTimer(deadline uint64, fn func()) *Timer {
	return &Timer{deadline: deadline, fn: fn}
}

// Deadline returns the absolute expiry of t.
func (t *Timer) Deadline() uint64 { return t.deadline }

func lessTimer(a, b *Timer) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// Engine keeps pending timers ordered by deadline and keeps the alarm armed
// for the earliest one.
type Engine struct {
	clock clock.Source
	alarm Alarm

	mu      spin.Lock
	timers  *btree.BTreeG[*Timer]
	nextSeq uint64
	armed   bool
	armedAt uint64
}

// NewEngine builds an engine reading time from src and driving alarm.
func NewEngine(src clock.Source, alarm Alarm) *Engine {
	if src == nil {
		src = clock.System()
	}
	return &Engine{
		clock:  src,
		alarm:  alarm,
		timers: btree.NewG(8, lessTimer),
	}
}

// Install queues t. Installing a timer that is already pending is an error.
func (e *Engine) Install(t *Timer) error {
	if t == nil {
		return fmt.Errorf("timer: install of nil timer")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t.installed {
		return fmt.Errorf("timer: timer at %d already installed", t.deadline)
	}
	e.nextSeq++
	t.seq = e.nextSeq
	t.installed = true
	e.timers.ReplaceOrInsert(t)
	e.rearmLocked()
	return nil
}

// Cancel removes a pending timer and reports whether it was pending.
func (e *Engine) Cancel(t *Timer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !t.installed {
		return false
	}
	if _, ok := e.timers.Delete(t); !ok {
		return false
	}
	t.installed = false
	e.rearmLocked()
	return true
}

// Pending returns the number of installed timers.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timers.Len()
}

func (e *Engine) rearmLocked() {
	first, ok := e.timers.Min()
	if !ok {
		if e.armed {
			e.alarm.Disarm()
			e.armed = false
		}
		return
	}
	if e.armed && e.armedAt == first.deadline {
		return
	}
	e.armed = true
	e.armedAt = first.deadline
	e.alarm.Arm(first.deadline)
}

// fireAlarm runs every expired timer and re-arms for the next one. Callbacks
// run after the engine lock is dropped.
func (e *Engine) fireAlarm() int {
	now := e.clock.CurrentNanos()

	e.mu.Lock()
	e.alarm.Disarm()
	e.armed = false
	var expired []*Timer
	for {
		first, ok := e.timers.Min()
		if !ok || first.deadline > now {
			break
		}
		e.timers.DeleteMin()
		first.installed = false
		expired = append(expired, first)
	}
	e.rearmLocked()
	e.mu.Unlock()

	for _, t := range expired {
		if t.fn != nil {
			t.fn()
		}
	}
	return len(expired)
}

// Sink returns an interrupt sink that fires the engine when the alarm's line
// raises.
func (e *Engine) Sink() *AlarmSink {
	return &AlarmSink{engine: e}
}

// AlarmSink connects an alarm interrupt to an Engine.
type AlarmSink struct {
	irq.SinkBase
	engine *Engine
}

// Raise implements irq.Sink.
func (s *AlarmSink) Raise(sequence uint64) irq.Status {
	s.engine.fireAlarm()
	return irq.StatusHandled
}

var _ irq.Sink = (*AlarmSink)(nil)

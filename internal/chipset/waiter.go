package chipset

import (
	"context"

	"github.com/tinyrange/irq/internal/irq"
)

type waitResult struct {
	sequence uint64
	err      error
}

// Waiter blocks a goroutine until an interrupt object reaches a sequence.
// Completions arrive in interrupt context and are handed over through a
// buffered channel, so the callback never blocks the raise path.
//
// A Waiter reuses one await node and is not safe for concurrent Wait calls.
type Waiter struct {
	obj  *irq.Object
	node *irq.AwaitNode
	done chan waitResult
}

// NewWaiter returns a waiter for obj.
func NewWaiter(obj *irq.Object) *Waiter {
	w := &Waiter{obj: obj, done: make(chan waitResult, 1)}
	w.node = irq.NewAwaitNode(func(err error, sequence uint64) {
		w.done <- waitResult{sequence: sequence, err: err}
	})
	return w
}

// Wait returns once the object's sequence reaches at least sequence, with
// the sequence observed at completion. If ctx ends first the wait is
// canceled and ctx.Err() is returned, unless the interrupt won the race.
func (w *Waiter) Wait(ctx context.Context, sequence uint64) (uint64, error) {
	w.obj.SubmitAwait(w.node, sequence)

	select {
	case r := <-w.done:
		return r.sequence, r.err
	case <-ctx.Done():
	}

	if w.obj.Cancel(w.node) {
		<-w.done
		return 0, ctx.Err()
	}
	r := <-w.done
	return r.sequence, r.err
}

// Next waits for the first raise after the current one.
func (w *Waiter) Next(ctx context.Context) (uint64, error) {
	return w.Wait(ctx, w.obj.CurrentSequence()+1)
}

package irq

import (
	"slices"

	"github.com/tinyrange/irq/internal/spin"
)

// AwaitNode is a caller-owned request to be notified once an Object's
// sequence reaches a threshold. A node may be resubmitted after it completes.
type AwaitNode struct {
	onRaise   func(err error, sequence uint64)
	threshold uint64
	queued    bool
}

// NewAwaitNode returns a node that calls onRaise on completion. onRaise runs
// in interrupt context and must not block.
func NewAwaitNode(onRaise func(err error, sequence uint64)) *AwaitNode {
	return &AwaitNode{onRaise: onRaise}
}

// Threshold returns the sequence the node was last submitted with.
func (n *AwaitNode) Threshold() uint64 { return n.threshold }

type completion struct {
	node     *AwaitNode
	err      error
	sequence uint64
}

func (c completion) fire() {
	if c.node.onRaise != nil {
		c.node.onRaise(c.err, c.sequence)
	}
}

// Object is the sink consumers wait on. Each raise advances its sequence and
// completes the await nodes it satisfies.
type Object struct {
	SinkBase

	mu spin.Lock

	// Protected by mu.
	current uint64
	queue   []*AwaitNode
	retired error
}

// NewObject returns an unattached Object with sequence zero.
func NewObject() *Object {
	return &Object{}
}

// Raise implements Sink.
func (o *Object) Raise(sequence uint64) Status {
	o.mu.Lock()
	if sequence > o.current {
		o.current = sequence
	}
	ready := o.collectLocked()
	o.mu.Unlock()

	for _, c := range ready {
		c.fire()
	}
	return StatusHandled
}

// collectLocked removes every satisfied node from the queue, preserving the
// order of the rest.
func (o *Object) collectLocked() []completion {
	var ready []completion
	kept := o.queue[:0]
	for _, node := range o.queue {
		if node.threshold <= o.current {
			node.queued = false
			ready = append(ready, completion{node: node, sequence: o.current})
			continue
		}
		kept = append(kept, node)
	}
	clear(o.queue[len(kept):])
	o.queue = kept
	return ready
}

// SubmitAwait asks for node to complete once the sequence reaches sequence.
// If it already has, node completes before SubmitAwait returns. Submitting a
// node that is still queued panics.
func (o *Object) SubmitAwait(node *AwaitNode, sequence uint64) {
	if node == nil {
		panic("irq: SubmitAwait with nil node")
	}

	o.mu.Lock()
	if node.queued {
		o.mu.Unlock()
		panic("irq: await node submitted while still queued")
	}
	node.threshold = sequence

	var now *completion
	switch {
	case o.retired != nil:
		now = &completion{node: node, err: o.retired, sequence: o.current}
	case sequence <= o.current:
		now = &completion{node: node, sequence: o.current}
	default:
		node.queued = true
		o.queue = append(o.queue, node)
	}
	o.mu.Unlock()

	if now != nil {
		now.fire()
	}
}

// Cancel removes a pending node and completes it with ErrCanceled. It
// reports false if the node was not queued on o.
func (o *Object) Cancel(node *AwaitNode) bool {
	o.mu.Lock()
	idx := slices.Index(o.queue, node)
	if idx < 0 {
		o.mu.Unlock()
		return false
	}
	o.queue = slices.Delete(o.queue, idx, idx+1)
	node.queued = false
	seq := o.current
	o.mu.Unlock()

	completion{node: node, err: ErrCanceled, sequence: seq}.fire()
	return true
}

// CurrentSequence returns the highest sequence seen.
func (o *Object) CurrentSequence() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Pending returns the number of queued await nodes.
func (o *Object) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Kick forwards to the pin's Kick. A retired object returns its retire error.
func (o *Object) Kick() (bool, error) {
	pin, err := o.livePin()
	if err != nil {
		return false, err
	}
	return pin.Kick(), nil
}

// Acknowledge forwards to the pin's Acknowledge. A retired object returns its
// retire error and leaves the line alone.
func (o *Object) Acknowledge() error {
	pin, err := o.livePin()
	if err != nil {
		return err
	}
	pin.Acknowledge()
	return nil
}

func (o *Object) livePin() (*Pin, error) {
	o.mu.Lock()
	retired := o.retired
	o.mu.Unlock()
	if retired != nil {
		return nil, retired
	}
	pin := o.Pin()
	if pin == nil {
		return nil, ErrNotAttached
	}
	return pin, nil
}

// Retire detaches o from its pin and fails every pending and future await
// with err (ErrRetired if nil). Retiring twice keeps the first error. Like
// Kick, it must not be called from a sink's Raise.
func (o *Object) Retire(err error) {
	if err == nil {
		err = ErrRetired
	}

	o.mu.Lock()
	if o.retired != nil {
		o.mu.Unlock()
		return
	}
	o.retired = err
	pending := o.queue
	o.queue = nil
	for _, node := range pending {
		node.queued = false
	}
	seq := o.current
	o.mu.Unlock()

	if pin := o.Pin(); pin != nil {
		pin.Detach(o)
	}
	for _, node := range pending {
		completion{node: node, err: err, sequence: seq}.fire()
	}
}

var _ Sink = (*Object)(nil)

// Package msi models message-signalled interrupts: a pool of vectors, each
// an edge-only line with its own mask bit.
package msi

import (
	"fmt"

	"github.com/tinyrange/irq/internal/irq"
	"github.com/tinyrange/irq/internal/spin"
)

// Router delivers a vector to the CPU side. *irq.Table implements it.
type Router interface {
	Raise(vector int) irq.Status
}

type vectorState struct {
	allocated bool
	masked    bool
	// A message that arrived while masked is delivered on unmask.
	pending bool
}

// Controller owns the vectors in [first, first+count).
type Controller struct {
	mu spin.Lock

	first   int
	vectors []vectorState
	router  Router
	eois    uint64
}

// New returns a controller for count vectors starting at first.
func New(first, count int, router Router) *Controller {
	return &Controller{
		first:   first,
		vectors: make([]vectorState, count),
		router:  router,
	}
}

// Alloc reserves the lowest free vector.
func (c *Controller) Alloc() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.vectors {
		if !c.vectors[i].allocated {
			c.vectors[i] = vectorState{allocated: true}
			return c.first + i, nil
		}
	}
	return 0, fmt.Errorf("msi: no free vectors")
}

// Reserve claims a specific vector.
func (c *Controller) Reserve(vector int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.stateLocked(vector)
	if err != nil {
		return err
	}
	if st.allocated {
		return fmt.Errorf("msi: vector %d already allocated", vector)
	}
	*st = vectorState{allocated: true}
	return nil
}

// Free releases vector. Freeing a vector twice is an error.
func (c *Controller) Free(vector int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.stateLocked(vector)
	if err != nil {
		return err
	}
	if !st.allocated {
		return fmt.Errorf("msi: double free of vector %d", vector)
	}
	*st = vectorState{}
	return nil
}

func (c *Controller) stateLocked(vector int) (*vectorState, error) {
	idx := vector - c.first
	if idx < 0 || idx >= len(c.vectors) {
		return nil, fmt.Errorf("msi: vector %d out of range", vector)
	}
	return &c.vectors[idx], nil
}

// SetupPin returns an unconfigured pin for an allocated vector.
func (c *Controller) SetupPin(name string, vector int) (*irq.Pin, error) {
	c.mu.Lock()
	st, err := c.stateLocked(vector)
	if err == nil && !st.allocated {
		err = fmt.Errorf("msi: vector %d not allocated", vector)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return irq.NewPin(name, &line{ctrl: c, vector: vector}), nil
}

// Fire delivers a message for vector. Messages to a masked vector are
// latched and delivered on unmask.
func (c *Controller) Fire(vector int) error {
	c.mu.Lock()
	st, err := c.stateLocked(vector)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !st.allocated {
		c.mu.Unlock()
		return fmt.Errorf("msi: fire on unallocated vector %d", vector)
	}
	if st.masked {
		st.pending = true
		c.mu.Unlock()
		return nil
	}
	router := c.router
	c.mu.Unlock()

	if router != nil {
		router.Raise(vector)
	}
	return nil
}

// Unmask clears the mask bit of vector and delivers a latched message.
// It must not be called with the vector's pin locked.
func (c *Controller) Unmask(vector int) error {
	c.mu.Lock()
	st, err := c.stateLocked(vector)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	st.masked = false
	deliver := st.pending
	st.pending = false
	router := c.router
	c.mu.Unlock()

	if deliver && router != nil {
		router.Raise(vector)
	}
	return nil
}

// Mask sets the mask bit of vector.
func (c *Controller) Mask(vector int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.stateLocked(vector)
	if err != nil {
		return err
	}
	st.masked = true
	return nil
}

// Pending reports whether a message is latched for vector.
func (c *Controller) Pending(vector int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.stateLocked(vector)
	return err == nil && st.pending
}

// EOIs returns the number of end-of-interrupt signals received.
func (c *Controller) EOIs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eois
}

// line is the irq.Controller for one vector. Messages are edges, so every
// vector is acknowledged with a plain EOI.
type line struct {
	ctrl   *Controller
	vector int
}

func (l *line) Program(mode irq.TriggerMode, polarity irq.Polarity) irq.Strategy {
	if mode == irq.TriggerLevel {
		panic(fmt.Sprintf("msi: vector %d cannot be level triggered", l.vector))
	}
	return irq.StrategyJustEOI
}

func (l *line) Mask() {
	l.ctrl.mu.Lock()
	defer l.ctrl.mu.Unlock()
	if st, err := l.ctrl.stateLocked(l.vector); err == nil {
		st.masked = true
	}
}

// Unmask from the pin side only clears the bit; latched messages wait for
// Controller.Unmask.
func (l *line) Unmask() {
	l.ctrl.mu.Lock()
	defer l.ctrl.mu.Unlock()
	if st, err := l.ctrl.stateLocked(l.vector); err == nil {
		st.masked = false
	}
}

func (l *line) SendEOI() {
	l.ctrl.mu.Lock()
	defer l.ctrl.mu.Unlock()
	l.ctrl.eois++
}

var _ irq.Controller = (*line)(nil)

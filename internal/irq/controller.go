package irq

import "time"

// Controller is the controller-specific half of a pin. All methods are called
// with the pin's lock held and must not block.
type Controller interface {
	// Program configures the hardware for the trigger mode and polarity and
	// returns the acknowledgement strategy the pin must follow.
	Program(mode TriggerMode, polarity Polarity) Strategy
	Mask()
	Unmask()
	// SendEOI signals end-of-interrupt to the controller.
	SendEOI()
}

// LevelSensor is implemented by controllers that can report whether the
// input condition of a line is still asserted. Pin.Kick uses it.
type LevelSensor interface {
	Asserted() bool
}

// Recorder receives timing for pin operations. It must not block.
type Recorder interface {
	RecordRaise(pin string, d time.Duration)
	RecordAcknowledge(pin string, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordRaise(string, time.Duration)       {}
func (noopRecorder) RecordAcknowledge(string, time.Duration) {}

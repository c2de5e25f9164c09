package chipset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Controller kinds understood by the builder.
const (
	KindIOAPIC = "ioapic"
	KindMSI    = "msi"
)

const (
	DefaultVectors     = 256
	DefaultIOAPICLines = 24
	DefaultWatchdog    = 500 * time.Millisecond
)

// Topology describes the interrupt hardware of a machine and who consumes
// each pin.
type Topology struct {
	// Vectors is the size of the slot table. Zero means DefaultVectors.
	Vectors int `yaml:"vectors"`
	// PendingThreshold is how long a level pin may stay masked before it is
	// reported. Zero keeps the core default.
	PendingThreshold Duration `yaml:"pending_threshold"`
	// Watchdog is the interval at which Poll checks for stuck pins.
	Watchdog Duration `yaml:"watchdog"`

	Controllers []ControllerConfig `yaml:"controllers"`
	Pins        []PinConfig        `yaml:"pins"`
	Endpoints   []EndpointConfig   `yaml:"endpoints"`
	Timers      []TimerConfig      `yaml:"timers"`
}

// ControllerConfig declares one interrupt controller.
type ControllerConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// Lines is the number of IO-APIC inputs.
	Lines int `yaml:"lines"`

	// FirstVector and Vectors bound the MSI vector pool.
	FirstVector int `yaml:"first_vector"`
	Vectors     int `yaml:"vectors"`
}

// PinConfig binds a controller input to a vector.
type PinConfig struct {
	Name       string `yaml:"name"`
	Controller string `yaml:"controller"`
	// Line is the controller input. Ignored for MSI controllers.
	Line     int    `yaml:"line"`
	Vector   int    `yaml:"vector"`
	Trigger  string `yaml:"trigger"`
	Polarity string `yaml:"polarity"`
}

// EndpointConfig names an interrupt object attached to a pin.
type EndpointConfig struct {
	Name string `yaml:"name"`
	Pin  string `yaml:"pin"`
}

// Alarm sources for timers.
const (
	AlarmSoft = "soft"
	AlarmHPET = "hpet"
)

// TimerConfig attaches a timer engine to a pin. The pin doubles as the
// engine's alarm line.
type TimerConfig struct {
	Name string `yaml:"name"`
	Pin  string `yaml:"pin"`
	// Alarm selects what raises the pin when the earliest timer is due:
	// "soft" (default) pulses it from a runtime timer, "hpet" programs a
	// comparator of an HPET wired to the pin's IO-APIC.
	Alarm string `yaml:"alarm"`
	// Comparator is the HPET comparator used by an "hpet" alarm.
	Comparator int `yaml:"comparator"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ParseTopology decodes a YAML topology. Unknown fields are rejected.
func ParseTopology(data []byte) (*Topology, error) {
	var topo Topology
	if err := decodeStrict(data, &topo); err != nil {
		return nil, fmt.Errorf("chipset: parse topology: %w", err)
	}
	return &topo, nil
}

// LoadTopology reads and decodes a YAML topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chipset: read topology: %w", err)
	}
	topo, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return topo, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

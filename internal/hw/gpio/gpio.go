package gpio

import (
	"sync"

	"github.com/cjeanneret/MagRail/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp // input with the internal pull-up enabled
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case InputPullUp:
		return "input-pullup"
	default:
		return "unknown"
	}
}

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver is an in-memory implementation used for development on PC
// and in tests. It remembers each pin's mode and output latch, and lets
// callers simulate an external switch pulling a pin to ground.
// The zero value is ready to use.
type MockDriver struct {
	mu      sync.Mutex
	modes   map[int]PinMode
	latches map[int]Level
	pressed map[int]bool
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) init() {
	if m.modes == nil {
		m.modes = make(map[int]PinMode)
		m.latches = make(map[int]Level)
		m.pressed = make(map[int]bool)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.latches[pin] = level
	return nil
}

// ReadPin returns the latch for outputs. Inputs read Low while an external
// switch is pressed; otherwise pull-up inputs read High and floating
// inputs read Low.
func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	switch m.modes[pin] {
	case Output:
		return m.latches[pin], nil
	case InputPullUp:
		return Level(!m.pressed[pin]), nil
	default:
		return Low, nil
	}
}

// Press simulates a normally-open switch between pin and ground.
func (m *MockDriver) Press(pin int, pressed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.pressed[pin] = pressed
}

// Mode returns the current mode of pin.
func (m *MockDriver) Mode(pin int) PinMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.modes[pin]
}

// IsDrivenLow reports whether pin is an output holding Low.
func (m *MockDriver) IsDrivenLow(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.modes[pin] == Output && m.latches[pin] == Low
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}

package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/MagRail/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// ErrNotSetUp is returned for a pin that was never passed to SetupPin.
var ErrNotSetUp = errors.New("gpio: pin not set up")

// RPiDriver drives Raspberry Pi GPIO through go-rpio. Lines are treated as
// open-drain: an output may only pull low; releasing a line means switching
// it back to an input with the pull-up enabled.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver maps GPIO memory. Requires /dev/gpiomem access or root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO memory mapped")
	return &RPiDriver{pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
		p.PullOff()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case Output:
		// Latch low first so the line never glitches high.
		p.Low()
		p.Output()
		p.Low()
	default:
		return fmt.Errorf("gpio: unknown pin mode %d", mode)
	}
	r.pins[pin] = p
	return nil
}

// WritePin sets the output latch. Driving High is refused: the motor
// supply holds the lines up and a high output would fight it.
func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotSetUp, pin)
	}
	if level == High {
		return fmt.Errorf("gpio: refusing to drive open-drain pin %d high", pin)
	}
	p.Low()
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	p, ok := r.pins[pin]
	r.mu.Unlock()
	if !ok {
		return Low, fmt.Errorf("%w: %d", ErrNotSetUp, pin)
	}
	return p.Read() == rpio.High, nil
}

// Close releases every pin used so far and unmaps GPIO memory.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()
	for pin, p := range r.pins {
		debug.Verbose("Releasing pin %d", pin)
		p.Input()
		p.PullUp()
	}
	return rpio.Close()
}

// Package sim is a software stand-in for the rail: a lead screw turned by a
// DC motor on two open-drain lines, a limit switch at each end and an
// MLX90393 watching a magnet on the screw. It implements gpio.Driver and
// mlx90393.Bus so the real drivers run unmodified in mock mode.
package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/MagRail/internal/debug"
	"github.com/cjeanneret/MagRail/internal/hw/gpio"
	"github.com/cjeanneret/MagRail/internal/hw/mlx90393"
)

// Device opcodes and status bits, as seen from the sensor side.
const (
	opStartBurst   = 0x10
	opReadMeasure  = 0x40
	opReadRegister = 0x50
	opWriteReg     = 0x60
	opExit         = 0x80
	opReset        = 0xF0

	stBurst    = 0x80
	stError    = 0x10
	stResetAck = 0x04
	stBytes    = 0x02
)

// Power-on register values.
var resetRegs = map[byte]uint16{0x00: 0x007C, 0x01: 0x0000, 0x02: 0x0000}

// Config describes the simulated rail.
type Config struct {
	NearPin   int
	FarPin    int
	Address   byte    // sensor address; 0 = mlx90393.DefaultAddress
	TravelDeg float64 // screw rotation between the two limits
	RateDeg   float64 // screw speed at full duty, degrees per second
	StartDeg  float64 // initial position
	Amplitude float64 // field magnitude in ADC counts
}

// Plant is the simulated rail. Safe for concurrent use: the actuator loop
// drives the GPIO side while the control loop polls the bus side.
type Plant struct {
	mu  sync.Mutex
	cfg Config

	modes   map[int]gpio.PinMode
	latches map[int]gpio.Level

	position float64
	last     time.Time
	now      func() time.Time

	regs    map[byte]uint16
	burst   bool
	pending []byte
}

// New returns a plant at cfg.StartDeg with both lines floating.
func New(cfg Config) *Plant {
	if cfg.Address == 0 {
		cfg.Address = mlx90393.DefaultAddress
	}
	if cfg.TravelDeg <= 0 {
		cfg.TravelDeg = 6700
	}
	if cfg.RateDeg <= 0 {
		cfg.RateDeg = 720
	}
	if cfg.Amplitude <= 0 {
		cfg.Amplitude = 2000
	}
	p := &Plant{
		cfg:      cfg,
		modes:    make(map[int]gpio.PinMode),
		latches:  make(map[int]gpio.Level),
		position: cfg.StartDeg,
		now:      time.Now,
	}
	p.resetRegisters()
	p.last = p.now()
	debug.Info("Simulated rail: travel=%.0f°, %.0f°/s at full duty, start=%.0f°", cfg.TravelDeg, cfg.RateDeg, cfg.StartDeg)
	return p
}

// Position returns the simulated screw angle. 0 is the near end.
func (p *Plant) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.position
}

// advance integrates motion since the previous call using the line
// states that were in force over that interval. Called with mu held.
func (p *Plant) advance() {
	now := p.now()
	dt := now.Sub(p.last).Seconds()
	p.last = now
	if dt <= 0 {
		return
	}
	p.position += float64(p.direction()) * p.cfg.RateDeg * dt
	p.position = math.Max(0, math.Min(p.cfg.TravelDeg, p.position))
}

func (p *Plant) drivenLow(pin int) bool {
	return p.modes[pin] == gpio.Output && p.latches[pin] == gpio.Low
}

// direction is +1 with only the near line pulled low, -1 with only the
// far line pulled low, else 0.
func (p *Plant) direction() int {
	near, far := p.drivenLow(p.cfg.NearPin), p.drivenLow(p.cfg.FarPin)
	switch {
	case near && !far:
		return 1
	case far && !near:
		return -1
	}
	return 0
}

func (p *Plant) pressed(pin int) bool {
	switch pin {
	case p.cfg.NearPin:
		return p.position <= 0
	case p.cfg.FarPin:
		return p.position >= p.cfg.TravelDeg
	}
	return false
}

// SetupPin implements gpio.Driver.
func (p *Plant) SetupPin(pin int, mode gpio.PinMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.modes[pin] = mode
	debug.GPIO("SetupPin (sim)", pin, mode)
	return nil
}

// WritePin implements gpio.Driver.
func (p *Plant) WritePin(pin int, level gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	if level == gpio.High && p.modes[pin] == gpio.Output {
		return fmt.Errorf("sim: pin %d driven high against the motor supply", pin)
	}
	p.latches[pin] = level
	return nil
}

// ReadPin implements gpio.Driver. A pull-up input reads Low while its
// limit switch is closed.
func (p *Plant) ReadPin(pin int) (gpio.Level, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	switch p.modes[pin] {
	case gpio.Output:
		return p.latches[pin], nil
	case gpio.InputPullUp:
		return gpio.Level(!p.pressed(pin)), nil
	}
	return gpio.Low, nil
}

// Close implements gpio.Driver.
func (p *Plant) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pin := range p.modes {
		p.modes[pin] = gpio.InputPullUp
	}
	return nil
}

func (p *Plant) resetRegisters() {
	p.regs = make(map[byte]uint16, len(resetRegs))
	for k, v := range resetRegs {
		p.regs[k] = v
	}
	p.burst = false
}

// WriteBytes implements mlx90393.Bus. The response to the command is held
// until the next ReadBytes.
func (p *Plant) WriteBytes(addr byte, value []byte) error {
	if addr != p.cfg.Address {
		return fmt.Errorf("sim: no device at 0x%02X", addr)
	}
	if len(value) == 0 {
		return fmt.Errorf("sim: empty write")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()

	cmd := value[0]
	switch {
	case cmd == opExit:
		p.burst = false
		p.pending = []byte{0x00}
	case cmd == opReset:
		p.resetRegisters()
		p.pending = []byte{stResetAck}
	case cmd == opReadRegister && len(value) == 2:
		v := p.regs[value[1]>>2]
		p.pending = []byte{p.status(), byte(v >> 8), byte(v)}
	case cmd == opWriteReg && len(value) == 4:
		p.regs[value[3]>>2] = uint16(value[1])<<8 | uint16(value[2])
		p.pending = []byte{p.status()}
	case cmd&0xF0 == opStartBurst:
		p.burst = true
		p.pending = []byte{stBurst}
	case cmd&0xF0 == opReadMeasure:
		p.pending = p.measurement()
	default:
		p.pending = []byte{stError}
	}
	return nil
}

// ReadBytes implements mlx90393.Bus.
func (p *Plant) ReadBytes(addr byte, num int) ([]byte, error) {
	if addr != p.cfg.Address {
		return nil, fmt.Errorf("sim: no device at 0x%02X", addr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, num)
	copy(out, p.pending)
	p.pending = nil
	return out, nil
}

func (p *Plant) status() byte {
	if p.burst {
		return stBurst
	}
	return 0
}

// measurement builds an XY frame for the current screw angle, encoded for
// the resolution programmed in CONF3.
func (p *Plant) measurement() []byte {
	if !p.burst {
		return []byte{stError, 0xFF, 0xFF, 0xFF, 0xFF}
	}
	rad := p.position * math.Pi / 180
	res := mlx90393.Resolution(p.regs[0x02] >> 5 & 0x03)
	x := encode(p.cfg.Amplitude*math.Cos(rad), res)
	y := encode(p.cfg.Amplitude*math.Sin(rad), res)
	return []byte{stBurst | stBytes, byte(x >> 8), byte(x), byte(y >> 8), byte(y)}
}

func encode(counts float64, res mlx90393.Resolution) uint16 {
	c := int(math.Round(counts))
	switch res {
	case mlx90393.Res2:
		return uint16(c + 0x8000)
	case mlx90393.Res3:
		return uint16(c + 0x4000)
	}
	return uint16(int16(c))
}

package actuator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/MagRail/internal/debug"
	"github.com/cjeanneret/MagRail/internal/hw/gpio"
	"github.com/cjeanneret/MagRail/internal/metrics"
)

const (
	DefaultPeriodTicks = 100
	DefaultTickRate    = 10000 // Hz
)

// LineState is the mode of one shared motor/limit line.
type LineState int

const (
	// Sensing: input with pull-up. The motor input floats high and the
	// limit switch can pull the line to ground.
	Sensing LineState = iota
	// DrivenLow: output held low, powering the motor in one direction.
	DrivenLow
)

func (s LineState) String() string {
	if s == DrivenLow {
		return "driven-low"
	}
	return "sensing"
}

// LimitState holds the most recent limit switch samples.
// A line that is driven low during a tick reports false for that tick.
type LimitState struct {
	Near bool
	Far  bool
}

// Config holds the hardware configuration for the actuator.
type Config struct {
	NearPin     int     // driven low for positive speed; near-end switch to ground
	FarPin      int     // driven low for negative speed; far-end switch to ground
	PeriodTicks int     // duty cycle period in ticks. 0 = DefaultPeriodTicks.
	TickRate    float64 // ticks per second. 0 = DefaultTickRate.
}

const (
	near = 0
	far  = 1
)

// Driver realizes a bidirectional motor on two open-drain lines with
// software duty cycling. It exclusively owns both lines.
//
// Speed and limit flags are the only state shared with other goroutines;
// everything else belongs to whoever calls Tick (normally Run).
type Driver struct {
	gpio   gpio.Driver
	pins   [2]int
	period int
	tick   time.Duration

	speed    atomic.Uint64 // math.Float64bits of the commanded speed
	limits   [2]atomic.Bool
	overruns atomic.Uint64
	fault    atomic.Pointer[error] // set when Run exits on a tick failure

	mu      sync.Mutex // serializes line transitions between Tick and Stop
	lines   [2]LineState
	counter int

	now   func() time.Time
	sleep func(time.Duration)
}

// New releases both lines to sensing and returns a stopped driver.
func New(g gpio.Driver, cfg Config) (*Driver, error) {
	if cfg.NearPin == cfg.FarPin {
		return nil, fmt.Errorf("actuator: near and far pins must differ, both are %d", cfg.NearPin)
	}
	if cfg.PeriodTicks <= 0 {
		cfg.PeriodTicks = DefaultPeriodTicks
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}

	d := &Driver{
		gpio:   g,
		pins:   [2]int{cfg.NearPin, cfg.FarPin},
		period: cfg.PeriodTicks,
		tick:   time.Duration(float64(time.Second) / cfg.TickRate),
		now:    time.Now,
		sleep:  time.Sleep,
	}

	for i, pin := range d.pins {
		if err := g.SetupPin(pin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("actuator: setup pin %d: %w", pin, err)
		}
		d.lines[i] = Sensing
	}

	debug.Verbose("Actuator: near=%d far=%d period=%d ticks, tick=%v", cfg.NearPin, cfg.FarPin, d.period, d.tick)
	return d, nil
}

// SetSpeed commits a new speed command in [-1, 1]. The sign selects the
// direction and the magnitude the duty fraction. Values outside the range
// are a programming error and panic.
func (d *Driver) SetSpeed(v float64) {
	if math.IsNaN(v) || v < -1 || v > 1 {
		panic(fmt.Sprintf("actuator: speed %v outside [-1, 1]", v))
	}
	d.speed.Store(math.Float64bits(v))
}

// Speed returns the last committed speed command.
func (d *Driver) Speed() float64 {
	return math.Float64frombits(d.speed.Load())
}

// Limits returns the most recent limit samples.
func (d *Driver) Limits() LimitState {
	return LimitState{Near: d.limits[near].Load(), Far: d.limits[far].Load()}
}

// Err returns the error that ended Run, or nil while the loop is healthy
// or was stopped by cancellation. Once set, speed commands have no effect.
func (d *Driver) Err() error {
	if p := d.fault.Load(); p != nil {
		return *p
	}
	return nil
}

// Overruns returns how many ticks exceeded the tick period.
func (d *Driver) Overruns() uint64 {
	return d.overruns.Load()
}

// Lines returns the current state of the near and far lines.
func (d *Driver) Lines() (nearState, farState LineState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines[near], d.lines[far]
}

// Tick runs one duty-cycle step and samples the limit switches on the
// lines left in sensing mode. It reports whether the motor was on.
func (d *Driver) Tick() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.Speed()
	on := float64(d.counter%d.period) < float64(d.period)*math.Abs(v)
	d.counter++

	var err error
	switch {
	case on && v > 0:
		err = d.drive(near, far)
	case on && v < 0:
		err = d.drive(far, near)
	default:
		err = d.releaseAll()
	}
	if err != nil {
		return on, err
	}

	for i, pin := range d.pins {
		if d.lines[i] != Sensing {
			d.limits[i].Store(false)
			continue
		}
		level, err := d.gpio.ReadPin(pin)
		if err != nil {
			return on, fmt.Errorf("actuator: read pin %d: %w", pin, err)
		}
		d.limits[i].Store(level == gpio.Low)
	}
	return on, nil
}

// Run ticks at the configured rate until ctx is cancelled, then releases
// both lines. Overruns are counted and reported, never compensated.
func (d *Driver) Run(ctx context.Context) error {
	debug.Info("Actuator loop started (%v per tick)", d.tick)
	defer d.Stop()

	next := d.now()
	for {
		select {
		case <-ctx.Done():
			debug.Info("Actuator loop stopped (%d overruns)", d.Overruns())
			return ctx.Err()
		default:
		}

		if _, err := d.Tick(); err != nil {
			err = fmt.Errorf("actuator: tick loop stopped: %w", err)
			d.fault.Store(&err)
			debug.Error(err)
			return err
		}

		next = next.Add(d.tick)
		if wait := next.Sub(d.now()); wait > 0 {
			d.sleep(wait)
		} else {
			d.overruns.Add(1)
			metrics.TickOverruns.Inc()
			debug.Trace("Actuator tick overrun by %v", -wait)
			next = d.now()
		}
	}
}

// Stop zeroes the speed and releases both lines immediately, without
// waiting for the next tick.
func (d *Driver) Stop() {
	d.speed.Store(math.Float64bits(0))

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, pin := range d.pins {
		if err := d.gpio.SetupPin(pin, gpio.InputPullUp); err != nil {
			debug.Error(fmt.Errorf("actuator: stop: release pin %d: %w", pin, err))
			continue
		}
		d.lines[i] = Sensing
	}
	debug.Verbose("Actuator stopped")
}

// drive pulls line on low and releases line off.
func (d *Driver) drive(on, off int) error {
	if err := d.release(off); err != nil {
		return err
	}
	if d.lines[on] == DrivenLow {
		return nil
	}
	pin := d.pins[on]
	// Latch low before enabling the output so the line never goes high.
	if err := d.gpio.WritePin(pin, gpio.Low); err != nil {
		return fmt.Errorf("actuator: drive pin %d: %w", pin, err)
	}
	if err := d.gpio.SetupPin(pin, gpio.Output); err != nil {
		return fmt.Errorf("actuator: drive pin %d: %w", pin, err)
	}
	d.lines[on] = DrivenLow
	return nil
}

func (d *Driver) release(line int) error {
	if d.lines[line] == Sensing {
		return nil
	}
	pin := d.pins[line]
	if err := d.gpio.SetupPin(pin, gpio.InputPullUp); err != nil {
		return fmt.Errorf("actuator: release pin %d: %w", pin, err)
	}
	d.lines[line] = Sensing
	return nil
}

func (d *Driver) releaseAll() error {
	if err := d.release(near); err != nil {
		return err
	}
	return d.release(far)
}

package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/felixge/pidctrl"

	"github.com/cjeanneret/MagRail/internal/debug"
	"github.com/cjeanneret/MagRail/internal/hw/actuator"
	"github.com/cjeanneret/MagRail/internal/hw/mlx90393"
	"github.com/cjeanneret/MagRail/internal/logic/heading"
	"github.com/cjeanneret/MagRail/internal/metrics"
	"github.com/cjeanneret/MagRail/internal/trace"
)

// Defaults used when Config leaves a field at zero.
const (
	DefaultGain         = 0.015
	DefaultTolerance    = 10.0 // degrees
	DefaultSettle       = 500 * time.Millisecond
	DefaultPollInterval = 2 * time.Millisecond
)

// ErrBusy is returned when a move or homing run is already in progress.
var ErrBusy = errors.New("motion: controller busy")

// State of the motion controller.
type State int32

const (
	Homing State = iota
	Seeking
	Settling
	Done
)

func (s State) String() string {
	switch s {
	case Homing:
		return "homing"
	case Seeking:
		return "seeking"
	case Settling:
		return "settling"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Sensor delivers validated two-axis samples. ok is false when no new
// sample is available on this poll.
type Sensor interface {
	ReadSample() (s mlx90393.AxisSample, ok bool)
}

// Actuator is the part of the actuator driver the controller uses. Err
// reports a tick loop that has stopped on its own.
type Actuator interface {
	SetSpeed(v float64)
	Limits() actuator.LimitState
	Err() error
}

// MotionTarget is a desired cumulative angle with its exit criterion.
type MotionTarget struct {
	TargetDeg float64
	Tolerance float64       // degrees; |error| below this counts as in position
	Settle    time.Duration // how long the error must stay within Tolerance
}

// Result summarizes one control session.
type Result struct {
	Reason     string // "settled", "near limit", "far limit", "cancelled" or "actuator fault"
	FinalAngle float64
	Iterations int
	Anomalies  int
	Elapsed    time.Duration
}

// Config holds the controller tuning.
type Config struct {
	Gain         float64
	Tolerance    float64
	Settle       time.Duration
	PollInterval time.Duration
	FullTravel   float64 // degrees between the two limits, used by MoveToFraction
	HomingTarget float64 // target used while homing; far past the near end
}

// Controller closes the loop between the sensor and the actuator. It owns
// the heading estimator; only one move or homing run may be active.
type Controller struct {
	sensor   Sensor
	act      Actuator
	est      *heading.Estimator
	cfg      Config
	busy     atomic.Bool
	state    atomic.Int32
	position atomic.Uint64 // math.Float64bits of the cumulative angle

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewController wires a controller. est may be shared with nothing else.
func NewController(sensor Sensor, act Actuator, est *heading.Estimator, cfg Config) *Controller {
	if cfg.Gain <= 0 {
		cfg.Gain = DefaultGain
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	c := &Controller{
		sensor: sensor,
		act:    act,
		est:    est,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	c.setState(Done)
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// State returns the current state. Done when idle.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Position returns the cumulative angle as of the last iteration.
func (c *Controller) Position() float64 {
	return math.Float64frombits(c.position.Load())
}

// Busy reports whether a run is in progress.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Target returns a MotionTarget at deg using the configured exit criterion.
func (c *Controller) Target(deg float64) MotionTarget {
	return MotionTarget{TargetDeg: deg, Tolerance: c.cfg.Tolerance, Settle: c.cfg.Settle}
}

// MoveTo drives to target and returns once the error has stayed within
// tolerance for the settle duration, or ctx is done.
func (c *Controller) MoveTo(ctx context.Context, target MotionTarget, sink trace.Sink) (Result, error) {
	return c.run(ctx, target, false, sink)
}

// MoveToFraction moves to fraction × the configured full travel.
func (c *Controller) MoveToFraction(ctx context.Context, fraction float64, sink trace.Sink) (Result, error) {
	if c.cfg.FullTravel <= 0 {
		return Result{}, errors.New("motion: full travel not configured")
	}
	return c.MoveTo(ctx, c.Target(fraction*c.cfg.FullTravel), sink)
}

// Home drives toward the near end until its limit switch closes, then
// zeroes the estimator.
func (c *Controller) Home(ctx context.Context, sink trace.Sink) (Result, error) {
	return c.run(ctx, c.Target(c.cfg.HomingTarget), true, sink)
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	metrics.ControllerState.Set(float64(s))
}

func (c *Controller) run(ctx context.Context, target MotionTarget, homing bool, sink trace.Sink) (Result, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer c.busy.Store(false)
	if sink == nil {
		sink = trace.Discard
	}
	if target.Tolerance <= 0 {
		target.Tolerance = c.cfg.Tolerance
	}

	pid := pidctrl.NewPIDController(c.cfg.Gain, 0, 0)
	pid.SetOutputLimits(-1, 1)
	pid.Set(target.TargetDeg)

	state := Seeking
	if homing {
		state = Homing
	}
	c.setState(state)

	start := c.now()
	last := start
	anomaliesAtStart := c.est.Anomalies()
	var settleStart time.Time
	var res Result
	farSeen := false

	finish := func(reason string) {
		c.act.SetSpeed(0)
		metrics.CommandedSpeed.Set(0)
		c.setState(Done)
		res.Reason = reason
		res.FinalAngle = c.est.Cumulative()
		res.Anomalies = c.est.Anomalies() - anomaliesAtStart
		res.Elapsed = c.now().Sub(start)
		c.position.Store(math.Float64bits(res.FinalAngle))
		debug.Session(reason, res.Iterations, res.Anomalies, res.FinalAngle, res.Elapsed)
	}

	if homing {
		debug.Info("Homing (target %.1f°)", target.TargetDeg)
	} else {
		debug.Info("Moving to %.2f° (tolerance %.1f°, settle %v)", target.TargetDeg, target.Tolerance, target.Settle)
	}

	for {
		if err := ctx.Err(); err != nil {
			finish("cancelled")
			return res, err
		}

		if err := c.act.Err(); err != nil {
			finish("actuator fault")
			return res, err
		}

		limits := c.act.Limits()
		if limits.Near && homing {
			c.est.Reset()
			metrics.LimitHits.WithLabelValues("near").Inc()
			debug.Info("Near limit reached, position reset to 0")
			finish("near limit")
			return res, nil
		}
		if limits.Far && !farSeen {
			metrics.LimitHits.WithLabelValues("far").Inc()
			debug.Warn("Far limit reached at %.2f°", c.est.Cumulative())
		}
		farSeen = limits.Far
		if limits.Far && homing {
			finish("far limit")
			return res, nil
		}

		sample, ok := c.sensor.ReadSample()
		if !ok {
			c.sleep(ctx, c.cfg.PollInterval)
			continue
		}
		u := c.est.Update(sample)
		c.position.Store(math.Float64bits(u.Cumulative))
		if u.Reference {
			continue
		}
		res.Iterations++

		now := c.now()
		errDeg := target.TargetDeg - u.Cumulative
		metrics.PositionError.Set(errDeg)

		if !homing {
			within := math.Abs(errDeg) < target.Tolerance
			switch state {
			case Seeking:
				if within {
					state = Settling
					settleStart = now
				}
			case Settling:
				if !within {
					state = Seeking
				} else if now.Sub(settleStart) >= target.Settle {
					state = Done
				}
			}
			c.setState(state)
			if state == Done {
				finish("settled")
				return res, nil
			}
		}

		dt := now.Sub(last)
		if dt <= 0 {
			dt = time.Microsecond
		}
		speed := pid.UpdateDuration(u.Cumulative, dt)
		last = now
		c.act.SetSpeed(speed)
		metrics.CommandedSpeed.Set(speed)
		debug.Control(state.String(), errDeg, speed, u.Cumulative, target.TargetDeg)

		rec := trace.Record{
			Elapsed:    now.Sub(start),
			Cumulative: u.Cumulative,
			Heading:    u.Heading,
			Error:      errDeg,
			Speed:      speed,
		}
		if err := sink.Append(rec); err != nil {
			debug.Error(fmt.Errorf("trace: %w", err))
		}

		c.sleep(ctx, c.cfg.PollInterval)
	}
}

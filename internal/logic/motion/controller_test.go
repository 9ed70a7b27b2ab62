package motion

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cjeanneret/MagRail/internal/hw/actuator"
	"github.com/cjeanneret/MagRail/internal/hw/mlx90393"
	"github.com/cjeanneret/MagRail/internal/logic/heading"
	"github.com/cjeanneret/MagRail/internal/trace"
)

const poll = 100 * time.Millisecond

// scriptSensor returns one sample per heading, then no samples. hook runs
// before each read with the read index.
type scriptSensor struct {
	headings []float64
	i        int
	hook     func(i int)
	empty    func()
}

func (s *scriptSensor) ReadSample() (mlx90393.AxisSample, bool) {
	if s.hook != nil {
		s.hook(s.i)
	}
	if s.i >= len(s.headings) {
		if s.empty != nil {
			s.empty()
		}
		return mlx90393.AxisSample{}, false
	}
	rad := s.headings[s.i] * math.Pi / 180
	s.i++
	return mlx90393.AxisSample{X: math.Cos(rad), Y: math.Sin(rad)}, true
}

type fakeActuator struct {
	speeds []float64
	limits actuator.LimitState
	err    error
}

func (a *fakeActuator) SetSpeed(v float64) {
	if v < -1 || v > 1 {
		panic("speed out of range")
	}
	a.speeds = append(a.speeds, v)
}

func (a *fakeActuator) Limits() actuator.LimitState { return a.limits }

func (a *fakeActuator) Err() error { return a.err }

func (a *fakeActuator) last() float64 {
	if len(a.speeds) == 0 {
		return math.NaN()
	}
	return a.speeds[len(a.speeds)-1]
}

func newTestController(sensor Sensor, act Actuator) (*Controller, *heading.Estimator) {
	est := heading.NewEstimator(0)
	c := NewController(sensor, act, est, Config{
		Gain:         0.015,
		Tolerance:    10,
		Settle:       500 * time.Millisecond,
		PollInterval: poll,
		FullTravel:   6700,
		HomingTarget: -1e6,
	})
	clock := time.Unix(0, 0)
	c.now = func() time.Time { return clock }
	c.sleep = func(_ context.Context, d time.Duration) { clock = clock.Add(d) }
	return c, est
}

// cancelWhenEmpty wires the sensor to cancel ctx once its script runs out.
func cancelWhenEmpty(s *scriptSensor) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.empty = cancel
	return ctx
}

func TestState_String(t *testing.T) {
	want := map[State]string{Homing: "homing", Seeking: "seeking", Settling: "settling", Done: "done"}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), name)
		}
	}
}

func TestMoveTo_ProportionalSpeed(t *testing.T) {
	tests := []struct {
		target float64
		want   float64
	}{
		{target: 100, want: 0.75}, // error 50
		{target: 250, want: 1.0},  // error 200, clamped
		{target: -150, want: -1.0},
		{target: 40, want: -0.15},
	}
	for _, tt := range tests {
		sensor := &scriptSensor{headings: []float64{0, 50}}
		act := &fakeActuator{}
		c, _ := newTestController(sensor, act)
		ctx := cancelWhenEmpty(sensor)

		_, err := c.MoveTo(ctx, c.Target(tt.target), nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("target %v: err = %v, want context.Canceled", tt.target, err)
		}
		if len(act.speeds) != 2 {
			t.Fatalf("target %v: speeds = %v, want one command plus the final stop", tt.target, act.speeds)
		}
		if math.Abs(act.speeds[0]-tt.want) > 1e-9 {
			t.Errorf("target %v: speed = %v, want %v", tt.target, act.speeds[0], tt.want)
		}
		if act.last() != 0 {
			t.Errorf("target %v: final speed = %v, want 0", tt.target, act.last())
		}
	}
}

func TestMoveTo_SettlesAfterHoldingTolerance(t *testing.T) {
	// Enters tolerance at t=300ms and must hold it until t=800ms.
	sensor := &scriptSensor{headings: []float64{0, 30, 60, 88, 95, 95, 95, 95, 95, 95, 95}}
	act := &fakeActuator{}
	c, _ := newTestController(sensor, act)
	sink := trace.NewMemorySink()

	res, err := c.MoveTo(context.Background(), c.Target(100), sink)
	if err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if res.Reason != "settled" {
		t.Errorf("Reason = %q, want settled", res.Reason)
	}
	if math.Abs(res.FinalAngle-95) > 1e-9 {
		t.Errorf("FinalAngle = %v, want 95", res.FinalAngle)
	}
	if sensor.i != 10 {
		t.Errorf("consumed %d samples, want 10 (done at the sixth in-tolerance sample)", sensor.i)
	}
	if act.last() != 0 {
		t.Errorf("final speed = %v, want 0", act.last())
	}
	if c.State() != Done || c.Busy() {
		t.Errorf("after MoveTo: state=%v busy=%v", c.State(), c.Busy())
	}
	if got := len(sink.Records()); got != res.Iterations-1 {
		t.Errorf("%d trace records for %d iterations, want one per commanded iteration", got, res.Iterations)
	}
}

func TestMoveTo_SettleTimerRestarts(t *testing.T) {
	// Error 5° for 0.3s, then 15°, then 5° again for 0.4s: never 0.5s in a row.
	headings := []float64{0, 30, 60, 88, 95, 95, 95, 95, 85, 95, 95, 95, 95, 95}
	sensor := &scriptSensor{headings: headings}
	act := &fakeActuator{}
	c, _ := newTestController(sensor, act)

	var states []State
	sensor.hook = func(int) { states = append(states, c.State()) }
	ctx := cancelWhenEmpty(sensor)

	res, err := c.MoveTo(ctx, c.Target(100), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled (must not settle)", err)
	}
	if res.Reason != "cancelled" {
		t.Errorf("Reason = %q, want cancelled", res.Reason)
	}

	sawSettling, backToSeeking := false, false
	for _, s := range states {
		if s == Done && sawSettling {
			t.Fatal("controller reached Done before being cancelled")
		}
		if s == Settling {
			sawSettling = true
		}
		if s == Seeking && sawSettling {
			backToSeeking = true
		}
	}
	if !sawSettling || !backToSeeking {
		t.Errorf("states %v: expected Settling then a return to Seeking", states)
	}
}

func TestHome_ResetsOnceOnNearLimit(t *testing.T) {
	sensor := &scriptSensor{headings: []float64{0, -20, -40, -60, -80}}
	act := &fakeActuator{}
	sensor.hook = func(i int) {
		if i == 5 {
			act.limits.Near = true
		}
	}
	c, est := newTestController(sensor, act)

	res, err := c.Home(context.Background(), nil)
	if err != nil {
		t.Fatalf("Home: %v", err)
	}
	if res.Reason != "near limit" {
		t.Errorf("Reason = %q, want near limit", res.Reason)
	}
	if est.Cumulative() != 0 || est.HasReference() {
		t.Errorf("estimator after homing: cumulative=%v reference=%v", est.Cumulative(), est.HasReference())
	}
	for i, v := range act.speeds[:len(act.speeds)-1] {
		if v != -1 {
			t.Errorf("homing speed[%d] = %v, want -1", i, v)
		}
	}
	if act.last() != 0 {
		t.Errorf("final speed = %v, want 0", act.last())
	}

	// The near switch stays closed: an ordinary move must not reset again.
	sensor.headings = append(sensor.headings, 10, 30, 50)
	sensor.hook = nil
	ctx := cancelWhenEmpty(sensor)
	if _, err := c.MoveTo(ctx, c.Target(500), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("MoveTo: %v", err)
	}
	if math.Abs(est.Cumulative()-40) > 1e-9 {
		t.Errorf("cumulative = %v, want 40 (no reset outside homing)", est.Cumulative())
	}
}

func TestHome_FarLimitEndsWithoutReset(t *testing.T) {
	sensor := &scriptSensor{headings: []float64{0, -20, -40}}
	act := &fakeActuator{}
	sensor.hook = func(i int) {
		if i == 3 {
			act.limits.Far = true
		}
	}
	c, est := newTestController(sensor, act)

	res, err := c.Home(context.Background(), nil)
	if err != nil {
		t.Fatalf("Home: %v", err)
	}
	if res.Reason != "far limit" {
		t.Errorf("Reason = %q, want far limit", res.Reason)
	}
	if math.Abs(est.Cumulative()+40) > 1e-9 {
		t.Errorf("cumulative = %v, want -40 (no reset)", est.Cumulative())
	}
}

func TestMoveTo_FarLimitOnlyReported(t *testing.T) {
	sensor := &scriptSensor{headings: []float64{0, 30, 60, 88, 95, 95, 95, 95, 95, 95, 95}}
	act := &fakeActuator{limits: actuator.LimitState{Far: true}}
	c, _ := newTestController(sensor, act)

	res, err := c.MoveTo(context.Background(), c.Target(100), nil)
	if err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if res.Reason != "settled" {
		t.Errorf("Reason = %q, want settled despite the far limit", res.Reason)
	}
}

func TestMoveToFraction(t *testing.T) {
	sensor := &scriptSensor{headings: []float64{0, 10}}
	act := &fakeActuator{}
	c, _ := newTestController(sensor, act)
	ctx := cancelWhenEmpty(sensor)
	sink := trace.NewMemorySink()

	_, _ = c.MoveToFraction(ctx, 0.5, sink)
	recs := sink.Records()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if math.Abs(recs[0].Error-(3350-10)) > 1e-9 {
		t.Errorf("error = %v, want %v", recs[0].Error, 3350-10.0)
	}
}

func TestMoveTo_SkipsEmptyPolls(t *testing.T) {
	sensor := &scriptSensor{headings: []float64{0, 50}}
	empties := 0
	wrapped := sensorFunc(func() (mlx90393.AxisSample, bool) {
		if empties < 3 {
			empties++
			return mlx90393.AxisSample{}, false
		}
		return sensor.ReadSample()
	})
	act := &fakeActuator{}
	c, _ := newTestController(wrapped, act)
	ctx := cancelWhenEmpty(sensor)

	res, _ := c.MoveTo(ctx, c.Target(100), nil)
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if len(act.speeds) != 2 {
		t.Errorf("speeds = %v, want one command plus stop", act.speeds)
	}
}

type sensorFunc func() (mlx90393.AxisSample, bool)

func (f sensorFunc) ReadSample() (mlx90393.AxisSample, bool) { return f() }

func TestMoveTo_Busy(t *testing.T) {
	c, _ := newTestController(&scriptSensor{}, &fakeActuator{})
	c.busy.Store(true)
	if _, err := c.MoveTo(context.Background(), c.Target(10), nil); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestMoveTo_CancelledStops(t *testing.T) {
	act := &fakeActuator{}
	c, _ := newTestController(&scriptSensor{}, act)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.MoveTo(ctx, c.Target(10), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(act.speeds) != 1 || act.speeds[0] != 0 {
		t.Errorf("speeds = %v, want a single stop command", act.speeds)
	}
}

func TestController_StopsWhenActuatorLoopDies(t *testing.T) {
	tickErr := errors.New("actuator: tick loop stopped: gpio: bus error")
	sensor := &scriptSensor{headings: []float64{0, 10, 20, 30, 40, 50}}
	act := &fakeActuator{}
	sensor.hook = func(i int) {
		if i == 3 {
			act.err = tickErr
		}
	}
	c, _ := newTestController(sensor, act)

	for _, run := range []func() (Result, error){
		func() (Result, error) { return c.Home(context.Background(), nil) },
		func() (Result, error) { return c.MoveTo(context.Background(), c.Target(1000), nil) },
	} {
		res, err := run()
		if !errors.Is(err, tickErr) {
			t.Fatalf("err = %v, want the tick loop error", err)
		}
		if res.Reason != "actuator fault" {
			t.Errorf("reason = %q, want \"actuator fault\"", res.Reason)
		}
		if act.last() != 0 {
			t.Errorf("last speed = %v, want 0", act.last())
		}
		if c.Busy() {
			t.Error("controller still busy after the fault")
		}
	}
}

package heading

import (
	"math"

	"github.com/cjeanneret/MagRail/internal/debug"
	"github.com/cjeanneret/MagRail/internal/hw/mlx90393"
	"github.com/cjeanneret/MagRail/internal/metrics"
)

// DefaultAnomalyDeg is the delta magnitude reported as a suspicious jump.
const DefaultAnomalyDeg = 40.0

// Update is the result of feeding one sample to the Estimator.
type Update struct {
	Heading    float64 // instantaneous heading, (-180, 180]
	Delta      float64 // unwrapped change since the previous sample
	Cumulative float64 // running total since the last reset
	Reference  bool    // sample only established the reference heading
	Anomalous  bool    // |Delta| >= anomaly threshold
}

// Estimator turns a stream of XY samples into an unwrapped cumulative angle.
// It is owned by the control loop and is not safe for concurrent use.
type Estimator struct {
	anomalyDeg float64
	prev       float64
	hasPrev    bool
	cumulative float64
	anomalies  int
}

// NewEstimator returns an Estimator flagging deltas at or above anomalyDeg.
// A non-positive threshold selects DefaultAnomalyDeg.
func NewEstimator(anomalyDeg float64) *Estimator {
	if anomalyDeg <= 0 {
		anomalyDeg = DefaultAnomalyDeg
	}
	return &Estimator{anomalyDeg: anomalyDeg}
}

// Heading returns atan2(y, x) in degrees, in (-180, 180].
func Heading(s mlx90393.AxisSample) float64 {
	h := math.Atan2(s.Y, s.X) * 180 / math.Pi
	if h == -180 {
		h = 180
	}
	return h
}

// Unwrap returns cur-prev folded into (-180, 180].
func Unwrap(prev, cur float64) float64 {
	delta := cur - prev
	if delta > 180 {
		delta -= 360
	} else if delta <= -180 {
		delta += 360
	}
	return delta
}

// Update integrates one sample. The first sample after a reset only sets
// the reference heading. Anomalous jumps are reported but still integrated.
func (e *Estimator) Update(s mlx90393.AxisSample) Update {
	h := Heading(s)
	metrics.Heading.Set(h)

	if !e.hasPrev {
		e.prev = h
		e.hasPrev = true
		return Update{Heading: h, Cumulative: e.cumulative, Reference: true}
	}

	delta := Unwrap(e.prev, h)
	u := Update{Heading: h, Delta: delta}
	if math.Abs(delta) >= e.anomalyDeg {
		u.Anomalous = true
		e.anomalies++
		metrics.AngleAnomalies.Inc()
		debug.Warn("Heading jump of %.2f° (prev=%.2f, current=%.2f)", delta, e.prev, h)
	}

	e.cumulative += delta
	e.prev = h
	u.Cumulative = e.cumulative
	metrics.CumulativeAngle.Set(e.cumulative)
	return u
}

// Reset zeros the cumulative angle and forgets the reference heading.
func (e *Estimator) Reset() {
	e.cumulative = 0
	e.hasPrev = false
	metrics.CumulativeAngle.Set(0)
}

// Cumulative returns the running total since the last reset.
func (e *Estimator) Cumulative() float64 {
	return e.cumulative
}

// HasReference reports whether a reference heading is set.
func (e *Estimator) HasReference() bool {
	return e.hasPrev
}

// Anomalies returns how many anomalous jumps were seen since creation.
func (e *Estimator) Anomalies() int {
	return e.anomalies
}

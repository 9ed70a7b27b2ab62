// Package metrics holds the Prometheus collectors shared by the sensor,
// actuator and motion packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CumulativeAngle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "magrail_cumulative_angle_degrees",
		Help: "Accumulated heading change since the last homing.",
	})

	Heading = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "magrail_heading_degrees",
		Help: "Instantaneous magnetic heading.",
	})

	PositionError = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "magrail_position_error_degrees",
		Help: "Target minus cumulative angle.",
	})

	CommandedSpeed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "magrail_commanded_speed",
		Help: "Last speed command sent to the actuator, in [-1, 1].",
	})

	ControllerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "magrail_controller_state",
		Help: "Motion controller state (0=homing, 1=seeking, 2=settling, 3=done).",
	})

	SensorReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magrail_sensor_reads_total",
			Help: "Sensor polls by outcome.",
		},
		[]string{"outcome"},
	)

	AngleAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "magrail_angle_anomalies_total",
		Help: "Heading deltas at or above the anomaly threshold.",
	})

	TickOverruns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "magrail_actuator_tick_overruns_total",
		Help: "Actuator ticks that took longer than the tick period.",
	})

	LimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magrail_limit_hits_total",
			Help: "Limit switch detections seen by the controller.",
		},
		[]string{"end"},
	)
)

// Outcome labels for SensorReads.
const (
	ReadSample   = "sample"
	ReadEmpty    = "empty"
	ReadRetried  = "retried"
	ReadBusFault = "bus_fault"
)

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CumulativeAngle,
		Heading,
		PositionError,
		CommandedSpeed,
		ControllerState,
		SensorReads,
		AngleAnomalies,
		TickOverruns,
		LimitHits,
	)
}

// Handler returns an HTTP handler exposing the collectors registered in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 64 << 10

// SensorConfig describes the MLX90393 and how it is polled.
type SensorConfig struct {
	I2CBus         int `yaml:"i2c_bus"`          // /dev/i2c-N
	Address        int `yaml:"address"`          // 7-bit I2C address (0x18 with A0/A1 low)
	Gain           int `yaml:"gain"`             // GAIN_SEL code 0-7 (7 = 1x)
	Resolution     int `yaml:"resolution"`       // RES_X/RES_Y code 0-3
	Filter         int `yaml:"filter"`           // DIG_FILT 0-7
	Oversampling   int `yaml:"oversampling"`     // OSR 0-3
	BurstRate      int `yaml:"burst_rate"`       // 0 = continuous, else period = rate x 20 ms
	PollIntervalUs int `yaml:"poll_interval_us"` // delay between control loop iterations
}

// ActuatorConfig describes the two shared motor/limit lines.
type ActuatorConfig struct {
	NearPin     int     `yaml:"near_pin"`     // BCM pin driven low for positive speed; near-end switch
	FarPin      int     `yaml:"far_pin"`      // BCM pin driven low for negative speed; far-end switch
	PeriodTicks int     `yaml:"period_ticks"` // duty cycle period
	TickHz      float64 `yaml:"tick_hz"`      // actuator loop rate
}

// MotionConfig holds the controller tuning.
type MotionConfig struct {
	Gain            float64 `yaml:"gain"`              // speed per degree of error
	ToleranceDeg    float64 `yaml:"tolerance_deg"`     // in-position band
	SettleMs        int     `yaml:"settle_ms"`         // time the error must stay in band
	FullTravelDeg   float64 `yaml:"full_travel_deg"`   // screw rotation between the limits
	HomingTargetDeg float64 `yaml:"homing_target_deg"` // 0 = -1000 x full travel
	AnomalyDeg      float64 `yaml:"anomaly_deg"`       // heading jump reported as suspicious
}

// TraceConfig selects where control records are stored.
type TraceConfig struct {
	SQLitePath string `yaml:"sqlite_path"` // empty = no database
}

// SimConfig tunes the simulated rail used with mock_gpio.
type SimConfig struct {
	RateDegPerSec float64 `yaml:"rate_deg_per_s"` // screw speed at full duty
	StartDeg      float64 `yaml:"start_deg"`      // initial position
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // run against the simulated rail instead of real hardware
}

// Config aggregates all application configuration.
type Config struct {
	Sensor   SensorConfig   `yaml:"sensor"`
	Actuator ActuatorConfig `yaml:"actuator"`
	Motion   MotionConfig   `yaml:"motion"`
	Trace    TraceConfig    `yaml:"trace"`
	Sim      SimConfig      `yaml:"sim"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Default returns the configuration used for anything a file leaves out.
// Values follow the original bench setup: GAIN_1X, filter 5, OSR 1, lines
// on GPIO12/GPIO13 and about 6700° of screw travel.
func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			I2CBus:         1,
			Address:        0x18,
			Gain:           7,
			Filter:         5,
			Oversampling:   1,
			PollIntervalUs: 2000,
		},
		Actuator: ActuatorConfig{
			NearPin:     12,
			FarPin:      13,
			PeriodTicks: 100,
			TickHz:      10000,
		},
		Motion: MotionConfig{
			Gain:          0.015,
			ToleranceDeg:  10,
			SettleMs:      500,
			FullTravelDeg: 6700,
			AnomalyDeg:    40,
		},
		Sim: SimConfig{
			RateDegPerSec: 720,
			StartDeg:      3000,
		},
		Defaults: DefaultsConfig{
			DebugLevel: 1,
		},
	}
}

// ValidateConfigPath checks that path is a .yaml file directly inside a
// configs/ directory, after cleaning.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if strings.Contains(filepath.ToSlash(clean), "../") || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("config path %q escapes its directory", path)
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file over Default() and validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if cfg.Motion.HomingTargetDeg == 0 {
		cfg.Motion.HomingTargetDeg = -1000 * cfg.Motion.FullTravelDeg
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges. Load calls it; callers that modify a loaded
// config should call it again.
func (c *Config) Validate() error {
	s := c.Sensor
	switch {
	case s.I2CBus < 0:
		return fmt.Errorf("sensor.i2c_bus must be >= 0, got %d", s.I2CBus)
	case s.Address <= 0 || s.Address > 0x7F:
		return fmt.Errorf("sensor.address must be a 7-bit address, got 0x%X", s.Address)
	case s.Gain < 0 || s.Gain > 7:
		return fmt.Errorf("sensor.gain must be between 0 and 7, got %d", s.Gain)
	case s.Resolution < 0 || s.Resolution > 3:
		return fmt.Errorf("sensor.resolution must be between 0 and 3, got %d", s.Resolution)
	case s.Filter < 0 || s.Filter > 7:
		return fmt.Errorf("sensor.filter must be between 0 and 7, got %d", s.Filter)
	case s.Oversampling < 0 || s.Oversampling > 3:
		return fmt.Errorf("sensor.oversampling must be between 0 and 3, got %d", s.Oversampling)
	case s.BurstRate < 0 || s.BurstRate > 0x7F:
		return fmt.Errorf("sensor.burst_rate must be between 0 and 127, got %d", s.BurstRate)
	case s.PollIntervalUs <= 0:
		return fmt.Errorf("sensor.poll_interval_us must be > 0, got %d", s.PollIntervalUs)
	}

	a := c.Actuator
	switch {
	case a.NearPin < 0 || a.FarPin < 0:
		return fmt.Errorf("actuator pins must be >= 0, got near=%d far=%d", a.NearPin, a.FarPin)
	case a.NearPin == a.FarPin:
		return fmt.Errorf("actuator.near_pin and actuator.far_pin must differ, both are %d", a.NearPin)
	case a.PeriodTicks <= 0:
		return fmt.Errorf("actuator.period_ticks must be > 0, got %d", a.PeriodTicks)
	case a.TickHz <= 0 || a.TickHz > 100000:
		return fmt.Errorf("actuator.tick_hz must be between 0 and 100000, got %g", a.TickHz)
	}

	m := c.Motion
	switch {
	case m.Gain <= 0:
		return fmt.Errorf("motion.gain must be > 0, got %g", m.Gain)
	case m.ToleranceDeg <= 0:
		return fmt.Errorf("motion.tolerance_deg must be > 0, got %g", m.ToleranceDeg)
	case m.SettleMs <= 0:
		return fmt.Errorf("motion.settle_ms must be > 0, got %d", m.SettleMs)
	case m.FullTravelDeg <= 0:
		return fmt.Errorf("motion.full_travel_deg must be > 0, got %g", m.FullTravelDeg)
	case m.HomingTargetDeg >= 0:
		return fmt.Errorf("motion.homing_target_deg must be negative (toward the near end), got %g", m.HomingTargetDeg)
	case m.AnomalyDeg <= 0 || m.AnomalyDeg > 180:
		return fmt.Errorf("motion.anomaly_deg must be between 0 and 180, got %g", m.AnomalyDeg)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// PollInterval returns the delay between control loop iterations.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sensor.PollIntervalUs) * time.Microsecond
}

// Settle returns how long the error must stay within tolerance.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Motion.SettleMs) * time.Millisecond
}

// TickPeriod returns the actuator loop period.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.Actuator.TickHz)
}

// SensorAddress returns the I2C address as a byte.
func (c *Config) SensorAddress() byte {
	return byte(c.Sensor.Address)
}

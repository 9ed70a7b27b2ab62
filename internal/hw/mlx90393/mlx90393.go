package mlx90393

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/MagRail/internal/debug"
	"github.com/cjeanneret/MagRail/internal/metrics"
)

var (
	// ErrConfigure is returned when the device cannot be set up.
	ErrConfigure = errors.New("mlx90393: failed to configure sensor, check connection")

	// ErrCommandRejected is returned when a configuration command comes
	// back with the error bit set.
	ErrCommandRejected = errors.New("mlx90393: command rejected by device")

	// ErrInvalidSetting is returned for out-of-range options.
	ErrInvalidSetting = errors.New("mlx90393: invalid setting")
)

// Resolution selects which 16 bits of the 19-bit ADC result are reported.
type Resolution byte

const (
	Res0 Resolution = iota
	Res1
	Res2
	Res3
)

// Bus is the part of an I2C bus the driver needs. embd.I2CBus satisfies it.
type Bus interface {
	WriteBytes(addr byte, value []byte) error
	ReadBytes(addr byte, num int) ([]byte, error)
}

// Opts holds initialization options.
//
// Filter and Oversampling index the conversion time table and must be in
// 0..7 and 0..3. Resolution applies to X and Y.
type Opts struct {
	Address      byte
	Gain         Gain
	Resolution   Resolution
	Filter       byte
	Oversampling byte
}

// Stats counts read outcomes for the current session.
// It is not safe for concurrent use; only the polling goroutine touches it.
type Stats struct {
	Samples   int
	Empty     int
	Retries   int
	BusFaults int
}

// Dev is a handle to an MLX90393 configured for XY burst reads.
// All bus traffic is synchronous; callers must not share a Dev between
// goroutines.
type Dev struct {
	bus   Bus
	opts  Opts
	lsb   float64
	axes  byte
	stats Stats

	sleep func(time.Duration)
}

// New resets the device and programs gain, resolution, filter and
// oversampling. Any bus error aborts initialization.
func New(bus Bus, opts Opts) (*Dev, error) {
	if opts.Address == 0 {
		opts.Address = DefaultAddress
	}
	if opts.Gain > Gain1X || opts.Resolution > Res3 || opts.Filter > 7 || opts.Oversampling > 3 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidSetting, opts)
	}

	d := &Dev{
		bus:   bus,
		opts:  opts,
		lsb:   lsbXY[opts.Gain][opts.Resolution],
		axes:  AxisXY,
		sleep: time.Sleep,
	}

	if err := d.init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigure, err)
	}
	return d, nil
}

func (d *Dev) init() error {
	// Leave any running burst/single mode before touching registers.
	if _, err := d.transceive([]byte{cmdExit}, 0); err != nil {
		return fmt.Errorf("exit mode: %w", err)
	}
	if _, err := d.transceive([]byte{cmdReset}, 0); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	d.sleep(resetSettle)

	conf1, err := d.readRegister(regConf1)
	if err != nil {
		return err
	}
	conf1 = conf1&^0x0070 | uint16(d.opts.Gain)<<4
	if err := d.writeRegister(regConf1, conf1); err != nil {
		return err
	}

	conf3, err := d.readRegister(regConf3)
	if err != nil {
		return err
	}
	res := uint16(d.opts.Resolution)
	conf3 &^= 0x01FF // OSR, DIG_FILT, RES_X, RES_Y
	conf3 |= uint16(d.opts.Oversampling) |
		uint16(d.opts.Filter)<<2 |
		res<<5 |
		res<<7
	return d.writeRegister(regConf3, conf3)
}

// ConversionDelay returns the wait after starting a burst: the published
// worst-case conversion time scaled to two axes, padded by 10%.
func (d *Dev) ConversionDelay() time.Duration {
	ms := tconvMs[d.opts.Filter][d.opts.Oversampling] * 2 / 3 * 1.1
	return time.Duration(ms * float64(time.Millisecond))
}

// ConfigureBurst programs the burst axis selector and rate code, starts
// burst acquisition and waits for the first conversion. rateCode 0 means
// continuous; otherwise the period is rateCode x 20 ms.
func (d *Dev) ConfigureBurst(axisMask, rateCode byte) error {
	if axisMask&^0x0F != 0 || rateCode > MaxRateCode {
		return fmt.Errorf("%w: axis=0x%X rate=%d", ErrInvalidSetting, axisMask, rateCode)
	}

	conf2, err := d.readRegister(regConf2)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigure, err)
	}
	conf2 &^= burstFieldMask
	conf2 |= uint16(axisMask) | uint16(rateCode)<<burstRateShift
	if err := d.writeRegister(regConf2, conf2); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigure, err)
	}

	status, err := d.transceive([]byte{cmdStartBurst}, 0)
	if err != nil {
		return fmt.Errorf("%w: start burst: %v", ErrConfigure, err)
	}
	if status.ErrorFlag() {
		return fmt.Errorf("%w: start burst status %v", ErrCommandRejected, status)
	}

	d.axes = axisMask
	debug.Info("MLX90393 burst started (axes=0x%X, rate=%d, status=%v)", axisMask, rateCode, status)
	d.sleep(d.ConversionDelay())
	return nil
}

// ReadFrame performs one read-measurement transaction for the active axes.
func (d *Dev) ReadFrame() (RawFrame, error) {
	buf, err := d.transfer([]byte{cmdReadMeasure | d.axes}, 4)
	if err != nil {
		return RawFrame{}, err
	}
	return parseFrame(buf)
}

// ReadSample returns the newest XY sample, or false when there is none:
// no bytes available, both axes not ready, a bus fault, or an error flag
// that persisted through the single retry.
func (d *Dev) ReadSample() (AxisSample, bool) {
	frame, err := d.ReadFrame()
	if err != nil {
		return d.busFault(err)
	}

	if frame.Status.ErrorFlag() {
		d.stats.Retries++
		metrics.SensorReads.WithLabelValues(metrics.ReadRetried).Inc()
		d.sleep(errorGuard)
		frame, err = d.ReadFrame()
		if err != nil {
			return d.busFault(err)
		}
		if frame.Status.ErrorFlag() {
			debug.Trace("MLX90393 error persisted after retry: %v", frame.Status)
			return d.empty()
		}
	}

	if frame.Status.BytesAvailable() == 0 || frame.NotReady() {
		return d.empty()
	}

	d.stats.Samples++
	metrics.SensorReads.WithLabelValues(metrics.ReadSample).Inc()
	return AxisSample{
		X: float64(axisCounts(frame.X, d.opts.Resolution)) * d.lsb,
		Y: float64(axisCounts(frame.Y, d.opts.Resolution)) * d.lsb,
	}, true
}

// Stats returns the read counters accumulated so far.
func (d *Dev) Stats() Stats {
	return d.stats
}

// Close leaves burst mode.
func (d *Dev) Close() error {
	_, err := d.transceive([]byte{cmdExit}, 0)
	return err
}

func (d *Dev) empty() (AxisSample, bool) {
	d.stats.Empty++
	metrics.SensorReads.WithLabelValues(metrics.ReadEmpty).Inc()
	return AxisSample{}, false
}

func (d *Dev) busFault(err error) (AxisSample, bool) {
	d.stats.BusFaults++
	metrics.SensorReads.WithLabelValues(metrics.ReadBusFault).Inc()
	debug.Trace("MLX90393 read failed: %v", err)
	return AxisSample{}, false
}

func (d *Dev) readRegister(reg byte) (uint16, error) {
	buf, err := d.transfer([]byte{cmdReadRegister, reg << 2}, 2)
	if err != nil {
		return 0, fmt.Errorf("read register 0x%02X: %w", reg, err)
	}
	if Status(buf[0]).ErrorFlag() {
		return 0, fmt.Errorf("read register 0x%02X: %w", reg, ErrCommandRejected)
	}
	value := uint16(buf[1])<<8 | uint16(buf[2])
	debug.Register("MLX90393", "read", reg, value)
	return value, nil
}

func (d *Dev) writeRegister(reg byte, value uint16) error {
	status, err := d.transceive([]byte{cmdWriteReg, byte(value >> 8), byte(value), reg << 2}, 0)
	if err != nil {
		return fmt.Errorf("write register 0x%02X: %w", reg, err)
	}
	if status.ErrorFlag() {
		return fmt.Errorf("write register 0x%02X: %w", reg, ErrCommandRejected)
	}
	debug.Register("MLX90393", "write", reg, value)
	return nil
}

// transceive sends a command and returns only the status byte.
func (d *Dev) transceive(cmd []byte, rxlen int) (Status, error) {
	buf, err := d.transfer(cmd, rxlen)
	if err != nil {
		return 0, err
	}
	return Status(buf[0]), nil
}

// transfer writes cmd and reads the status byte plus rxlen data bytes.
func (d *Dev) transfer(cmd []byte, rxlen int) ([]byte, error) {
	debug.I2C("write", d.opts.Address, cmd)
	if err := d.bus.WriteBytes(d.opts.Address, cmd); err != nil {
		return nil, err
	}
	buf, err := d.bus.ReadBytes(d.opts.Address, 1+rxlen)
	if err != nil {
		return nil, err
	}
	if len(buf) < 1+rxlen {
		return nil, fmt.Errorf("mlx90393: short read: got %d bytes, want %d", len(buf), 1+rxlen)
	}
	debug.I2C("read", d.opts.Address, buf)
	return buf, nil
}

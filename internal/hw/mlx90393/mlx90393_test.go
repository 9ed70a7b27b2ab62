package mlx90393

import (
	"errors"
	"math"
	"testing"
	"time"
)

// fakeBus emulates the MLX90393 command protocol with scripted RM responses.
type fakeBus struct {
	regs     map[byte]uint16
	frames   []rmReply
	last     []byte
	commands [][]byte

	failWrite error // returned by every WriteBytes when set
	sbStatus  byte
}

type rmReply struct {
	buf []byte
	err error
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: map[byte]uint16{
		regConf1: 0x007C,
		regConf2: 0xF9FF, // upper bits set to check they survive
		regConf3: 0x0000,
	}, sbStatus: statusBurst}
}

func (b *fakeBus) WriteBytes(addr byte, value []byte) error {
	if b.failWrite != nil {
		return b.failWrite
	}
	cmd := append([]byte(nil), value...)
	b.last = cmd
	b.commands = append(b.commands, cmd)
	if cmd[0] == cmdWriteReg {
		b.regs[cmd[3]>>2] = uint16(cmd[1])<<8 | uint16(cmd[2])
	}
	return nil
}

func (b *fakeBus) ReadBytes(addr byte, num int) ([]byte, error) {
	switch b.last[0] & 0xF0 {
	case cmdReadRegister:
		v := b.regs[b.last[1]>>2]
		return []byte{0x00, byte(v >> 8), byte(v)}, nil
	case cmdReadMeasure:
		if len(b.frames) == 0 {
			return []byte{statusBurst, 0xFF, 0xFF, 0xFF, 0xFF}, nil
		}
		r := b.frames[0]
		b.frames = b.frames[1:]
		return r.buf, r.err
	case cmdStartBurst:
		return []byte{b.sbStatus}, nil
	default:
		return make([]byte, num), nil
	}
}

func (b *fakeBus) countCommand(op byte) int {
	n := 0
	for _, c := range b.commands {
		if c[0]&0xF0 == op {
			n++
		}
	}
	return n
}

func frame(status byte, x, y uint16) rmReply {
	return rmReply{buf: []byte{status, byte(x >> 8), byte(x), byte(y >> 8), byte(y)}}
}

func newTestDev(t *testing.T, bus *fakeBus) (*Dev, *[]time.Duration) {
	t.Helper()
	d, err := New(bus, Opts{Gain: Gain1X, Filter: 5, Oversampling: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var sleeps []time.Duration
	d.sleep = func(dur time.Duration) { sleeps = append(sleeps, dur) }
	bus.commands = nil
	return d, &sleeps
}

func TestNew_ProgramsGainAndFilter(t *testing.T) {
	bus := newFakeBus()
	if _, err := New(bus, Opts{Gain: Gain1X, Resolution: Res1, Filter: 5, Oversampling: 1}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := bus.regs[regConf1] & 0x0070 >> 4; got != uint16(Gain1X) {
		t.Errorf("GAIN_SEL = %d, want %d", got, Gain1X)
	}
	if got := bus.regs[regConf1] & 0x000F; got != 0x000C {
		t.Errorf("HALLCONF changed: 0x%X", got)
	}
	conf3 := bus.regs[regConf3]
	if conf3&0x03 != 1 {
		t.Errorf("OSR = %d, want 1", conf3&0x03)
	}
	if conf3>>2&0x07 != 5 {
		t.Errorf("DIG_FILT = %d, want 5", conf3>>2&0x07)
	}
	if conf3>>5&0x03 != 1 || conf3>>7&0x03 != 1 {
		t.Errorf("RES_X/RES_Y not set to 1: 0x%04X", conf3)
	}
	if bus.commands[0][0] != cmdExit || bus.commands[1][0] != cmdReset {
		t.Errorf("init should start with EX then RT, got 0x%02X 0x%02X", bus.commands[0][0], bus.commands[1][0])
	}
}

func TestNew_InvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		opts Opts
	}{
		{"filter", Opts{Filter: 8}},
		{"oversampling", Opts{Oversampling: 4}},
		{"resolution", Opts{Resolution: 4}},
		{"gain", Opts{Gain: 8}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(newFakeBus(), tc.opts)
			if !errors.Is(err, ErrInvalidSetting) {
				t.Errorf("expected ErrInvalidSetting, got %v", err)
			}
		})
	}
}

func TestNew_BusFaultIsFatal(t *testing.T) {
	bus := newFakeBus()
	bus.failWrite = errors.New("i2c: remote I/O error")
	_, err := New(bus, Opts{})
	if !errors.Is(err, ErrConfigure) {
		t.Errorf("expected ErrConfigure, got %v", err)
	}
}

func TestConfigureBurst_RegisterLayout(t *testing.T) {
	bus := newFakeBus()
	d, sleeps := newTestDev(t, bus)

	if err := d.ConfigureBurst(AxisXY, 5); err != nil {
		t.Fatalf("ConfigureBurst: %v", err)
	}

	conf2 := bus.regs[regConf2]
	if conf2&burstAxisMask != uint16(AxisXY) {
		t.Errorf("axis selector = 0x%X, want 0x6", conf2&burstAxisMask)
	}
	if got := conf2 & burstRateMask >> burstRateShift; got != 5 {
		t.Errorf("rate code = %d, want 5", got)
	}
	if conf2&^burstFieldMask != 0xF800 {
		t.Errorf("bits above the burst fields changed: 0x%04X", conf2)
	}

	last := bus.commands[len(bus.commands)-1]
	if len(last) != 1 || last[0] != cmdStartBurst {
		t.Errorf("last command = % X, want start burst 0x10", last)
	}

	if len(*sleeps) != 1 {
		t.Fatalf("expected one post-conversion sleep, got %v", *sleeps)
	}
	// filter 5, osr 1: 13.75 ms x 2/3 x 1.1
	ms := float64(time.Millisecond)
	want := time.Duration(13.75 * 2 / 3 * 1.1 * ms)
	if diff := (*sleeps)[0] - want; diff < -time.Microsecond || diff > time.Microsecond {
		t.Errorf("post-conversion delay = %v, want %v", (*sleeps)[0], want)
	}
}

func TestConfigureBurst_ClearsPreviousFields(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)

	if err := d.ConfigureBurst(AxisXY, MaxRateCode); err != nil {
		t.Fatalf("ConfigureBurst: %v", err)
	}
	if err := d.ConfigureBurst(AxisXY, 0); err != nil {
		t.Fatalf("ConfigureBurst: %v", err)
	}
	if got := bus.regs[regConf2] & burstRateMask; got != 0 {
		t.Errorf("rate bits not cleared: 0x%04X", got)
	}
}

func TestConfigureBurst_InvalidArguments(t *testing.T) {
	d, _ := newTestDev(t, newFakeBus())
	if err := d.ConfigureBurst(0x16, 0); !errors.Is(err, ErrInvalidSetting) {
		t.Errorf("axis mask > 4 bits: expected ErrInvalidSetting, got %v", err)
	}
	if err := d.ConfigureBurst(AxisXY, 0x80); !errors.Is(err, ErrInvalidSetting) {
		t.Errorf("rate code > 7 bits: expected ErrInvalidSetting, got %v", err)
	}
}

func TestConfigureBurst_BusFault(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.failWrite = errors.New("i2c: timeout")
	if err := d.ConfigureBurst(AxisXY, 0); !errors.Is(err, ErrConfigure) {
		t.Errorf("expected ErrConfigure, got %v", err)
	}
}

func TestConfigureBurst_Rejected(t *testing.T) {
	bus := newFakeBus()
	bus.sbStatus = statusError
	d, _ := newTestDev(t, bus)
	if err := d.ConfigureBurst(AxisXY, 0); !errors.Is(err, ErrCommandRejected) {
		t.Errorf("expected ErrCommandRejected, got %v", err)
	}
}

func TestReadSample_Valid(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.frames = []rmReply{frame(statusBurst|0x01, 100, 0xFF38)} // x=100, y=-200

	s, ok := d.ReadSample()
	if !ok {
		t.Fatal("expected a sample")
	}
	if math.Abs(s.X-15.0) > 1e-9 || math.Abs(s.Y+30.0) > 1e-9 {
		t.Errorf("sample = %+v, want {15 -30}", s)
	}
	if bus.commands[0][0] != cmdReadMeasure|AxisXY {
		t.Errorf("read command = 0x%02X, want 0x46", bus.commands[0][0])
	}
	if d.Stats().Samples != 1 {
		t.Errorf("stats = %+v", d.Stats())
	}
}

func TestReadSample_NoBytesAvailable(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.frames = []rmReply{frame(statusBurst, 100, 100)}

	if _, ok := d.ReadSample(); ok {
		t.Error("BA=0 must not yield a sample")
	}
	if got := bus.countCommand(cmdReadMeasure); got != 1 {
		t.Errorf("expected 1 read, got %d", got)
	}
}

func TestReadSample_NotReadySentinel(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.frames = []rmReply{frame(statusBurst|0x01, 0xFFFF, 0xFFFF)}

	if _, ok := d.ReadSample(); ok {
		t.Error("0xFFFF on both axes must not yield a sample")
	}
}

func TestReadSample_SingleAxisSentinelIsMeasurement(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.frames = []rmReply{frame(statusBurst|0x01, 0xFFFF, 10)}

	if _, ok := d.ReadSample(); !ok {
		t.Error("sentinel on one axis only should still be a measurement")
	}
}

func TestReadSample_ErrorRetriedOnce(t *testing.T) {
	bus := newFakeBus()
	d, sleeps := newTestDev(t, bus)
	bus.frames = []rmReply{
		frame(statusBurst|statusError|0x01, 1, 1),
		frame(statusBurst|0x01, 10, 20),
	}

	s, ok := d.ReadSample()
	if !ok {
		t.Fatal("retry result should be accepted")
	}
	if math.Abs(s.X-1.5) > 1e-9 || math.Abs(s.Y-3.0) > 1e-9 {
		t.Errorf("sample = %+v, want retry values", s)
	}
	if got := bus.countCommand(cmdReadMeasure); got != 2 {
		t.Errorf("expected 2 reads, got %d", got)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != errorGuard {
		t.Errorf("expected one guard sleep, got %v", *sleeps)
	}
}

func TestReadSample_DoubleErrorYieldsNoSample(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.frames = []rmReply{
		frame(statusError|0x01, 1, 1),
		frame(statusError|0x01, 2, 2),
		frame(statusBurst|0x01, 3, 3),
	}

	if _, ok := d.ReadSample(); ok {
		t.Error("two error frames must yield no sample")
	}
	if got := bus.countCommand(cmdReadMeasure); got != 2 {
		t.Errorf("expected exactly 2 reads (no third attempt), got %d", got)
	}
	if len(bus.frames) != 1 {
		t.Errorf("third frame should be left for the next poll")
	}
	if d.Stats().Retries != 1 {
		t.Errorf("stats = %+v, want 1 retry", d.Stats())
	}
}

func TestReadSample_RetryWithoutDataIsEmpty(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.frames = []rmReply{
		frame(statusError|0x01, 1, 1),
		frame(statusBurst, 0xFFFF, 0xFFFF),
	}

	if _, ok := d.ReadSample(); ok {
		t.Error("retry with no bytes available must yield no sample")
	}
	if got := bus.countCommand(cmdReadMeasure); got != 2 {
		t.Errorf("expected 2 reads, got %d", got)
	}
}

func TestReadSample_BusFaultDegrades(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.frames = []rmReply{{err: errors.New("i2c: nack")}}

	if _, ok := d.ReadSample(); ok {
		t.Error("bus fault must yield no sample")
	}
	if d.Stats().BusFaults != 1 {
		t.Errorf("stats = %+v, want 1 bus fault", d.Stats())
	}
}

func TestReadSample_ShortFrame(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDev(t, bus)
	bus.frames = []rmReply{{buf: []byte{statusBurst | 0x01, 0x00}}}

	if _, ok := d.ReadSample(); ok {
		t.Error("short frame must yield no sample")
	}
}

func TestAxisCounts(t *testing.T) {
	cases := []struct {
		word uint16
		res  Resolution
		want int
	}{
		{0x0064, Res0, 100},
		{0xFF9C, Res1, -100},
		{0x8064, Res2, 100},
		{0x4000, Res3, 0},
		{0x3F9C, Res3, -100},
	}
	for _, tc := range cases {
		if got := axisCounts(tc.word, tc.res); got != tc.want {
			t.Errorf("axisCounts(0x%04X, %d) = %d, want %d", tc.word, tc.res, got, tc.want)
		}
	}
}

func TestStatusBits(t *testing.T) {
	s := Status(statusBurst | statusWatchdog | statusError | 0x02)
	if !s.Burst() || !s.Watchdog() || !s.ErrorFlag() || s.BytesAvailable() != 2 {
		t.Errorf("decoded %v incorrectly", s)
	}
	if Status(0).BytesAvailable() != 0 {
		t.Error("zero status should have no bytes available")
	}
}

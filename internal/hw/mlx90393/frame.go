package mlx90393

import "fmt"

// Status is the status byte returned first in every response.
type Status byte

// Burst reports whether the device is in burst mode.
func (s Status) Burst() bool { return byte(s)&statusBurst != 0 }

// Watchdog reports whether the wake-on-change mode is active.
func (s Status) Watchdog() bool { return byte(s)&statusWatchdog != 0 }

// ErrorFlag reports whether the device flagged the previous command.
func (s Status) ErrorFlag() bool { return byte(s)&statusError != 0 }

// BytesAvailable returns the D1:D0 field. Zero means no new data.
func (s Status) BytesAvailable() int { return int(byte(s) & statusBytes) }

func (s Status) String() string {
	return fmt.Sprintf("0x%02X(burst=%t err=%t ba=%d)", byte(s), s.Burst(), s.ErrorFlag(), s.BytesAvailable())
}

// RawFrame is one undecoded RM response for the X and Y axes.
type RawFrame struct {
	Status Status
	X, Y   uint16
}

// NotReady reports whether both axes carry the not-ready sentinel.
func (f RawFrame) NotReady() bool {
	return f.X == notReady && f.Y == notReady
}

// AxisSample holds the X and Y field in µT.
type AxisSample struct {
	X, Y float64
}

// parseFrame decodes status + X + Y words (big endian).
func parseFrame(buf []byte) (RawFrame, error) {
	if len(buf) < 5 {
		return RawFrame{}, fmt.Errorf("mlx90393: short frame: %d bytes", len(buf))
	}
	return RawFrame{
		Status: Status(buf[0]),
		X:      uint16(buf[1])<<8 | uint16(buf[2]),
		Y:      uint16(buf[3])<<8 | uint16(buf[4]),
	}, nil
}

// axisCounts converts a raw word to signed counts for the given resolution.
// Resolutions 2 and 3 are offset-binary.
func axisCounts(word uint16, res Resolution) int {
	switch res {
	case Res2:
		return int(word) - 0x8000
	case Res3:
		return int(word) - 0x4000
	default:
		return int(int16(word))
	}
}

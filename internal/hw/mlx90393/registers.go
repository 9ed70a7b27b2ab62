// Package mlx90393 drives a Melexis MLX90393 magnetometer in two-axis burst mode.
// The datasheet can be found here: https://www.melexis.com/-/media/files/documents/datasheets/mlx90393-datasheet-melexis.pdf
package mlx90393

import "time"

// DefaultAddress is the I2C address with A0/A1 tied low on breakout boards.
const DefaultAddress byte = 0x18

// Command opcodes. The low nibble of SB and RM selects axes (zyxt).
const (
	cmdStartBurst   byte = 0x10
	cmdReadMeasure  byte = 0x40
	cmdReadRegister byte = 0x50
	cmdWriteReg     byte = 0x60
	cmdExit         byte = 0x80
	cmdReset        byte = 0xF0
)

// Axis selector bits (zyxt nibble).
const (
	AxisT  byte = 0x01
	AxisX  byte = 0x02
	AxisY  byte = 0x04
	AxisZ  byte = 0x08
	AxisXY      = AxisX | AxisY // 0b0110
)

// Registers.
const (
	regConf1 byte = 0x00 // GAIN_SEL[6:4], HALLCONF[3:0]
	regConf2 byte = 0x01 // burst axis selector[3:0], burst rate[10:4]
	regConf3 byte = 0x02 // OSR[1:0], DIG_FILT[4:2], RES_X[6:5], RES_Y[8:7], RES_Z[10:9]
)

// Config register (regConf2) layout.
const (
	burstAxisMask  uint16 = 0x000F
	burstRateShift        = 4
	burstRateMask  uint16 = 0x7F << burstRateShift
	burstFieldMask        = burstAxisMask | burstRateMask // low 11 bits

	// MaxRateCode is the largest burst rate code (period = code x 20 ms).
	MaxRateCode byte = 0x7F
)

// Status byte bits.
const (
	statusBurst    byte = 0x80
	statusWatchdog byte = 0x40
	statusSingle   byte = 0x20
	statusError    byte = 0x10
	statusResetAck byte = 0x04
	statusBytes    byte = 0x03 // response bytes available / 2 - 1
)

// notReady is the per-axis word reported for axes with no fresh conversion.
const notReady uint16 = 0xFFFF

// errorGuard is the wait between an error-flagged read and its single retry.
const errorGuard = 10 * time.Microsecond

// resetSettle is the wait after a reset command before the next transaction.
const resetSettle = 2 * time.Millisecond

// Gain selections (GAIN_SEL).
const (
	Gain5X Gain = iota
	Gain4X
	Gain3X
	Gain2_5X
	Gain2X
	Gain1_67X
	Gain1_33X
	Gain1X
)

// Gain is the analog gain code written to GAIN_SEL.
type Gain byte

// lsbXY is the X/Y sensitivity in µT/LSB for HALLCONF=0xC, indexed by
// [gain][resolution].
var lsbXY = [8][4]float64{
	{0.751, 1.502, 3.004, 6.009},
	{0.601, 1.202, 2.403, 4.840},
	{0.451, 0.901, 1.803, 3.605},
	{0.376, 0.751, 1.502, 3.004},
	{0.300, 0.601, 1.202, 2.403},
	{0.250, 0.501, 1.001, 2.003},
	{0.200, 0.401, 0.801, 1.602},
	{0.150, 0.300, 0.601, 1.202},
}

// tconvMs is the worst-case conversion time in milliseconds for a full
// XYZ measurement, indexed by [digital filter][oversampling].
var tconvMs = [8][4]float64{
	{1.27, 1.84, 3.00, 5.30},
	{1.46, 2.23, 3.76, 6.84},
	{1.84, 3.00, 5.30, 9.91},
	{2.61, 4.53, 8.37, 16.05},
	{4.15, 7.60, 14.52, 28.34},
	{7.22, 13.75, 26.80, 52.92},
	{13.36, 26.04, 51.38, 102.07},
	{25.65, 50.61, 100.53, 200.45},
}

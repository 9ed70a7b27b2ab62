package debug

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (homing, targets reached, warnings)
	LevelLive    = 2 // Live info (one line per control iteration)
	LevelVerbose = 3 // Verbose (register values, configuration details)
	LevelTrace   = 4 // Trace (GPIO line transitions, I2C frames)
)

var (
	level  int
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (homing, move results, anomalies)
// 2 = live info (error, speed and angle per control iteration)
// 3 = verbose (register values, configuration)
// 4 = trace (GPIO lines, I2C frames, tick overruns)
func Init(debugLevel int) {
	level = debugLevel
	if level > LevelOff {
		logger = log.New(os.Stdout, "[MagRail] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects debug output, e.g. to mirror it to web clients.
// It is a no-op while debug output is off.
func SetOutput(w io.Writer) {
	if logger != nil {
		logger.SetOutput(w)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] "+format, args...)
	}
}

// Warn prints a level 1 warning. Used for conditions that are reported
// but do not change control flow (angle jumps, far limit hits).
func Warn(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[WARN] "+format, args...)
	}
}

// Session prints the outcome of one control session (level 1).
func Session(reason string, iterations, anomalies int, finalAngle float64, elapsed time.Duration) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] Session ended (%s): %s iterations, %s anomalies, angle=%.2f°, took %s",
			reason,
			humanize.Comma(int64(iterations)),
			humanize.Comma(int64(anomalies)),
			finalAngle,
			elapsed.Round(time.Millisecond))
	}
}

// --- Level 2 functions (Live): real-time info ---

// Control prints one control loop iteration (level 2).
func Control(state string, errDeg, speed, cumulative, target float64) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] %s: error=%.2f speed=%.2f angle=%.2f target=%.2f", state, errDeg, speed, cumulative, target)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] "+format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] %s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Printf("  %s", name)
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] Step %d: %s", num, description)
	}
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO]   %s = %v", name, value)
	}
}

// Register prints a device register access (level 3).
func Register(device, op string, reg byte, value uint16) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[REG] %s %s reg=0x%02X value=0x%04X", device, op, reg, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}

// I2C prints a raw bus transaction (level 4).
func I2C(operation string, addr byte, data []byte) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[I2C] %s addr=0x%02X data=% X", operation, addr, data)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[ERROR] %v", err)
	}
}


package debug

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (course start/end, errors)
	LevelLive    = 2 // Live info (maneuvers, correction pulses)
	LevelVerbose = 3 // Verbose (count targets, sensor readings)
	LevelTrace   = 4 // Trace (GPIO, encoder polling)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *zap.SugaredLogger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (course start/end, errors)
// 2 = live info (maneuvers, correction pulses)
// 3 = verbose (count targets, sensor readings)
// 4 = trace (GPIO, encoder polling)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects log output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// SetCore replaces the underlying zap core. Used by tests to observe log entries.
func SetCore(core zapcore.Core) {
	mu.Lock()
	defer mu.Unlock()
	if level <= LevelOff {
		logger = nil
		return
	}
	logger = zap.New(core).Named("coursebot").Sugar()
}

func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	zl := zapLevel(level)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(out), zl)
	logger = zap.New(core).Named("coursebot").Sugar()
}

// zapLevel maps a debug level to the lowest zap level that must be emitted.
func zapLevel(l int) zapcore.Level {
	if l >= LevelLive {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func enabled(minLevel int) (*zap.SugaredLogger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return logger, level >= minLevel && logger != nil
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	_, ok := enabled(minLevel)
	return ok
}

// Sync flushes buffered log entries.
func Sync() {
	if l, ok := enabled(LevelInfo); ok {
		_ = l.Sync()
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l, ok := enabled(LevelInfo); ok {
		l.Infof(format, args...)
	}
}

// Warn prints a level 1 warning.
func Warn(format string, args ...interface{}) {
	if l, ok := enabled(LevelInfo); ok {
		l.Warnf(format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if l, ok := enabled(LevelInfo); ok {
		l.Info("═══════════════════════════════════════")
		l.Infof("  %s", title)
		l.Info("═══════════════════════════════════════")
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l, ok := enabled(LevelLive); ok {
		l.Debugw("[LIVE] " + sprintf(format, args...))
	}
}

// Move prints a drive maneuver (level 2).
func Move(kind string, percent int, amount float64, unit string) {
	if l, ok := enabled(LevelLive); ok {
		l.Debugw("[LIVE] maneuver", "kind", kind, "percent", percent, "amount", amount, "unit", unit)
	}
}

// Pulse prints a single correction pulse (level 2).
func Pulse(axis string, n int, direction string, err float64) {
	if l, ok := enabled(LevelLive); ok {
		l.Debugw("[LIVE] correction pulse", "axis", axis, "n", n, "direction", direction, "error", err)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l, ok := enabled(LevelVerbose); ok {
		l.Debugw("[VERBOSE] " + sprintf(format, args...))
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l, ok := enabled(LevelVerbose); ok {
		l.Debugw("[VERBOSE] "+name, "value", v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l, ok := enabled(LevelVerbose); ok {
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Debugf("  %s", name)
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l, ok := enabled(LevelVerbose); ok {
		l.Debugf("[VERBOSE] Step %d: %s", num, description)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if l, ok := enabled(LevelInfo); ok {
		l.Infow(name, "value", value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	if l, ok := enabled(LevelTrace); ok {
		l.Debugw("[TRACE] " + sprintf(format, args...))
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l, ok := enabled(LevelTrace); ok {
		l.Debugw("[GPIO] "+operation, "pin", pin, "value", value)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if l, ok := enabled(LevelInfo); ok {
		l.Errorw("[ERROR] " + err.Error())
	}
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

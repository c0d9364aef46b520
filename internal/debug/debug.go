package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (device, settings, scan size)
	LevelLive    = 2 // Live info (captures, stage moves, saved files)
	LevelVerbose = 3 // Verbose (hardware calls, buffer sizes, focus details)
	LevelTrace   = 4 // Trace (every frame event, GPIO, serial lines)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (camera found, settings loaded, scan plan)
// 2 = live info (captures, moves, files written)
// 3 = verbose (hardware calls, focus quadrants)
// 4 = trace (frame events, GPIO, serial traffic)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	logger = nil
	if level > LevelOff {
		logger = log.New(out, "[TRIM] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects debug output, e.g. to an io.MultiWriter that also
// feeds the web status stream.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// at returns the logger if the current level allows minLevel, nil otherwise.
func at(minLevel int) *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if level >= minLevel {
		return logger
	}
	return nil
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l := at(LevelInfo); l != nil {
		l.Printf("[INFO] "+format, args...)
	}
}

// Warn prints a recoverable problem (level 1). Settings files that cannot
// be read and hardware calls that fail end up here.
func Warn(format string, args ...interface{}) {
	if l := at(LevelInfo); l != nil {
		l.Printf("[WARN] "+format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if l := at(LevelInfo); l != nil {
		l.Printf("═══════════════════════════════════════")
		l.Printf("  %s", title)
		l.Printf("═══════════════════════════════════════")
	}
}

// Raster prints the size of a scan plan (level 1).
func Raster(columns, rows, total int) {
	if l := at(LevelInfo); l != nil {
		l.Printf("[INFO] Raster: %d columns x %d rows = %d stills total", columns, rows, total)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if l := at(LevelInfo); l != nil {
		l.Printf("[INFO]   %s = %v", name, value)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l := at(LevelLive); l != nil {
		l.Printf("[LIVE] "+format, args...)
	}
}

// Move prints a stage movement (level 2).
func Move(axis string, delta float64) {
	if l := at(LevelLive); l != nil {
		l.Printf("[LIVE] Stage %s: %+g", axis, delta)
	}
}

// Still prints a completed still capture (level 2).
func Still(width, height int, x, y, z float64) {
	if l := at(LevelLive); l != nil {
		l.Printf("[LIVE] Still %dx%d at X%g Y%g Z%g", width, height, x, y, z)
	}
}

// Column prints the start of a raster column (level 2).
func Column(col, totalCols int, direction string) {
	if l := at(LevelLive); l != nil {
		l.Printf("[LIVE] Starting column %d/%d (direction: %s)", col, totalCols, direction)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l := at(LevelVerbose); l != nil {
		l.Printf("[VERBOSE] "+format, args...)
	}
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l := at(LevelVerbose); l != nil {
		l.Printf("[VERBOSE] %s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l := at(LevelVerbose); l != nil {
		l.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Printf("  %s", name)
		l.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l := at(LevelVerbose); l != nil {
		l.Printf("[VERBOSE] Step %d: %s", num, description)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	if l := at(LevelTrace); l != nil {
		l.Printf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l := at(LevelTrace); l != nil {
		l.Printf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}

// Serial prints one line of serial traffic (level 4).
func Serial(direction, line string) {
	if l := at(LevelTrace); l != nil {
		l.Printf("[SERIAL] %s %q", direction, line)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if l := at(LevelInfo); l != nil {
		l.Printf("[ERROR] %v", err)
	}
}

// Fmt returns a formatted string only if debug is enabled
// (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}

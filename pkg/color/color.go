// Package color provides terminal color output for the stonix CLI.
// It respects the NO_COLOR environment variable (https://no-color.org/)
// and stays off when stdout is not a terminal.
package color

import (
	"os"
	"sync"
	"sync/atomic"
)

var state struct {
	once       sync.Once
	enabled    atomic.Bool
	overridden atomic.Bool
}

// Init decides whether to color output. An explicit Enable or Disable
// wins over detection.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		if state.overridden.Load() {
			return
		}
		on := !noColorFlag
		if _, exists := os.LookupEnv("NO_COLOR"); exists {
			on = false
		}
		if os.Getenv("TERM") == "dumb" {
			on = false
		}
		if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
			on = false
		}
		state.enabled.Store(on)
	})
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	return state.enabled.Load()
}

// Disable turns off color output.
func Disable() {
	state.overridden.Store(true)
	state.enabled.Store(false)
}

// Enable turns on color output.
func Enable() {
	state.overridden.Store(true)
	state.enabled.Store(true)
}

// ANSI codes.
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Cyan    = "\033[36m"
)

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + Reset
}

// Success formats s in green.
func Success(s string) string { return wrap(Green, s) }

// Error formats s in red.
func Error(s string) string { return wrap(Red, s) }

// Warning formats s in yellow.
func Warning(s string) string { return wrap(Yellow, s) }

// Info formats s in cyan.
func Info(s string) string { return wrap(Cyan, s) }

// Dim formats secondary text.
func Dim(s string) string { return wrap(DimCode, s) }

// Header formats s in bold.
func Header(s string) string { return wrap(Bold, s) }

// Status colors a rule status word: green when good, red when failed,
// yellow otherwise.
func Status(s string, good, failed bool) string {
	switch {
	case failed:
		return Error(s)
	case good:
		return Success(s)
	default:
		return Warning(s)
	}
}

// Severity colors a doctor severity label.
func Severity(s string) string {
	switch s {
	case "critical", "error":
		return Error(s)
	case "warning":
		return Warning(s)
	default:
		return Info(s)
	}
}

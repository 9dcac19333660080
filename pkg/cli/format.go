// Package cli provides shared formatting helpers for the newtshift command.
package cli

import (
	"os"
	"strings"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

const reset = "\033[0m"

func paint(code, s string) string {
	if !colorEnabled {
		return s
	}
	return code + s + reset
}

// Green wraps s in ANSI green. Returns s unchanged when NO_COLOR is set.
func Green(s string) string { return paint("\033[32m", s) }

// Yellow wraps s in ANSI yellow.
func Yellow(s string) string { return paint("\033[33m", s) }

// Red wraps s in ANSI red.
func Red(s string) string { return paint("\033[31m", s) }

// Bold wraps s in ANSI bold.
func Bold(s string) string { return paint("\033[1m", s) }

// Dim wraps s in ANSI dim.
func Dim(s string) string { return paint("\033[2m", s) }

// Status colors a state or outcome word: green when done, red when it
// failed, dim when not started, yellow otherwise.
func Status(s string) string {
	switch strings.ToLower(s) {
	case "ok", "safe", "planned", "succeeded", "converged", "complete":
		return Green(s)
	case "failed", "aborted", "unsafe", "unsatisfiable", "infeasible", "timeout", "error":
		return Red(s)
	case "pending", "waiting", "":
		return Dim(s)
	}
	return Yellow(s)
}

// DotPad pads name with dots to the given width.
// Example: DotPad("del-best-route", 30) → "del-best-route ..............."
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}

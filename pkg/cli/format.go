// Package cli holds the output helpers shared by flowagent commands.
package cli

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/flowagent-network/flowagent/pkg/health"
)

// colorEnabled is false when NO_COLOR is set (no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

func paint(code, s string) string {
	if !colorEnabled {
		return s
	}
	return code + s + "\033[0m"
}

// Green wraps s in ANSI green.
func Green(s string) string { return paint("\033[32m", s) }

// Yellow wraps s in ANSI yellow.
func Yellow(s string) string { return paint("\033[33m", s) }

// Red wraps s in ANSI red.
func Red(s string) string { return paint("\033[31m", s) }

// Bold wraps s in ANSI bold.
func Bold(s string) string { return paint("\033[1m", s) }

// HealthStatus colors a channel status: ok green, idle yellow, anything
// that would trigger a purge red.
func HealthStatus(s health.Status) string {
	switch s {
	case health.StatusOK:
		return Green("OK")
	case health.StatusIdle:
		return Yellow("IDLE")
	case health.StatusStale:
		return Red("STALE")
	case health.StatusFailing:
		return Red("FAILING")
	}
	return string(s)
}

// Outcome renders a success flag.
func Outcome(success bool) string {
	if success {
		return Green("ok")
	}
	return Red("FAILED")
}

// Timestamp renders t in UTC, or "-" for the zero time.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// Age renders how long before now t was, truncated to seconds.
func Age(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

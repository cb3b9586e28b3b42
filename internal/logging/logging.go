// Package logging configures structured logging for VaultGrid using log/slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a configured level name to a slog level. The empty string
// is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// ValidFormat reports whether format names a supported handler.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", "text", "json":
		return true
	}
	return false
}

// Setup installs the default slog logger. Unknown levels fall back to info
// and unknown formats to text, since config validation has already run by
// the time a daemon calls this.
func Setup(level, format string, w io.Writer) {
	lvl, _ := ParseLevel(level)
	slog.SetDefault(slog.New(newHandler(format, w, &slog.HandlerOptions{Level: lvl})))
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Component returns the default logger tagged with a component attribute.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

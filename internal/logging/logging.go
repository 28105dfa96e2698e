// Package logging builds the slog logger shared by every capsulewatch
// component.
//
// Two output formats are supported: "text" (default, human readable on a
// terminal) and "json" (one object per line, for log shippers).
//
//	logger := logging.New(logging.Options{Level: "debug", Format: "json"})
//	logger.Info("cycle finished", "capsules", 3)
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New. The zero value logs Info and above as text to stderr.
type Options struct {
	Level  string
	Format string
	Writer io.Writer
}

// New returns a logger for opts.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown names
// fall back to Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

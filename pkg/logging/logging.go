// pkg/logging/logging.go
// Package logging builds zerolog loggers. Loggers are always returned to the
// caller and injected where needed; nothing here touches a process-wide logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON = "json"
	// FormatText writes human-readable console lines.
	FormatText = "text"
)

// New creates a logger writing to w at the named level and format.
// Unknown levels fall back to info, unknown formats to JSON.
func New(levelStr, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := ParseLevel(levelStr)

	if strings.EqualFold(format, FormatText) {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	logCtx := zerolog.New(w).With().Timestamp()
	if level <= zerolog.DebugLevel {
		logCtx = logCtx.Caller()
	}
	return logCtx.Logger().Level(level)
}

// NewLogger creates a JSON logger on stderr tagged with a component field.
func NewLogger(component string, level zerolog.Level) zerolog.Logger {
	return NewLoggerWithWriter(component, level, os.Stderr)
}

// NewLoggerWithWriter creates a JSON logger on w tagged with a component field.
func NewLoggerWithWriter(component string, level zerolog.Level, w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(levelStr string) zerolog.Level {
	if strings.TrimSpace(levelStr) == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(levelStr)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

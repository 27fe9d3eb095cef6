// Package logging constructs the tool's leveled logger.
//
// The Logger type embeds zerolog.Logger so all standard zerolog methods
// (Trace, Debug, Error, etc.) are available directly.
package logging

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger is a thin wrapper around zerolog.Logger.
type Logger struct {
	zerolog.Logger
}

// New constructs a logger writing human-readable lines to w. The default
// threshold only lets errors through; Verbose lowers it to trace, matching
// the tool's --verbose flag.
func New(w io.Writer, verbose bool) *Logger {
	level := zerolog.ErrorLevel
	if verbose {
		level = zerolog.TraceLevel
	}
	return NewWithLevel(w, level)
}

// NewWithLevel constructs a logger with an explicit threshold.
func NewWithLevel(w io.Writer, level zerolog.Level) *Logger {
	cw := zerolog.ConsoleWriter{Out: w, NoColor: true}
	logger := zerolog.New(cw).Level(level).With().Timestamp().Logger()
	return &Logger{logger}
}

// ParseLevel maps the config file's log_level values onto zerolog levels.
func ParseLevel(s string) (zerolog.Level, bool) {
	switch s {
	case "error":
		return zerolog.ErrorLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "trace":
		return zerolog.TraceLevel, true
	}
	return zerolog.NoLevel, false
}

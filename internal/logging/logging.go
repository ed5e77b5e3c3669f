// Package logging builds the zerolog loggers used across histotrace.
// Library packages default to a no-op logger; binaries opt in through
// New and pass the result down via options.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console logger tagged with a component name, writing to
// stderr. Verbose lowers the level to debug.
func New(component string, verbose bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, component, verbose)
}

// NewWithWriter is New with an explicit destination, which tests use to
// capture output.
func NewWithWriter(w io.Writer, component string, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	console := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(console).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

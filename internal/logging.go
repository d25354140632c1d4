package internal

import (
	"io"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger writing to w. Only warnings and errors
// are logged unless debug is set.
func NewLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

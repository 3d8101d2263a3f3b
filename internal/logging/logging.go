package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger. Development gets a console writer, every other
// environment gets JSON lines. An unknown level falls back to info.
func New(environment, level string) zerolog.Logger {
	return newWithWriter(os.Stdout, environment, level)
}

func newWithWriter(w io.Writer, environment, level string) zerolog.Logger {
	if environment == "development" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

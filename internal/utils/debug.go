package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process-wide console logger. Unknown levels fall
// back to info.
func InitLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	SetLogOutput(os.Stderr)
}

// SetLogOutput redirects log output, mainly for tests.
func SetLogOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Logger returns a sub-logger tagged with component.
func Logger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Debug writes a debug-level message
func Debug(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

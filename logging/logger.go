package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewWriter returns the console writer every process logger writes through.
func NewWriter(environment string) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    environment == "production",
	}
}

// New builds the process logger. level falls back to debug outside production.
func New(out io.Writer, environment, level string) zerolog.Logger {
	logger := zerolog.New(out).With().
		Timestamp().
		Str("env", environment).
		Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
		if environment != "production" {
			lvl = zerolog.DebugLevel
		}
	}
	return logger.Level(lvl)
}

package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger with sane defaults for the service:
// JSON to stdout, debug level and console output in dev.
func New(env string) zerolog.Logger {
	level := zerolog.InfoLevel
	if env == "dev" {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Logger()

	if env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return logger
}

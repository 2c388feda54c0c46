// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds a zerolog.Logger from a level string ("debug", "info", "warn",
// "error") and a JSON/console output flag. Unknown levels fall back to info.
func New(level string, jsonOutput bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if jsonOutput {
		logger = zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(lvl).With().Timestamp().Logger()
	}

	log.Logger = logger
	return logger
}

// Noop returns a logger that discards all output, for use in tests.
func Noop() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

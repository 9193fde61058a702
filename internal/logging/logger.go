// Package logging configures the process-wide zerolog root logger.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Setup builds the root logger from config. Components derive child loggers
// with logger.With().Str("component", name).Logger().
func Setup(level string, jsonFormat bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var logger zerolog.Logger
	if jsonFormat {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	return logger.Level(parseLevel(level))
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

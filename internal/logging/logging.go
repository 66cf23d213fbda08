// Package logging wraps zerolog with the pack's global-logger-plus-
// child-logger-helpers shape: a package-level Logger set once by Init,
// and WithX helpers that stamp one contextual field for callers that
// need a scoped logger without threading a full zerolog.Context
// through every constructor. Grounded on cuemby-warren/pkg/log.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Components take a zerolog.Logger
// by constructor injection rather than reading this directly, so Init
// only needs to run once, at startup, in cmd/downloader's main.
var Logger zerolog.Logger

// Level is the logging package's own string enum, decoupled from
// zerolog's so the config schema doesn't leak a third-party type.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init configures the global Logger. json selects structured
// single-line JSON output (for log aggregation); otherwise a
// human-readable console writer is used, matching cmd/downloader's
// interactive-terminal default.
func Init(level Level, json bool) {
	zerolog.SetGlobalLevel(level.zerolog())

	if json {
		Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component doing
// the logging (e.g. "producer", "consumer", "engine").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTaskID returns a child logger tagged with a task's id.
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithSymbol returns a child logger tagged with a ticker symbol.
func WithSymbol(symbol string) zerolog.Logger {
	return Logger.With().Str("symbol", symbol).Logger()
}

package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

// DefaultLevel is the minimum severity surfaced when nothing is configured.
const DefaultLevel = "warning"

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("component", "eventq").
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}

// ParseLevel maps a severity name onto a zerolog level.
// Accepted names: trace, debug, info, warning (or warn), error, none.
// Unknown names fall back to warning and report ok=false.
func ParseLevel(name string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warning", "warn":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "none", "disabled", "off":
		return zerolog.Disabled, true
	}
	return zerolog.WarnLevel, false
}

// SetLevel sets the minimum severity surfaced by every logger in the process.
// It is safe to call while other goroutines are logging.
func SetLevel(name string) {
	lvl, ok := ParseLevel(name)
	zerolog.SetGlobalLevel(lvl)
	if !ok {
		Log.Warn().Str("level", name).Msg("Unknown log level, using warning")
	}
}

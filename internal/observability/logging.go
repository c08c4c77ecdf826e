package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger creates a structured JSON logger writing to stdout. The level
// defaults to info and is overridden with the VAMM_LOG_LEVEL env var
// (any level name zerolog understands: trace, debug, info, warn, error).
func NewLogger(component string) zerolog.Logger {
	level := zerolog.InfoLevel
	if s := os.Getenv("VAMM_LOG_LEVEL"); s != "" {
		if parsed, err := zerolog.ParseLevel(s); err == nil {
			level = parsed
		}
	}
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

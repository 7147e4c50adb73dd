// Package logging holds the pricestar process logger. Commands configure it
// once with Setup; components receive child loggers tagged with the run or
// phase they belong to.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Setup sends log output to w: JSON lines, or zerolog's console format
// when human is set. debug lowers the level to Debug.
func Setup(w io.Writer, debug, human bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if human {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(w).With().Timestamp().Logger()
}

// L returns the process logger.
func L() *zerolog.Logger {
	return &base
}

// WithPhase returns a child logger tagged with a command phase.
func WithPhase(phase string) zerolog.Logger {
	return base.With().Str("phase", phase).Logger()
}

// WithRun returns a child logger tagged with a run identifier.
func WithRun(runID string) zerolog.Logger {
	return base.With().Str("run_id", runID).Logger()
}

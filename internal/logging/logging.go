// Package logging wraps zerolog with the console-writer setup the wider
// example pack uses for CLI tools, giving every job a structured logger
// tagged with a per-job UUID rather than writing through the package-level
// global directly.
//
// Grounded on Tanq16-danzo/utils/logger.go's InitLogger/GetLogger split.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger for console output, matching
// the danzo CLI's ConsoleWriter setup. debug raises the level so retry and
// suspension-point detail becomes visible.
func Init(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// SetOutput redirects subsequent log output, used by tests to capture log
// lines instead of writing to stderr.
func SetOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// NewJobLogger returns a logger scoped to one job, tagged with a fresh
// UUID so concurrent jobs' log lines can be told apart.
func NewJobLogger(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("job_id", uuid.NewString()).
		Logger()
}

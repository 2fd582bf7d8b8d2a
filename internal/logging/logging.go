// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// DebugEnv enables debug logging when set to "1".
const DebugEnv = "TRAFFICMON_DEBUG"

// Level represents the logging verbosity level.
type Level int

const (
	// LevelInfo is the default logging level for normal operation.
	LevelInfo Level = iota
	// LevelDebug enables verbose debug output, including failed interface polls.
	LevelDebug
)

// Format selects the handler used for log records.
type Format int

const (
	// FormatText writes human-readable key=value records to stderr.
	FormatText Format = iota
	// FormatJSON writes one JSON object per record to stdout, for daemons
	// running under a service manager.
	FormatJSON
)

func (l Level) slogLevel() slog.Level {
	if l == LevelDebug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// NewLogger builds a logger writing to w in the given format.
func NewLogger(w io.Writer, format Format, level Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.slogLevel()}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Setup installs a text logger on stderr as the slog default.
// Call this once at application startup.
func Setup(level Level) {
	slog.SetDefault(NewLogger(os.Stderr, FormatText, level))
}

// SetupDaemon installs a JSON logger on stdout as the slog default.
func SetupDaemon(level Level) {
	slog.SetDefault(NewLogger(os.Stdout, FormatJSON, level))
}

// LevelFromEnv returns LevelDebug when TRAFFICMON_DEBUG=1.
func LevelFromEnv() Level {
	if os.Getenv(DebugEnv) == "1" {
		return LevelDebug
	}
	return LevelInfo
}

// SetupFromEnv initializes the text logger based on TRAFFICMON_DEBUG.
func SetupFromEnv() {
	Setup(LevelFromEnv())
}

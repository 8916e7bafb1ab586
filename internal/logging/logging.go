// Package logging provides the process-wide structured logger built on
// zerolog. Components obtain child loggers via For so every line carries a
// component field.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level to emit, parsed by ParseLevel.
	Level string
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Pretty enables the human-readable console writer.
	Pretty bool
}

// Init installs the global logger.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel parses a level string case-insensitively. Unrecognized values
// fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// For returns a child logger tagged with a component name.
func For(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Debug starts a debug level message on the global logger.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts an info level message on the global logger.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a warn level message on the global logger.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts an error level message on the global logger.
func Error() *zerolog.Event { return Logger.Error() }

func init() {
	Init(Config{Level: os.Getenv("ATELIER_LOG_LEVEL")})
}

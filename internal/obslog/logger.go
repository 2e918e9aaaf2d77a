// Package obslog builds the fabric's structured logger. Grounded on
// ws/internal/shared/monitoring/logger.go's NewLogger: JSON by default,
// a pretty console writer in development, global level switch, and
// context-carrying error helpers. Every module takes a zerolog.Logger by
// constructor injection rather than reaching for a package-level global.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

type Options struct {
	Level  Level
	Format Format
}

// New builds a zerolog.Logger tagged with service=tekton-fabric.
func New(opts Options) zerolog.Logger {
	var out io.Writer = os.Stdout

	var level zerolog.Level
	switch opts.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().
		Timestamp().
		Caller().
		Str("service", "tekton-fabric").
		Logger()
}

// LogError logs an error with contextual fields, for the common case of
// "this failed, here's why, here's what it was doing".
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Package logging builds the zerolog loggers used by the host packages.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment overrides
const (
	EnvLevel  = "MOTIONCTL_LOG_LEVEL"
	EnvFormat = "MOTIONCTL_LOG_FORMAT"
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options selects the logger output
type Options struct {
	App    string
	Level  string // empty reads EnvLevel, then defaults to info
	Format string // empty reads EnvFormat, then defaults to console
	Out    io.Writer
}

// New builds a logger and installs it as the zerolog global
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	format := firstNonEmpty(opts.Format, os.Getenv(EnvFormat), FormatConsole)
	if !strings.EqualFold(format, FormatJSON) {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(out).
		Level(ParseLevel(firstNonEmpty(opts.Level, os.Getenv(EnvLevel)))).
		With().Timestamp().Str("app", opts.App).Logger()
	log.Logger = logger
	return logger
}

// ParseLevel parses a level name, falling back to info
func ParseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Component derives a sub-logger tagged with a component name
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Axis derives a sub-logger tagged with an axis id
func Axis(logger zerolog.Logger, id int) zerolog.Logger {
	return logger.With().Int("axis", id).Logger()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

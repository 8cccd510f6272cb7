// Package log configures the process-wide zerolog logger and hands out
// component loggers for the pipeline stages.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
	With().Timestamp().Logger()

// Setup sets the global level and output format. Format is "pretty" for the
// console writer or "json" for raw JSON events.
func Setup(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "pretty":
		root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger()
	case "json":
		root = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return errInvalidFormat(format)
	}
	return nil
}

type errInvalidFormat string

func (e errInvalidFormat) Error() string {
	return "invalid log format " + string(e) + " (want pretty or json)"
}

// Logger returns the root logger.
func Logger() zerolog.Logger {
	return root
}

// Component returns a logger tagged with a component name, e.g. "pipeline"
// or "ensemble.gbt".
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

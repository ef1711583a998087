package crawler

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide base logger. Components derive child loggers from
// it via ComponentLog so every line carries a component field.
var Log zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// InitLogging configures the global logger. level is one of debug, info,
// warn, error; anything else falls back to info. If console is true the
// human-readable console writer is used instead of JSON.
func InitLogging(level string, console bool, out io.Writer) {
	var lvl zerolog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if out == nil {
		out = os.Stderr
	}
	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Log = zerolog.New(out).With().Timestamp().Logger()
}

// ComponentLog returns a child logger tagged with the given component name.
func ComponentLog(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// PodLog returns a child logger tagged with a component and pod id.
func PodLog(component string, pod int) zerolog.Logger {
	return Log.With().Str("component", component).Int("pod", pod).Logger()
}

package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Components derive their own sub-loggers from it via
// For, so every line carries the node id without each call site repeating it.
var Log zerolog.Logger

func init() {
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// SetLevel adjusts the global log level. The default is Info; tests and the demo client
// typically bump this to Warn to keep output readable.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// For returns a logger bound to a server id.
func For(nodeID string) zerolog.Logger {
	return Log.With().Str("server", nodeID).Logger()
}

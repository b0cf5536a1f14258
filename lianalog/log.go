// Package lianalog sets up the daemon's package-level loggers on top of
// btclog, the same logging library the teacher repo depends on.
// cmd/lianad owns the root backend; every other package only ever calls
// Logger to get its own tagged sub-logger.
package lianalog

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
)

// backend is the root log backend every subsystem logger is carved from.
// It defaults to stderr so packages imported as a library still produce
// output before cmd/lianad calls Init.
var backend = btclog.NewBackend(os.Stderr)

// Init points the root backend at w, typically a log file opened by
// cmd/lianad. Only loggers obtained from Logger after Init write to w;
// loggers created earlier (such as package-level ones) keep writing to
// the previous backend.
func Init(w io.Writer) {
	backend = btclog.NewBackend(w)
}

// Logger returns a tagged logger for subsystem, e.g. "STOR", "CHAN",
// "SPND". The returned logger defaults to btclog.LevelInfo; callers adjust
// it with SetLevel.
func Logger(subsystem string) btclog.Logger {
	l := backend.Logger(subsystem)
	l.SetLevel(btclog.LevelInfo)
	return l
}

// SetLevel parses levelStr (e.g. "debug", "info", "warn") and applies it
// to every logger subsystem names.
func SetLevel(loggers map[string]btclog.Logger, levelStr string) {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return
	}
	for _, l := range loggers {
		l.SetLevel(level)
	}
}

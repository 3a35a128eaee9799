package util

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	logger  atomic.Pointer[slog.Logger]
	verbose atomic.Bool
	// logOutput is stderr so the stream status lines own stdout.
	logOutput io.Writer = os.Stderr
)

// InitLogger installs the global slog logger. json selects the JSON handler
// for log collectors; otherwise logs are key=value text.
func InitLogger(debug, json bool) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	verbose.Store(debug)

	var handler slog.Handler = slog.NewTextHandler(logOutput, opts)
	if json {
		handler = slog.NewJSONHandler(logOutput, opts)
	}
	l := slog.New(handler)
	logger.Store(l)
	slog.SetDefault(l)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	InitLogger(IsVerbose(), false)
	return logger.Load()
}

// IsVerbose reports whether debug logging was requested, either through
// InitLogger or a --verbose argument.
func IsVerbose() bool {
	if verbose.Load() {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}

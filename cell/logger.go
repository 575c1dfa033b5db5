package cell

import (
	"io"
	"log/slog"
	"os"
)

// log is the package-level logger, defaulting to a discard handler.
// Grounded on cmd/hiveexplorer/logger/logger.go's pattern of a silent-
// by-default package logger a host opts into explicitly.
var log *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLogger replaces the package-level logger used for corruption and
// leak diagnostics. Passing nil restores the discarding default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}
	log = l
}

// debugEnabled mirrors hive/alloc's HIVE_LOG_ALLOC env-var toggle: set
// CELL_DEBUG=1 to turn on guard/leak/magic checking even in a build that
// did not set ContextConfig.EnableGuards etc. explicitly.
var debugEnabled = os.Getenv("CELL_DEBUG") != ""

package logger

import (
	"log/slog"
	"os"
)

// FatalWithLogger logs at error level on the given logger and exits. Only
// main uses this; everything below it returns errors.
func FatalWithLogger(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
